// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 健康检查和 Metrics 服务 - Prometheus 标准格式
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mrcgq/kcptunnel/internal/logging"
)

// Server 指标服务器
type Server struct {
	listen      string
	metricsPath string
	healthPath  string
	logger      *logrus.Entry

	httpServer *http.Server
	listener   net.Listener
	registry   *prometheus.Registry
	startedAt  time.Time

	healthCheck func() HealthStatus

	mu sync.RWMutex
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewServer 创建指标服务器
func NewServer(listen, metricsPath, healthPath string, logger *logrus.Entry) *Server {
	// 自定义 registry，避免污染全局
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		listen:      listen,
		metricsPath: metricsPath,
		healthPath:  healthPath,
		logger:      logger,
		registry:    registry,
		startedAt:   time.Now(),
	}
}

// Registry 供收集器与埋点注册
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// SetHealthCheck 设置健康检查函数
func (s *Server) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCheck = fn
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(s.healthPath, s.handleHealth)
	r.Get(s.healthPath+"/live", s.handleLiveness)
	r.Get(s.healthPath+"/ready", s.handleReadiness)
	r.Handle(s.metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))
	return r
}

// Start 绑定端口并在后台提供服务，绑定失败直接返回
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("监听 metrics %s: %w", s.listen, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log(logging.LevelError, "服务器错误: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.log(logging.LevelInfo, "metrics 已启动: http://%s%s", ln.Addr(), s.metricsPath)
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.listen
	}
	return s.listener.Addr().String()
}

func (s *Server) status() HealthStatus {
	s.mu.RLock()
	healthCheck := s.healthCheck
	s.mu.RUnlock()

	var status HealthStatus
	if healthCheck != nil {
		status = healthCheck()
	} else {
		status = HealthStatus{Status: "healthy"}
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	status.Uptime = time.Since(s.startedAt).Truncate(time.Second).String()
	return status
}

// serving degraded 仍在转发流量，与 healthy 同样视为可用
func serving(status HealthStatus) bool {
	return status.Status == "healthy" || status.Status == "degraded"
}

// handleHealth 健康检查处理
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.status()
	w.Header().Set("Content-Type", "application/json")
	if !serving(status) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleLiveness 存活探针，进程能应答即存活
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness 就绪探针
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if serving(s.status()) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("NOT READY"))
}

// Stop 停止服务器
func (s *Server) Stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) log(level int, format string, args ...interface{}) {
	logging.Logf(s.logger, level, format, args...)
}
