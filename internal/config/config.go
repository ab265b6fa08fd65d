// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML/TOML 加载、默认值、集中校验 (一次报告全部错误)
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const (
	RoleClient = "client"
	RoleServer = "server"

	CarrierUDP       = "udp"
	CarrierWebSocket = "websocket"

	EngineKCP = "kcp"
	EngineARQ = "arq"
)

// Config 主配置
type Config struct {
	Role     string `yaml:"role" toml:"role"`
	LogLevel string `yaml:"log_level" toml:"log_level"`
	// Listen 客户端为 TCP 监听地址，服务端为承载层监听地址
	Listen string `yaml:"listen" toml:"listen"`
	// Remote 客户端为隧道服务端地址，服务端为最终 TCP 目标
	Remote         string `yaml:"remote" toml:"remote"`
	TickIntervalMs int    `yaml:"tick_interval_ms" toml:"tick_interval_ms"`

	Carrier CarrierConfig `yaml:"carrier" toml:"carrier"`
	Circuit CircuitConfig `yaml:"circuit" toml:"circuit"`
	FEC     FECConfig     `yaml:"fec" toml:"fec"`
	Mux     MuxConfig     `yaml:"mux" toml:"mux"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// CarrierConfig 承载层配置
type CarrierConfig struct {
	Type       string `yaml:"type" toml:"type"`
	Path       string `yaml:"path" toml:"path"`
	ReadBuffer int    `yaml:"read_buffer" toml:"read_buffer"`
}

// CircuitConfig 可靠虚电路配置
type CircuitConfig struct {
	Engine     string `yaml:"engine" toml:"engine"`
	Conv       uint32 `yaml:"conv" toml:"conv"`
	MTU        int    `yaml:"mtu" toml:"mtu"`
	Window     int    `yaml:"window" toml:"window"`
	NoDelay    bool   `yaml:"nodelay" toml:"nodelay"`
	IntervalMs int    `yaml:"interval_ms" toml:"interval_ms"`
	Resend     int    `yaml:"resend" toml:"resend"`
	NoCwnd     bool   `yaml:"no_cwnd" toml:"no_cwnd"`
	RTOMinMs   int    `yaml:"rto_min_ms" toml:"rto_min_ms"`
	RTOMaxMs   int    `yaml:"rto_max_ms" toml:"rto_max_ms"`
	MaxRetries int    `yaml:"max_retries" toml:"max_retries"`
}

// FECConfig 前向纠错配置
type FECConfig struct {
	DataShards        int `yaml:"data_shards" toml:"data_shards"`
	ParityShards      int `yaml:"parity_shards" toml:"parity_shards"`
	TimeoutSec        int `yaml:"timeout_sec" toml:"timeout_sec"`
	MaxPendingBatches int `yaml:"max_pending_batches" toml:"max_pending_batches"`
	BatchTTLSec       int `yaml:"batch_ttl_sec" toml:"batch_ttl_sec"`
}

// MuxConfig 多路复用配置
type MuxConfig struct {
	DialTimeoutSec int `yaml:"dial_timeout_sec" toml:"dial_timeout_sec"`
	WriteTimeoutMs int `yaml:"write_timeout_ms" toml:"write_timeout_ms"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	Listen     string `yaml:"listen" toml:"listen"`
	Path       string `yaml:"path" toml:"path"`
	HealthPath string `yaml:"health_path" toml:"health_path"`
}

// Load 加载配置，按扩展名选择 YAML 或 TOML
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, v interface{}) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), v)
		return err
	default:
		return yaml.Unmarshal(data, v)
	}
}

// LoadLogLevel 只读取 log_level，供热加载使用
func LoadLogLevel(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("读取配置失败: %w", err)
	}
	var partial struct {
		LogLevel string `yaml:"log_level" toml:"log_level"`
	}
	if err := decode(path, data, &partial); err != nil {
		return "", fmt.Errorf("解析配置失败: %w", err)
	}
	return partial.LogLevel, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Role:           RoleClient,
		LogLevel:       "info",
		Listen:         "127.0.0.1:8000",
		Remote:         "127.0.0.1:9000",
		TickIntervalMs: 20,

		Carrier: CarrierConfig{
			Type:       CarrierUDP,
			Path:       "/kcp",
			ReadBuffer: 4 * 1024 * 1024,
		},

		Circuit: CircuitConfig{
			Engine:     EngineKCP,
			Conv:       0x11112222,
			MTU:        1400,
			Window:     256,
			NoDelay:    true,
			IntervalMs: 20,
			Resend:     2,
			NoCwnd:     true,
			RTOMinMs:   100,
			RTOMaxMs:   10000,
			MaxRetries: 20,
		},

		FEC: FECConfig{
			DataShards:        2,
			ParityShards:      1,
			TimeoutSec:        10,
			MaxPendingBatches: 128,
			BatchTTLSec:       10,
		},

		Mux: MuxConfig{
			DialTimeoutSec: 5,
			WriteTimeoutMs: 2000,
		},

		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     "127.0.0.1:9100",
			Path:       "/metrics",
			HealthPath: "/health",
		},
	}
}

// Validate 验证配置，返回全部错误
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Role {
	case RoleClient, RoleServer:
	default:
		result = multierror.Append(result, fmt.Errorf("role 必须为 client 或 server: %q", c.Role))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result = multierror.Append(result, fmt.Errorf("log_level 无效: %q", c.LogLevel))
	}

	listenPort, err := parsePort(c.Listen)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("listen 端口格式错误: %w", err))
	}
	if _, err := parsePort(c.Remote); err != nil {
		result = multierror.Append(result, fmt.Errorf("remote 端口格式错误: %w", err))
	}

	if c.TickIntervalMs < 1 || c.TickIntervalMs > 1000 {
		result = multierror.Append(result, fmt.Errorf("tick_interval_ms 需在 1-1000 之间"))
	}

	switch c.Carrier.Type {
	case CarrierUDP:
	case CarrierWebSocket:
		if !strings.HasPrefix(c.Carrier.Path, "/") {
			result = multierror.Append(result, fmt.Errorf("carrier.path 必须以 / 开头"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("carrier.type 必须为 udp 或 websocket: %q", c.Carrier.Type))
	}
	if c.Carrier.ReadBuffer < 0 {
		result = multierror.Append(result, fmt.Errorf("carrier.read_buffer 不能为负"))
	}

	if err := c.validateCircuit(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.validateFEC(); err != nil {
		result = multierror.Append(result, err)
	}

	if c.Mux.DialTimeoutSec < 1 {
		result = multierror.Append(result, fmt.Errorf("mux.dial_timeout_sec 必须大于 0"))
	}
	if c.Mux.WriteTimeoutMs < 1 {
		result = multierror.Append(result, fmt.Errorf("mux.write_timeout_ms 必须大于 0"))
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("metrics.listen 端口格式错误: %w", err))
		} else if listenPort != 0 && metricsPort == listenPort && c.listensTCP() {
			result = multierror.Append(result, fmt.Errorf("metrics.listen 端口 (%d) 与 listen 冲突", metricsPort))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			result = multierror.Append(result, fmt.Errorf("metrics.path 与 metrics.health_path 必须以 / 开头"))
		}
	}

	return result.ErrorOrNil()
}

func (c *Config) validateCircuit() error {
	var result *multierror.Error
	cc := c.Circuit

	switch cc.Engine {
	case EngineKCP, EngineARQ:
	default:
		result = multierror.Append(result, fmt.Errorf("circuit.engine 必须为 kcp 或 arq: %q", cc.Engine))
	}
	// 下限保证一个多路复用帧只占少量分段，背压余量才够用
	if cc.MTU < 576 || cc.MTU > 1500 {
		result = multierror.Append(result, fmt.Errorf("circuit.mtu 需在 576-1500 之间"))
	}
	if cc.Window < 16 || cc.Window > 4096 {
		result = multierror.Append(result, fmt.Errorf("circuit.window 需在 16-4096 之间"))
	}
	if cc.IntervalMs < 10 || cc.IntervalMs > 5000 {
		result = multierror.Append(result, fmt.Errorf("circuit.interval_ms 需在 10-5000 之间"))
	}
	if cc.Resend < 0 {
		result = multierror.Append(result, fmt.Errorf("circuit.resend 不能为负"))
	}
	if cc.RTOMinMs < 10 || cc.RTOMinMs > 5000 {
		result = multierror.Append(result, fmt.Errorf("circuit.rto_min_ms 需在 10-5000 之间"))
	}
	if cc.RTOMaxMs < cc.RTOMinMs || cc.RTOMaxMs > 60000 {
		result = multierror.Append(result, fmt.Errorf("circuit.rto_max_ms 需大于 rto_min_ms 且不超过 60000"))
	}
	if cc.MaxRetries < 1 || cc.MaxRetries > 100 {
		result = multierror.Append(result, fmt.Errorf("circuit.max_retries 需在 1-100 之间"))
	}
	return result.ErrorOrNil()
}

func (c *Config) validateFEC() error {
	var result *multierror.Error
	f := c.FEC

	if f.DataShards < 1 {
		result = multierror.Append(result, fmt.Errorf("fec.data_shards 必须大于 0"))
	}
	if f.ParityShards < 0 {
		result = multierror.Append(result, fmt.Errorf("fec.parity_shards 不能为负"))
	}
	if f.DataShards+f.ParityShards > 255 {
		result = multierror.Append(result, fmt.Errorf("fec.data_shards + fec.parity_shards 不能超过 255"))
	}
	if f.TimeoutSec < 1 {
		result = multierror.Append(result, fmt.Errorf("fec.timeout_sec 必须大于 0"))
	}
	if f.MaxPendingBatches < 1 {
		result = multierror.Append(result, fmt.Errorf("fec.max_pending_batches 必须大于 0"))
	}
	if f.BatchTTLSec < 1 {
		result = multierror.Append(result, fmt.Errorf("fec.batch_ttl_sec 必须大于 0"))
	}
	return result.ErrorOrNil()
}

// listensTCP listen 是否占用 TCP 端口
func (c *Config) listensTCP() bool {
	return c.Role == RoleClient || c.Carrier.Type == CarrierWebSocket
}

// IsServer 是否为服务端
func (c *Config) IsServer() bool {
	return c.Role == RoleServer
}

// TickInterval 事件循环节拍
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// Timeout 未满批次的超时
func (f FECConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSec) * time.Second
}

// BatchTTL 解码端残缺批次的最长保留时间
func (f FECConfig) BatchTTL() time.Duration {
	return time.Duration(f.BatchTTLSec) * time.Second
}

// DialTimeout 服务端连接目标的超时
func (m MuxConfig) DialTimeout() time.Duration {
	return time.Duration(m.DialTimeoutSec) * time.Second
}

// WriteTimeout 写外部连接的超时
func (m MuxConfig) WriteTimeout() time.Duration {
	return time.Duration(m.WriteTimeoutMs) * time.Millisecond
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig(role string) string {
	listen, remote := "127.0.0.1:8000", "tunnel.example.com:9000"
	if role == RoleServer {
		listen, remote = "0.0.0.0:9000", "127.0.0.1:22"
	}
	return fmt.Sprintf(`# kcptunnel 配置 (%[1]s)
role: %[1]s
log_level: info
listen: "%[2]s"
remote: "%[3]s"
tick_interval_ms: 20

carrier:
  type: udp            # udp | websocket
  path: /kcp           # 仅 websocket
  read_buffer: 4194304

circuit:
  engine: kcp          # kcp (包模式) | arq (流模式)
  conv: 0x11112222
  mtu: 1400
  window: 256
  nodelay: true
  interval_ms: 20
  resend: 2
  no_cwnd: true
  rto_min_ms: 100
  rto_max_ms: 10000
  max_retries: 20

fec:
  data_shards: 2
  parity_shards: 1
  timeout_sec: 10
  max_pending_batches: 128
  batch_ttl_sec: 10

mux:
  dial_timeout_sec: 5
  write_timeout_ms: 2000

metrics:
  enabled: false
  listen: "127.0.0.1:9100"
  path: /metrics
  health_path: /health
`, role, listen, remote)
}

// WriteExampleConfig 写出示例配置
func WriteExampleConfig(path, role string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig(role)), 0644)
}
