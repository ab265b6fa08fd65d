// =============================================================================
// 文件: internal/carrier/websocket.go
// 描述: WebSocket 承载 - 每条二进制消息承载一个数据报，适合经过 CDN
// =============================================================================
package carrier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mrcgq/kcptunnel/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsInboxSize    = 1024
)

// WebSocketServer 服务端: 最近接入的会话作为回复对象
type WebSocketServer struct {
	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *logrus.Entry

	inbox  chan []byte
	stopCh chan struct{}
	once   sync.Once

	mu      sync.Mutex
	current *websocket.Conn
}

// ListenWebSocket 监听 addr，在 path 上接受 WebSocket 升级
func ListenWebSocket(addr, path string, logger *logrus.Entry) (*WebSocketServer, error) {
	if path == "" {
		path = "/"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听 WebSocket %s: %w", addr, err)
	}

	s := &WebSocketServer{
		listener: ln,
		logger:   logger,
		inbox:    make(chan []byte, wsInboxSize),
		stopCh:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleWebSocket)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log(logging.LevelError, "HTTP 服务器错误: %v", err)
		}
	}()

	s.log(logging.LevelInfo, "WebSocket 承载已监听: %s%s", ln.Addr(), path)
	return s, nil
}

func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log(logging.LevelDebug, "WebSocket 升级失败: %v", err)
		return
	}
	s.log(logging.LevelInfo, "WebSocket 会话: %s", r.RemoteAddr)

	s.mu.Lock()
	s.current = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.current == conn {
			s.current = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log(logging.LevelDebug, "WebSocket 读取错误: %v", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		s.mu.Lock()
		s.current = conn
		s.mu.Unlock()

		select {
		case s.inbox <- data:
		case <-s.stopCh:
			return
		default:
			s.log(logging.LevelDebug, "接收队列已满，丢弃 %d 字节", len(data))
		}
	}
}

// ReadDatagram 读取任一会话的下一个数据报
func (s *WebSocketServer) ReadDatagram(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.inbox:
		return data, nil
	case <-s.stopCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteDatagram 发往最近活跃的会话
func (s *WebSocketServer) WriteDatagram(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoPeer
	}
	s.current.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.current.WriteMessage(websocket.BinaryMessage, b)
}

// LocalAddr 监听地址
func (s *WebSocketServer) LocalAddr() string {
	return s.listener.Addr().String()
}

// Close 关闭服务器与全部会话
func (s *WebSocketServer) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = s.httpServer.Shutdown(ctx)
		s.mu.Lock()
		if s.current != nil {
			s.current.Close()
		}
		s.mu.Unlock()
	})
	return err
}

func (s *WebSocketServer) log(level int, format string, args ...interface{}) {
	logging.Logf(s.logger, level, format, args...)
}

// WebSocketClient 客户端: 单一会话
type WebSocketClient struct {
	conn   *websocket.Conn
	logger *logrus.Entry

	writeMu sync.Mutex
}

// DialWebSocket 连接 ws://remote/path；remote 带 scheme 时原样使用
func DialWebSocket(ctx context.Context, remote, path string, logger *logrus.Entry) (*WebSocketClient, error) {
	target := remote
	if u, err := url.Parse(remote); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		target = (&url.URL{Scheme: "ws", Host: remote, Path: path}).String()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("连接 WebSocket %s: %w", target, err)
	}

	c := &WebSocketClient{conn: conn, logger: logger}
	c.log(logging.LevelInfo, "WebSocket 承载: %s", target)
	return c, nil
}

// ReadDatagram 读取下一条二进制消息
func (c *WebSocketClient) ReadDatagram(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteDatagram 发送一条二进制消息
func (c *WebSocketClient) WriteDatagram(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

// LocalAddr 本地地址
func (c *WebSocketClient) LocalAddr() string {
	return c.conn.LocalAddr().String()
}

// Close 发送关闭帧并断开
func (c *WebSocketClient) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *WebSocketClient) log(level int, format string, args ...interface{}) {
	logging.Logf(c.logger, level, format, args...)
}
