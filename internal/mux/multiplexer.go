// =============================================================================
// 文件: internal/mux/multiplexer.go
// 描述: 连接多路复用器 - 外部 TCP 连接与虚电路之间的 ID 映射、组帧与拆帧
//       服务端在首次见到未知 ID 时惰性建立到最终目标的连接
// =============================================================================
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/kcptunnel/internal/logging"
	"github.com/mrcgq/kcptunnel/internal/randutil"
)

// Role 隧道角色
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Circuit 多路复用器使用的虚电路能力
type Circuit interface {
	Send(p []byte) error
	// Receive 读取至多 len(buf) 字节，无数据时返回 0, nil
	Receive(buf []byte) (int, error)
	// StreamMode 为 true 时按字节流交付，否则按整条消息交付
	StreamMode() bool
}

// DialFunc 服务端建立到最终目标的连接
type DialFunc func(ctx context.Context) (net.Conn, error)

// OutsideConn 外部连接
type OutsideConn struct {
	ID       uint32
	Conn     net.Conn
	OpenedAt time.Time
}

// Stats 多路复用统计
type Stats struct {
	Opened         uint64
	Closed         uint64
	ProtocolErrors uint64
	DialFailures   uint64
	ShortWrites    uint64
	// CircuitSendFailures 虚电路拒绝的帧，对应连接被关闭
	CircuitSendFailures uint64
	BytesToCircuit      uint64
	BytesToOutside      uint64
	FramesIn            uint64
	FramesOut           uint64
}

// Config 多路复用器配置
type Config struct {
	Role         Role
	Dial         DialFunc // 仅服务端
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Source       randutil.Source
	Logger       *logrus.Entry
}

// Multiplexer 连接多路复用器
//
// 非并发安全：由隧道事件循环独占。ReadFrame 是唯一可在其他 goroutine
// 中使用的入口。
type Multiplexer struct {
	role         Role
	circuit      Circuit
	dial         DialFunc
	dialTimeout  time.Duration
	writeTimeout time.Duration
	src          randutil.Source
	logger       *logrus.Entry

	byID   map[uint32]*OutsideConn
	byConn map[net.Conn]*OutsideConn

	// 流模式下唯一一个在途帧的重组缓冲
	recvBuf [RecvBufferSize]byte
	recvLen int

	active int64
	stats  Stats
}

// New 创建多路复用器
func New(circuit Circuit, cfg Config) (*Multiplexer, error) {
	if circuit == nil {
		return nil, errors.New("虚电路不能为空")
	}
	if cfg.Source == nil {
		return nil, errors.New("随机源不能为空")
	}
	if cfg.Role == RoleServer && cfg.Dial == nil {
		return nil, errors.New("服务端必须提供拨号函数")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	return &Multiplexer{
		role:         cfg.Role,
		circuit:      circuit,
		dial:         cfg.Dial,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		src:          cfg.Source,
		logger:       cfg.Logger,
		byID:         make(map[uint32]*OutsideConn),
		byConn:       make(map[net.Conn]*OutsideConn),
	}, nil
}

// AcceptNew 登记客户端新接入的连接，分配当前唯一的随机 ID
func (m *Multiplexer) AcceptNew(conn net.Conn) (*OutsideConn, error) {
	if m.role != RoleClient {
		return nil, ErrWrongRole
	}
	var id uint32
	for {
		v, err := m.src.Uint32()
		if err != nil {
			return nil, fmt.Errorf("%w: 生成连接 ID 失败: %v", ErrResourceExhausted, err)
		}
		if _, used := m.byID[v]; !used {
			id = v
			break
		}
	}
	oc := m.register(id, conn)
	m.log(logging.LevelInfo, "新连接 %s -> id=%08x", conn.RemoteAddr(), id)
	return oc, nil
}

func (m *Multiplexer) register(id uint32, conn net.Conn) *OutsideConn {
	oc := &OutsideConn{ID: id, Conn: conn, OpenedAt: time.Now()}
	m.byID[id] = oc
	m.byConn[conn] = oc
	atomic.AddInt64(&m.active, 1)
	atomic.AddUint64(&m.stats.Opened, 1)
	return oc
}

// teardown 关闭连接并同时移除两个方向的映射
func (m *Multiplexer) teardown(oc *OutsideConn) {
	if cur, ok := m.byID[oc.ID]; !ok || cur != oc {
		return
	}
	delete(m.byID, oc.ID)
	delete(m.byConn, oc.Conn)
	oc.Conn.Close()
	atomic.AddInt64(&m.active, -1)
	atomic.AddUint64(&m.stats.Closed, 1)
}

// ReceiveFromCircuit 从虚电路读取并转发至多一个完整帧。
// 返回数据被路由到的连接；created 表示该连接刚由服务端建立。
// oc 与 err 同时为 nil 表示当前没有完整数据。
func (m *Multiplexer) ReceiveFromCircuit() (oc *OutsideConn, created bool, err error) {
	if m.circuit.StreamMode() {
		oc, created, err = m.receiveStream()
	} else {
		oc, created, err = m.receivePacket()
	}
	if err != nil && errors.Is(err, ErrProtocol) {
		atomic.AddUint64(&m.stats.ProtocolErrors, 1)
	}
	return oc, created, err
}

// receivePacket 包模式: 每次读取恰好一条完整帧
func (m *Multiplexer) receivePacket() (*OutsideConn, bool, error) {
	n, err := m.circuit.Receive(m.recvBuf[:])
	if err != nil {
		return nil, false, fmt.Errorf("%w: 读取虚电路失败: %v", ErrProtocol, err)
	}
	if n == 0 {
		return nil, false, nil
	}
	frame, err := DecodeFrame(m.recvBuf[:n])
	if err != nil {
		return nil, false, err
	}
	return m.deliver(frame)
}

// receiveStream 流模式: 先攒满 6 字节帧头，再攒满 length 字节载荷
func (m *Multiplexer) receiveStream() (*OutsideConn, bool, error) {
	if m.recvLen < FrameHeaderSize {
		n, err := m.circuit.Receive(m.recvBuf[m.recvLen:FrameHeaderSize])
		if err != nil {
			return nil, false, fmt.Errorf("%w: 读取虚电路失败: %v", ErrProtocol, err)
		}
		m.recvLen += n
		if m.recvLen < FrameHeaderSize {
			return nil, false, nil
		}
		if _, length := parseFrameHeader(m.recvBuf[:]); int(length) > MaxFramePayload {
			m.recvLen = 0
			return nil, false, fmt.Errorf("%w: 帧载荷 %d 超过上限 %d", ErrProtocol, length, MaxFramePayload)
		}
	}

	id, length := parseFrameHeader(m.recvBuf[:])
	total := FrameHeaderSize + int(length)
	if m.recvLen < total {
		n, err := m.circuit.Receive(m.recvBuf[m.recvLen:total])
		if err != nil {
			return nil, false, fmt.Errorf("%w: 读取虚电路失败: %v", ErrProtocol, err)
		}
		m.recvLen += n
		if m.recvLen < total {
			return nil, false, nil
		}
	}

	m.recvLen = 0
	return m.deliver(Frame{ConnID: id, Payload: m.recvBuf[FrameHeaderSize:total]})
}

// deliver 查找或惰性建立连接，并写出载荷
func (m *Multiplexer) deliver(frame Frame) (*OutsideConn, bool, error) {
	atomic.AddUint64(&m.stats.FramesIn, 1)

	oc, created, err := m.route(frame.ConnID)
	if err != nil {
		return nil, false, err
	}
	if err := m.sendToRemote(oc, frame.Payload); err != nil {
		return oc, created, err
	}
	return oc, created, nil
}

func (m *Multiplexer) route(id uint32) (*OutsideConn, bool, error) {
	if oc, ok := m.byID[id]; ok {
		return oc, false, nil
	}
	if m.role == RoleClient {
		return nil, false, fmt.Errorf("%w: 客户端收到未知连接 id=%08x", ErrProtocol, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	conn, err := m.dial(ctx)
	if err != nil {
		atomic.AddUint64(&m.stats.DialFailures, 1)
		return nil, false, fmt.Errorf("%w: 连接目标失败 (id=%08x): %v", ErrIO, id, err)
	}
	oc := m.register(id, conn)
	m.log(logging.LevelInfo, "为 id=%08x 建立到目标的连接 %s", id, conn.RemoteAddr())
	return oc, true, nil
}

// sendToRemote 将载荷写给外部连接。
// 短写只记录不重试：重发会破坏对端已按序接收的字节流。
func (m *Multiplexer) sendToRemote(oc *OutsideConn, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	oc.Conn.SetWriteDeadline(time.Now().Add(m.writeTimeout))
	n, err := oc.Conn.Write(payload)
	atomic.AddUint64(&m.stats.BytesToOutside, uint64(n))
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		atomic.AddUint64(&m.stats.ShortWrites, 1)
		m.log(logging.LevelWarn, "id=%08x 短写 %d/%d 字节", oc.ID, n, len(payload))
		return nil
	}
	m.log(logging.LevelInfo, "id=%08x 写入失败，关闭连接: %v", oc.ID, err)
	m.teardown(oc)
	return fmt.Errorf("%w: id=%08x: %v", ErrIO, oc.ID, err)
}

// ReceiveFromOutside 处理外部连接的一次读取结果。
// frame 为 ReadFrame 返回的缓冲区 (前 6 字节预留帧头)，readErr 为读取错误。
func (m *Multiplexer) ReceiveFromOutside(oc *OutsideConn, frame []byte, readErr error) error {
	if cur, ok := m.byConn[oc.Conn]; !ok || cur != oc {
		return ErrUnknownConn
	}
	if len(frame) < FrameHeaderSize {
		return fmt.Errorf("%w: 帧缓冲区缺少帧头", ErrProtocol)
	}

	n := len(frame) - FrameHeaderSize
	if n > 0 {
		putFrameHeader(frame, oc.ID, n)
		if err := m.circuit.Send(frame); err != nil {
			// 帧已丢失，连接上的字节流不再完整
			atomic.AddUint64(&m.stats.CircuitSendFailures, 1)
			m.log(logging.LevelWarn, "id=%08x 写入虚电路失败，关闭连接: %v", oc.ID, err)
			m.teardown(oc)
			return fmt.Errorf("%w: id=%08x: %v", ErrIO, oc.ID, err)
		}
		atomic.AddUint64(&m.stats.FramesOut, 1)
		atomic.AddUint64(&m.stats.BytesToCircuit, uint64(n))
	}

	switch {
	case readErr == nil && n > 0:
		return nil
	case readErr == nil || errors.Is(readErr, io.EOF):
		m.log(logging.LevelInfo, "外部连接 id=%08x 已关闭", oc.ID)
		m.teardown(oc)
		return nil
	default:
		m.teardown(oc)
		return fmt.Errorf("%w: id=%08x: %v", ErrIO, oc.ID, readErr)
	}
}

// Lookup 按 ID 查找连接
func (m *Multiplexer) Lookup(id uint32) (*OutsideConn, bool) {
	oc, ok := m.byID[id]
	return oc, ok
}

// IDOf 按底层连接查找 ID
func (m *Multiplexer) IDOf(conn net.Conn) (uint32, bool) {
	oc, ok := m.byConn[conn]
	if !ok {
		return 0, false
	}
	return oc.ID, true
}

// Len 当前映射的连接数
func (m *Multiplexer) Len() int {
	return len(m.byID)
}

// Active 当前连接数，可在其他 goroutine 中读取
func (m *Multiplexer) Active() int64 {
	return atomic.LoadInt64(&m.active)
}

// Close 关闭全部外部连接
func (m *Multiplexer) Close() {
	for _, oc := range m.byID {
		m.teardown(oc)
	}
}

// Stats 统计快照
func (m *Multiplexer) Stats() Stats {
	return Stats{
		Opened:              atomic.LoadUint64(&m.stats.Opened),
		Closed:              atomic.LoadUint64(&m.stats.Closed),
		ProtocolErrors:      atomic.LoadUint64(&m.stats.ProtocolErrors),
		DialFailures:        atomic.LoadUint64(&m.stats.DialFailures),
		ShortWrites:         atomic.LoadUint64(&m.stats.ShortWrites),
		CircuitSendFailures: atomic.LoadUint64(&m.stats.CircuitSendFailures),
		BytesToCircuit:      atomic.LoadUint64(&m.stats.BytesToCircuit),
		BytesToOutside:      atomic.LoadUint64(&m.stats.BytesToOutside),
		FramesIn:            atomic.LoadUint64(&m.stats.FramesIn),
		FramesOut:           atomic.LoadUint64(&m.stats.FramesOut),
	}
}

func (m *Multiplexer) log(level int, format string, args ...interface{}) {
	logging.Logf(m.logger, level, format, args...)
}
