// =============================================================================
// 文件: internal/tunnel/engine.go
// 描述: 隧道引擎 - 单一事件循环串联 承载层 → FEC → 虚电路 → 多路复用
// =============================================================================
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/kcptunnel/internal/carrier"
	"github.com/mrcgq/kcptunnel/internal/circuit"
	"github.com/mrcgq/kcptunnel/internal/fec"
	"github.com/mrcgq/kcptunnel/internal/logging"
	"github.com/mrcgq/kcptunnel/internal/metrics"
	"github.com/mrcgq/kcptunnel/internal/mux"
	"github.com/mrcgq/kcptunnel/internal/randutil"
)

const (
	defaultTickInterval = 20 * time.Millisecond
	channelSize         = 256
)

// Options 引擎参数
type Options struct {
	Role mux.Role
	// Listen 客户端 TCP 监听地址，Listener 非空时忽略
	Listen   string
	Listener net.Listener
	// Remote 服务端最终 TCP 目标，Dial 非空时忽略
	Remote string
	Dial   mux.DialFunc

	Carrier        carrier.Carrier
	Engine         circuit.Engine
	CircuitOptions circuit.Options

	DataShards        int
	ParityShards      int
	FECTimeout        time.Duration
	MaxPendingBatches int
	BatchTTL          time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	TickInterval time.Duration
	// SendLimit 虚电路待确认分段达到该值时暂停读取外部连接，默认两倍窗口
	SendLimit int

	Source      randutil.Source
	Logger      *logrus.Logger
	Instruments *metrics.Instruments
}

// outsideRead 外部连接的一次读取结果
type outsideRead struct {
	oc    *mux.OutsideConn
	frame []byte
	err   error
}

// Engine 隧道引擎
//
// circuit/mux/encoder/decoder 只在 loop goroutine 内访问；
// 其他 goroutine 通过通道投递事件。
type Engine struct {
	role     mux.Role
	listener net.Listener
	carrier  carrier.Carrier
	circuit  circuit.Circuit
	mux      *mux.Multiplexer
	encoder  *fec.Encoder
	decoder  *fec.Decoder
	tick     time.Duration
	limit    int
	instr    *metrics.Instruments
	logger   *logrus.Entry

	datagramCh chan []byte
	acceptCh   chan net.Conn
	outsideCh  chan outsideRead

	start     time.Time
	pumps     sync.WaitGroup
	pending   int64
	backlog   int64
	throttled bool
	pauses    uint64
	dead      int32
	running   int32
}

// NewEngine 创建引擎；客户端在此绑定 TCP 监听，失败直接返回
func NewEngine(opts Options) (*Engine, error) {
	if opts.Carrier == nil {
		return nil, errors.New("承载层不能为空")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard().Logger
	}
	if opts.Source == nil {
		opts.Source = randutil.NewCrypto()
	}
	if opts.Instruments == nil {
		opts.Instruments = metrics.NewInstruments(nil)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.SendLimit <= 0 {
		window := opts.CircuitOptions.Window
		if window <= 0 {
			window = circuit.DefaultOptions().Window
		}
		opts.SendLimit = 2 * window
	}

	e := &Engine{
		role:       opts.Role,
		carrier:    opts.Carrier,
		tick:       opts.TickInterval,
		limit:      opts.SendLimit,
		instr:      opts.Instruments,
		logger:     logging.Component(opts.Logger, "engine"),
		datagramCh: make(chan []byte, channelSize),
		acceptCh:   make(chan net.Conn),
		outsideCh:  make(chan outsideRead, channelSize),
	}

	encoder, err := fec.NewEncoder(opts.DataShards, opts.ParityShards, opts.FECTimeout, opts.Source, nil)
	if err != nil {
		return nil, fmt.Errorf("创建 FEC 编码器: %w", err)
	}
	e.encoder = encoder
	e.decoder = fec.NewDecoder(fec.DecoderConfig{
		MaxPendingBatches: opts.MaxPendingBatches,
		BatchTTL:          opts.BatchTTL,
	})

	c, err := circuit.New(opts.Engine, opts.CircuitOptions, e.sendDatagram)
	if err != nil {
		return nil, fmt.Errorf("创建虚电路: %w", err)
	}
	e.circuit = c

	dial := opts.Dial
	if opts.Role == mux.RoleServer && dial == nil {
		remote := opts.Remote
		dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", remote)
		}
	}
	m, err := mux.New(c, mux.Config{
		Role:         opts.Role,
		Dial:         dial,
		DialTimeout:  opts.DialTimeout,
		WriteTimeout: opts.WriteTimeout,
		Source:       opts.Source,
		Logger:       logging.Component(opts.Logger, "mux"),
	})
	if err != nil {
		return nil, fmt.Errorf("创建多路复用器: %w", err)
	}
	e.mux = m

	if opts.Role == mux.RoleClient {
		ln := opts.Listener
		if ln == nil {
			ln, err = net.Listen("tcp", opts.Listen)
			if err != nil {
				return nil, fmt.Errorf("监听 TCP %s: %w", opts.Listen, err)
			}
		}
		e.listener = ln
	}
	return e, nil
}

// ListenAddr 客户端 TCP 监听地址
func (e *Engine) ListenAddr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Run 运行至 ctx 取消或承载层失效，返回时已释放全部资源
func (e *Engine) Run(ctx context.Context) error {
	atomic.StoreInt32(&e.running, 1)
	defer atomic.StoreInt32(&e.running, 0)

	e.start = time.Now()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.readCarrier(gctx) })
	if e.listener != nil {
		g.Go(func() error { return e.acceptLoop(gctx) })
	}
	g.Go(func() error { return e.loop(gctx) })

	e.log(logging.LevelInfo, "引擎已启动: role=%s carrier=%s", e.role, e.carrier.LocalAddr())
	err := g.Wait()

	if e.listener != nil {
		e.listener.Close()
	}
	e.mux.Close()
	e.carrier.Close()
	e.pumps.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.log(logging.LevelInfo, "引擎已停止")
	return nil
}

// readCarrier 读取承载层数据报送入事件循环
func (e *Engine) readCarrier(ctx context.Context) error {
	for {
		d, err := e.carrier.ReadDatagram(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("承载层读取失败: %w", err)
		}
		e.instr.RecordIn(len(d))
		select {
		case e.datagramCh <- d:
		case <-ctx.Done():
			return nil
		}
	}
}

// acceptLoop 客户端接受本地 TCP 连接
func (e *Engine) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		e.listener.Close()
	}()
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			e.log(logging.LevelWarn, "接受连接失败: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		select {
		case e.acceptCh <- conn:
		case <-ctx.Done():
			conn.Close()
			return nil
		}
	}
}

// pump 每个外部连接一个读取 goroutine
func (e *Engine) pump(ctx context.Context, oc *mux.OutsideConn) {
	e.pumps.Add(1)
	go func() {
		defer e.pumps.Done()
		for {
			frame, err := mux.ReadFrame(oc.Conn)
			select {
			case e.outsideCh <- outsideRead{oc: oc, frame: frame, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// loop 事件循环
func (e *Engine) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		// 虚电路积压时不再取外部读取结果，pump 阻塞后 TCP 自然限速
		outside := e.outsideCh
		if e.congested() {
			outside = nil
		}
		select {
		case <-ctx.Done():
			return nil
		case d := <-e.datagramCh:
			e.handleDatagram(ctx, d)
		case conn := <-e.acceptCh:
			e.handleAccept(ctx, conn)
		case r := <-outside:
			e.handleOutside(r)
		case <-ticker.C:
			e.onTick(ctx)
		}
	}
}

// congested 待确认分段是否已达上限
func (e *Engine) congested() bool {
	backlog := e.circuit.WaitSnd()
	atomic.StoreInt64(&e.backlog, int64(backlog))
	full := backlog >= e.limit
	if full != e.throttled {
		e.throttled = full
		if full {
			atomic.AddUint64(&e.pauses, 1)
			e.log(logging.LevelDebug, "虚电路积压 %d 个分段，暂停读取外部连接", backlog)
		}
	}
	return full
}

func (e *Engine) nowMs(now time.Time) uint64 {
	return uint64(now.Sub(e.start) / time.Millisecond)
}

// handleDatagram 数据报 → FEC 解码 → 虚电路 → 多路复用
func (e *Engine) handleDatagram(ctx context.Context, d []byte) {
	if err := e.decoder.Input(d); err != nil {
		e.instr.RecordError("decode")
		e.log(logging.LevelDebug, "丢弃数据报 (%d 字节): %v", len(d), err)
		return
	}
	for {
		size := e.decoder.PeekSize()
		if size < 0 {
			break
		}
		buf := make([]byte, size)
		if _, err := e.decoder.Output(buf); err != nil {
			e.log(logging.LevelError, "取出解码载荷失败: %v", err)
			break
		}
		if err := e.circuit.Input(buf); err != nil {
			e.instr.RecordError("circuit")
			e.log(logging.LevelDebug, "虚电路拒绝数据报: %v", err)
		}
	}
	e.drainCircuit(ctx)
}

// handleAccept 客户端新连接
func (e *Engine) handleAccept(ctx context.Context, conn net.Conn) {
	oc, err := e.mux.AcceptNew(conn)
	if err != nil {
		e.instr.RecordError("mux")
		e.log(logging.LevelError, "登记连接失败: %v", err)
		conn.Close()
		return
	}
	e.pump(ctx, oc)
}

// handleOutside 外部连接读取结果 → 虚电路
func (e *Engine) handleOutside(r outsideRead) {
	err := e.mux.ReceiveFromOutside(r.oc, r.frame, r.err)
	switch {
	case err == nil, errors.Is(err, mux.ErrUnknownConn):
	default:
		e.instr.RecordError("mux")
		e.log(logging.LevelDebug, "外部连接: %v", err)
	}
}

// onTick 时钟驱动: 虚电路更新、超时冲刷、批次回收，再读出虚电路
func (e *Engine) onTick(ctx context.Context) {
	started := time.Now()
	ms := e.nowMs(started)

	e.circuit.Update(uint32(ms))

	timedOut, err := e.encoder.AdvanceClock(ms)
	if err != nil {
		e.log(logging.LevelDebug, "编码器时钟: %v", err)
	}
	if timedOut {
		frames, err := e.encoder.FlushUnencoded()
		if err != nil {
			e.log(logging.LevelError, "冲刷未满批次失败: %v", err)
		}
		for _, f := range frames {
			e.writeCarrier(f)
		}
	}
	if err := e.decoder.AdvanceClock(ms); err != nil {
		e.log(logging.LevelDebug, "解码器时钟: %v", err)
	}

	e.drainCircuit(ctx)

	atomic.StoreInt64(&e.pending, int64(e.decoder.Pending()))
	if d, ok := e.circuit.(interface{ Dead() bool }); ok && d.Dead() {
		if atomic.CompareAndSwapInt32(&e.dead, 0, 1) {
			e.log(logging.LevelWarn, "虚电路重传次数超限，链路可能已断开")
		}
	}
	e.instr.TickDuration.Observe(time.Since(started).Seconds())
}

// drainCircuit 读出虚电路中全部完整帧并转发；服务端新建的连接启动读取
func (e *Engine) drainCircuit(ctx context.Context) {
	for {
		oc, created, err := e.mux.ReceiveFromCircuit()
		if err != nil {
			e.instr.RecordError("mux")
			e.log(logging.LevelDebug, "虚电路帧: %v", err)
			continue
		}
		if oc == nil {
			return
		}
		if created {
			e.pump(ctx, oc)
		}
	}
}

// sendDatagram 虚电路输出 → FEC 编码 → 承载层
func (e *Engine) sendDatagram(d []byte) {
	full, err := e.encoder.InputAt(d, e.nowMs(time.Now()))
	if err != nil {
		e.instr.RecordError("encode")
		e.log(logging.LevelError, "FEC 编码失败: %v", err)
		return
	}
	if !full {
		return
	}
	shards, err := e.encoder.Output()
	if err != nil {
		e.log(logging.LevelError, "取出分片失败: %v", err)
		return
	}
	for _, s := range shards {
		e.writeCarrier(s)
	}
}

func (e *Engine) writeCarrier(b []byte) {
	if err := e.carrier.WriteDatagram(b); err != nil {
		e.instr.RecordError("carrier")
		if errors.Is(err, carrier.ErrNoPeer) {
			e.log(logging.LevelDebug, "尚无对端，丢弃 %d 字节", len(b))
			return
		}
		e.log(logging.LevelDebug, "承载层写入失败: %v", err)
		return
	}
	e.instr.RecordOut(len(b))
}

// Snapshot 实现 metrics.StatsProvider，可在任意 goroutine 调用
func (e *Engine) Snapshot() metrics.Snapshot {
	return metrics.Snapshot{
		Encoder:        e.encoder.Stats(),
		Decoder:        e.decoder.Stats(),
		PendingBatches: int(atomic.LoadInt64(&e.pending)),
		Mux:            e.mux.Stats(),
		ActiveConns:    e.mux.Active(),
		Circuit:        e.circuit.Stats(),
		SendBacklog:    int(atomic.LoadInt64(&e.backlog)),
		ReadPauses:     atomic.LoadUint64(&e.pauses),
	}
}

// Health 健康状态
func (e *Engine) Health() metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Components: map[string]metrics.ComponentHealth{},
	}
	if atomic.LoadInt32(&e.running) == 0 {
		status.Status = "unhealthy"
		status.Components["engine"] = metrics.ComponentHealth{Status: "stopped"}
		return status
	}
	status.Components["engine"] = metrics.ComponentHealth{Status: "running"}
	if atomic.LoadInt32(&e.dead) == 1 {
		status.Status = "degraded"
		status.Components["circuit"] = metrics.ComponentHealth{Status: "degraded", Message: "retransmit limit exceeded"}
	} else {
		status.Components["circuit"] = metrics.ComponentHealth{Status: "ok"}
	}
	return status
}

func (e *Engine) log(level int, format string, args ...interface{}) {
	logging.Logf(e.logger, level, format, args...)
}
