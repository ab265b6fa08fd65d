// =============================================================================
// 文件: internal/circuit/arq.go
// 描述: ARQ 虚电路 - 选择确认 + 超时/快速重传，字节流模式
// =============================================================================
package circuit

import (
	"bytes"
	"fmt"
	"sync/atomic"
)

const arqInitialSeq = 1

// ARQ 无握手的字节流虚电路，两端均从序列号 1 开始。
// 不启动 goroutine，完全由 Update/Input 驱动。
type ARQ struct {
	opts   Options
	output OutputFunc
	mss    int

	queue    [][]byte
	maxQueue int
	send     *sendWindow
	recv     *recvWindow
	ready    bytes.Buffer

	now        uint32
	remoteWnd  int
	ackPending bool

	srtt   int64
	rttVar int64
	rto    int64

	dead  bool
	stats Stats
}

// NewARQ 创建 ARQ 虚电路
func NewARQ(opts Options, output OutputFunc) *ARQ {
	def := DefaultOptions()
	if opts.MTU <= segmentHeaderSize {
		opts.MTU = def.MTU
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.RTOMinMs <= 0 {
		opts.RTOMinMs = def.RTOMinMs
	}
	if opts.RTOMaxMs < opts.RTOMinMs {
		opts.RTOMaxMs = def.RTOMaxMs
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	return &ARQ{
		opts:      opts,
		output:    output,
		mss:       opts.MTU - segmentHeaderSize,
		maxQueue:  opts.Window * 4,
		send:      newSendWindow(opts.Window, arqInitialSeq),
		recv:      newRecvWindow(opts.Window, arqInitialSeq),
		remoteWnd: opts.Window,
		rto:       int64(opts.RTOMinMs) * 2,
	}
}

// Send 将字节切分为分段排队，下次 Update 时进入发送窗口
func (a *ARQ) Send(p []byte) error {
	need := (len(p) + a.mss - 1) / a.mss
	if len(a.queue)+need > a.maxQueue {
		return fmt.Errorf("%w: 排队 %d 个分段", ErrSendQueueFull, len(a.queue))
	}
	for len(p) > 0 {
		n := len(p)
		if n > a.mss {
			n = a.mss
		}
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		a.queue = append(a.queue, chunk)
		p = p[n:]
	}
	return nil
}

// Receive 读取已按序到达的字节
func (a *ARQ) Receive(buf []byte) (int, error) {
	if a.ready.Len() == 0 || len(buf) == 0 {
		return 0, nil
	}
	return a.ready.Read(buf)
}

// Input 处理对端分段
func (a *ARQ) Input(datagram []byte) error {
	atomic.AddUint64(&a.stats.DatagramsIn, 1)
	seg, err := decodeSegment(datagram)
	if err != nil {
		atomic.AddUint64(&a.stats.InputErrors, 1)
		return err
	}

	a.remoteWnd = int(seg.Window)
	if seg.Flags&flagACK != 0 {
		if rtt := a.send.onAck(seg.Ack, a.now, seg.Flags&flagDATA == 0); rtt >= 0 {
			a.updateRTT(rtt)
		}
	}
	if seg.Flags&flagSACK != 0 {
		a.send.onSACK(seg.SACK)
	}
	if seg.Flags&flagDATA != 0 {
		a.recv.insert(seg.Seq, seg.Data)
		a.recv.drain(func(b []byte) { a.ready.Write(b) })
		// 重复分段同样需要确认，对端可能丢失了上一次 ACK
		a.ackPending = true
	}
	return nil
}

// Update 推进时钟: 超时重传、快速重传、发送新分段、发送 ACK
func (a *ARQ) Update(nowMs uint32) {
	a.now = nowMs

	for _, e := range a.send.due(nowMs) {
		e.retries++
		if e.retries > a.opts.MaxRetries {
			a.dead = true
		}
		e.retransmit = true
		e.retransmitAt = nowMs + a.backoff(e.retries)
		atomic.AddUint64(&a.stats.Retransmits, 1)
		a.emitData(e)
	}
	if e := a.send.fastRetransmit(); e != nil {
		e.retransmit = true
		e.retransmitAt = nowMs + uint32(a.rto)
		atomic.AddUint64(&a.stats.FastRetransmits, 1)
		a.emitData(e)
	}

	for len(a.queue) > 0 && a.canSend() {
		e, ok := a.send.push(a.queue[0], nowMs, uint32(a.rto))
		if !ok {
			break
		}
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.emitData(e)
	}

	if a.ackPending {
		seg := &segment{
			Ack:       a.recv.expected,
			Flags:     flagACK,
			Window:    uint16(a.recv.free()),
			Timestamp: nowMs,
		}
		if ranges := a.recv.sack(); len(ranges) > 0 {
			seg.Flags |= flagSACK
			seg.SACK = ranges
		}
		a.emit(seg)
		a.ackPending = false
	}
}

func (a *ARQ) canSend() bool {
	if a.opts.NoCwnd {
		return true
	}
	return a.send.inFlight() < a.remoteWnd
}

func (a *ARQ) emitData(e *inflight) {
	a.emit(&segment{
		Seq:       e.seq,
		Ack:       a.recv.expected,
		Flags:     flagDATA | flagACK,
		Window:    uint16(a.recv.free()),
		Timestamp: a.now,
		Data:      e.data,
	})
}

func (a *ARQ) emit(seg *segment) {
	atomic.AddUint64(&a.stats.DatagramsOut, 1)
	a.output(seg.encode())
}

// updateRTT RFC 6298 平滑估计
func (a *ARQ) updateRTT(sample int64) {
	if a.srtt == 0 {
		a.srtt = sample
		a.rttVar = sample / 2
	} else {
		diff := a.srtt - sample
		if diff < 0 {
			diff = -diff
		}
		a.rttVar = (3*a.rttVar + diff) / 4
		a.srtt = (7*a.srtt + sample) / 8
	}
	a.rto = a.clampRTO(a.srtt + 4*a.rttVar)
}

func (a *ARQ) backoff(retries int) uint32 {
	rto := a.rto
	for i := 0; i < retries && rto < int64(a.opts.RTOMaxMs); i++ {
		rto *= 2
	}
	return uint32(a.clampRTO(rto))
}

func (a *ARQ) clampRTO(rto int64) int64 {
	if rto < int64(a.opts.RTOMinMs) {
		return int64(a.opts.RTOMinMs)
	}
	if rto > int64(a.opts.RTOMaxMs) {
		return int64(a.opts.RTOMaxMs)
	}
	return rto
}

// StreamMode ARQ 以字节流交付
func (a *ARQ) StreamMode() bool {
	return true
}

// Dead 任一分段重传次数超过上限
func (a *ARQ) Dead() bool {
	return a.dead
}

// WaitSnd 排队与在途分段数
func (a *ARQ) WaitSnd() int {
	return len(a.queue) + a.send.inFlight()
}

// RTO 当前重传超时 (ms)
func (a *ARQ) RTO() int64 {
	return a.rto
}

// Stats 统计快照
func (a *ARQ) Stats() Stats {
	return Stats{
		DatagramsOut:    atomic.LoadUint64(&a.stats.DatagramsOut),
		DatagramsIn:     atomic.LoadUint64(&a.stats.DatagramsIn),
		InputErrors:     atomic.LoadUint64(&a.stats.InputErrors),
		Retransmits:     atomic.LoadUint64(&a.stats.Retransmits),
		FastRetransmits: atomic.LoadUint64(&a.stats.FastRetransmits),
	}
}
