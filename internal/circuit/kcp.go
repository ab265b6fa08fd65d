// =============================================================================
// 文件: internal/circuit/kcp.go
// 描述: KCP 虚电路 - kcp-go 控制块，包模式 (整条消息交付)
// =============================================================================
package circuit

import (
	"fmt"
	"sync/atomic"

	"github.com/xtaci/kcp-go/v5"
)

// KCP 基于 kcp-go 控制块的虚电路，不带 kcp-go 自身的 FEC 与加密
type KCP struct {
	kcp    *kcp.KCP
	output OutputFunc
	stats  Stats
}

// NewKCP 创建 KCP 虚电路
func NewKCP(opts Options, output OutputFunc) *KCP {
	c := &KCP{output: output}
	c.kcp = kcp.NewKCP(opts.Conv, func(buf []byte, size int) {
		if size <= 0 {
			return
		}
		// kcp-go 复用内部缓冲区，必须拷贝
		datagram := make([]byte, size)
		copy(datagram, buf[:size])
		atomic.AddUint64(&c.stats.DatagramsOut, 1)
		c.output(datagram)
	})

	nodelay, nc := 0, 0
	if opts.NoDelay {
		nodelay = 1
	}
	if opts.NoCwnd {
		nc = 1
	}
	if opts.MTU > 0 {
		c.kcp.SetMtu(opts.MTU)
	}
	if opts.Window > 0 {
		c.kcp.WndSize(opts.Window, opts.Window)
	}
	c.kcp.NoDelay(nodelay, opts.IntervalMs, opts.Resend, nc)
	return c
}

// Send 提交一条消息
func (c *KCP) Send(p []byte) error {
	if ret := c.kcp.Send(p); ret < 0 {
		return fmt.Errorf("%w: kcp send 返回 %d", ErrSendQueueFull, ret)
	}
	return nil
}

// Receive 读取一条完整消息。消息大于 buf 时丢弃该消息并返回错误，
// 否则它会永远阻塞在接收队列头部。
func (c *KCP) Receive(buf []byte) (int, error) {
	size := c.kcp.PeekSize()
	if size < 0 {
		return 0, nil
	}
	if size > len(buf) {
		c.kcp.Recv(make([]byte, size))
		return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, size, len(buf))
	}
	n := c.kcp.Recv(buf)
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// Input 输入一个 KCP 数据报
func (c *KCP) Input(datagram []byte) error {
	atomic.AddUint64(&c.stats.DatagramsIn, 1)
	if ret := c.kcp.Input(datagram, true, false); ret < 0 {
		atomic.AddUint64(&c.stats.InputErrors, 1)
		return fmt.Errorf("%w: kcp input 返回 %d", ErrBadPacket, ret)
	}
	return nil
}

// Update kcp-go 使用自身的单调时钟，nowMs 仅用于接口一致
func (c *KCP) Update(nowMs uint32) {
	c.kcp.Update()
}

// StreamMode KCP 以消息模式运行
func (c *KCP) StreamMode() bool {
	return false
}

// WaitSnd 待发送与待确认的分段数
func (c *KCP) WaitSnd() int {
	return c.kcp.WaitSnd()
}

// Stats 统计快照
func (c *KCP) Stats() Stats {
	return Stats{
		DatagramsOut: atomic.LoadUint64(&c.stats.DatagramsOut),
		DatagramsIn:  atomic.LoadUint64(&c.stats.DatagramsIn),
		InputErrors:  atomic.LoadUint64(&c.stats.InputErrors),
	}
}
