// =============================================================================
// 文件: internal/circuit/circuit.go
// 描述: 可靠虚电路接口 - 将数据报流转换为有序可靠的消息/字节流
// =============================================================================
package circuit

import (
	"errors"
	"fmt"
)

var (
	ErrMessageTooLarge = errors.New("消息超过接收缓冲区")
	ErrSendQueueFull   = errors.New("发送队列已满")
	ErrBadPacket       = errors.New("虚电路数据包无效")
)

// OutputFunc 虚电路产生的数据报出口，调用方可持有 datagram
type OutputFunc func(datagram []byte)

// Circuit 可靠虚电路
//
// 全部方法由隧道事件循环调用，实现无需并发安全；Stats 例外。
type Circuit interface {
	// Send 提交要可靠送达对端的数据
	Send(p []byte) error
	// Receive 读取已就绪数据，无数据时返回 0, nil
	Receive(buf []byte) (int, error)
	// Input 输入从对端收到 (并已 FEC 解码) 的数据报
	Input(datagram []byte) error
	// Update 周期驱动: 重传、确认、冲刷发送
	Update(nowMs uint32)
	// StreamMode true 为字节流交付，false 为整条消息交付
	StreamMode() bool
	// WaitSnd 已提交但未被确认的分段数，调用方据此施加背压
	WaitSnd() int
	Stats() Stats
}

// Stats 虚电路统计
type Stats struct {
	DatagramsOut    uint64
	DatagramsIn     uint64
	InputErrors     uint64
	Retransmits     uint64
	FastRetransmits uint64
}

// Engine 虚电路实现名称
type Engine string

const (
	EngineKCP Engine = "kcp"
	EngineARQ Engine = "arq"
)

// Options 虚电路参数
type Options struct {
	Conv       uint32
	MTU        int
	Window     int
	NoDelay    bool
	IntervalMs int
	Resend     int
	NoCwnd     bool
	RTOMinMs   int
	RTOMaxMs   int
	MaxRetries int
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
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
	}
}

// New 按引擎名创建虚电路
func New(engine Engine, opts Options, output OutputFunc) (Circuit, error) {
	if output == nil {
		return nil, errors.New("数据报出口不能为空")
	}
	switch engine {
	case EngineKCP, "":
		return NewKCP(opts, output), nil
	case EngineARQ:
		return NewARQ(opts, output), nil
	default:
		return nil, fmt.Errorf("未知虚电路引擎: %s", engine)
	}
}
