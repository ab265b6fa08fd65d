// =============================================================================
// 文件: internal/mux/frame.go
// 描述: 多路复用帧 - ConnID(4) + Length(2) + Payload，大端序
// =============================================================================
package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

const (
	// FrameHeaderSize 帧头长度
	FrameHeaderSize = 6
	// RecvBufferSize 单帧缓冲区 (含帧头)
	RecvBufferSize = 4096
	// MaxFramePayload 单帧最大载荷
	MaxFramePayload = RecvBufferSize - FrameHeaderSize
)

var (
	ErrProtocol          = errors.New("多路复用协议错误")
	ErrResourceExhausted = errors.New("资源耗尽")
	ErrIO                = errors.New("连接 I/O 错误")
	ErrUnknownConn       = errors.New("连接未登记")
	ErrWrongRole         = errors.New("当前角色不支持该操作")
)

// Frame 多路复用帧
type Frame struct {
	ConnID  uint32
	Payload []byte
}

// Encode 编码为线上格式
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: 载荷 %d 字节超过帧长度上限", ErrProtocol, len(f.Payload))
	}
	buf := make([]byte, FrameHeaderSize+len(f.Payload))
	putFrameHeader(buf, f.ConnID, len(f.Payload))
	copy(buf[FrameHeaderSize:], f.Payload)
	return buf, nil
}

// DecodeFrame 解码一个完整帧，声明长度必须与实际载荷一致
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("%w: 帧长 %d 小于帧头", ErrProtocol, len(b))
	}
	id, length := parseFrameHeader(b)
	if int(length) != len(b)-FrameHeaderSize {
		return Frame{}, fmt.Errorf("%w: 声明长度 %d 与实际 %d 不符", ErrProtocol, length, len(b)-FrameHeaderSize)
	}
	return Frame{ConnID: id, Payload: b[FrameHeaderSize:]}, nil
}

func putFrameHeader(b []byte, id uint32, length int) {
	binary.BigEndian.PutUint32(b[0:4], id)
	binary.BigEndian.PutUint16(b[4:6], uint16(length))
}

func parseFrameHeader(b []byte) (uint32, uint16) {
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint16(b[4:6])
}

// ReadFrame 从外部连接读取一次，返回预留帧头的帧缓冲区。
// 只接触 conn 本身，可在独立 goroutine 中调用。
func ReadFrame(conn net.Conn) ([]byte, error) {
	buf := make([]byte, RecvBufferSize)
	n, err := conn.Read(buf[FrameHeaderSize:])
	return buf[:FrameHeaderSize+n], err
}
