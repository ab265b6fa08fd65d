// =============================================================================
// 文件: internal/fec/header.go
// 描述: FEC 分片头编解码 - 11 字节定长前导，大端序
// =============================================================================
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 协议常量
const (
	// 分片头: Magic(4) + Seq(2) + Length(2) + K(1) + M(1) + Index(1) = 11 bytes
	HeaderSize = 11

	// Magic 编码分片标识
	Magic uint32 = 0x4B435446
	// ReversedMagic Magic 按字节反转，标识未编码的直通帧
	ReversedMagic uint32 = 0x4654434B

	MagicSize       = 4
	MaxPayloadSize  = 65535
	MaxTotalShards  = 255
	seqLimit        = 65521 // 小于 65536 的最大素数
	lengthColumnLen = 2
)

var (
	ErrInvalidArgument = errors.New("参数无效")
	ErrCapacity        = errors.New("批次容量状态不允许该操作")
	ErrCorruptFrame    = errors.New("帧损坏")
	ErrClockRegression = errors.New("时钟回退")
	ErrNotReady        = errors.New("没有就绪数据")
	ErrShortBuffer     = errors.New("缓冲区不足")
)

// Kind 数据报类型
type Kind uint8

const (
	KindUnknown Kind = iota
	KindShard
	KindPassthrough
)

func (k Kind) String() string {
	switch k {
	case KindShard:
		return "shard"
	case KindPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// Classify 仅凭前 4 字节判断数据报类型
func Classify(datagram []byte) Kind {
	if len(datagram) < MagicSize {
		return KindUnknown
	}
	switch binary.BigEndian.Uint32(datagram[:MagicSize]) {
	case Magic:
		return KindShard
	case ReversedMagic:
		return KindPassthrough
	default:
		return KindUnknown
	}
}

// Header FEC 分片头
type Header struct {
	Seq    uint16 // 批次序列号
	Length uint16 // 分片逻辑长度 (不含头部与填充)
	K      uint8  // 数据分片数
	M      uint8  // 冗余分片数
	Index  uint8  // 分片索引，从 1 开始
}

// Put 写入分片头，b 至少 HeaderSize 字节
func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	binary.BigEndian.PutUint32(b[0:4], Magic)
	binary.BigEndian.PutUint16(b[4:6], h.Seq)
	binary.BigEndian.PutUint16(b[6:8], h.Length)
	b[8] = h.K
	b[9] = h.M
	b[10] = h.Index
}

// IsData 是否为数据分片
func (h Header) IsData() bool {
	return h.Index >= 1 && h.Index <= h.K
}

// ParseHeader 解析并校验分片头
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: 长度 %d < %d", ErrCorruptFrame, len(b), HeaderSize)
	}
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return Header{}, fmt.Errorf("%w: magic 不匹配", ErrCorruptFrame)
	}
	h := Header{
		Seq:    binary.BigEndian.Uint16(b[4:6]),
		Length: binary.BigEndian.Uint16(b[6:8]),
		K:      b[8],
		M:      b[9],
		Index:  b[10],
	}
	total := int(h.K) + int(h.M)
	switch {
	case h.K == 0:
		return Header{}, fmt.Errorf("%w: k 为 0", ErrCorruptFrame)
	case total > MaxTotalShards:
		return Header{}, fmt.Errorf("%w: k+m=%d 超过 %d", ErrCorruptFrame, total, MaxTotalShards)
	case h.Index == 0 || int(h.Index) > total:
		return Header{}, fmt.Errorf("%w: 索引 %d 越界 (1..%d)", ErrCorruptFrame, h.Index, total)
	case h.Seq == 0 || h.Seq >= seqLimit:
		return Header{}, fmt.Errorf("%w: 序列号 %d 越界", ErrCorruptFrame, h.Seq)
	}
	return h, nil
}

// NextSeq 序列号递增，到 65521 回绕为 1
func NextSeq(seq uint16) uint16 {
	seq++
	if seq >= seqLimit {
		seq = 1
	}
	return seq
}

// putPassthrough 写入直通帧: 反转 magic + 原始载荷
func putPassthrough(payload []byte) []byte {
	frame := make([]byte, MagicSize+len(payload))
	binary.BigEndian.PutUint32(frame[:MagicSize], ReversedMagic)
	copy(frame[MagicSize:], payload)
	return frame
}
