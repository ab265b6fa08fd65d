// =============================================================================
// 文件: internal/circuit/arq_segment.go
// 描述: ARQ 虚电路 - 分段编解码
// =============================================================================
package circuit

import (
	"encoding/binary"
	"fmt"
)

const (
	// 分段头: Seq(4) + Ack(4) + Flags(2) + Window(2) + Timestamp(4) + Len(2)
	segmentHeaderSize = 18

	flagACK  uint16 = 0x0001
	flagDATA uint16 = 0x0008
	flagSACK uint16 = 0x0080

	validFlags = flagACK | flagDATA | flagSACK

	maxSACKRanges = 4
	sackRangeSize = 8

	fastRetransmitThreshold = 3
)

// sackRange 已收到的区间 [Start, End)
type sackRange struct {
	Start uint32
	End   uint32
}

// segment ARQ 分段
type segment struct {
	Seq       uint32
	Ack       uint32
	Flags     uint16
	Window    uint16
	Timestamp uint32
	SACK      []sackRange
	Data      []byte
}

func (s *segment) encode() []byte {
	sackLen := 0
	if s.Flags&flagSACK != 0 && len(s.SACK) > 0 {
		sackLen = 1 + len(s.SACK)*sackRangeSize
	}
	buf := make([]byte, segmentHeaderSize+sackLen+len(s.Data))

	binary.BigEndian.PutUint32(buf[0:4], s.Seq)
	binary.BigEndian.PutUint32(buf[4:8], s.Ack)
	binary.BigEndian.PutUint16(buf[8:10], s.Flags)
	binary.BigEndian.PutUint16(buf[10:12], s.Window)
	binary.BigEndian.PutUint32(buf[12:16], s.Timestamp)
	binary.BigEndian.PutUint16(buf[16:18], uint16(sackLen+len(s.Data)))

	off := segmentHeaderSize
	if sackLen > 0 {
		buf[off] = byte(len(s.SACK))
		off++
		for _, r := range s.SACK {
			binary.BigEndian.PutUint32(buf[off:off+4], r.Start)
			binary.BigEndian.PutUint32(buf[off+4:off+8], r.End)
			off += sackRangeSize
		}
	}
	copy(buf[off:], s.Data)
	return buf
}

// decodeSegment 严格解码，长度字段必须与数据报一致
func decodeSegment(b []byte) (*segment, error) {
	if len(b) < segmentHeaderSize {
		return nil, fmt.Errorf("%w: 分段长 %d 小于头部", ErrBadPacket, len(b))
	}
	s := &segment{
		Seq:       binary.BigEndian.Uint32(b[0:4]),
		Ack:       binary.BigEndian.Uint32(b[4:8]),
		Flags:     binary.BigEndian.Uint16(b[8:10]),
		Window:    binary.BigEndian.Uint16(b[10:12]),
		Timestamp: binary.BigEndian.Uint32(b[12:16]),
	}
	if s.Flags == 0 || s.Flags&^validFlags != 0 {
		return nil, fmt.Errorf("%w: 标志位 0x%04x", ErrBadPacket, s.Flags)
	}
	bodyLen := int(binary.BigEndian.Uint16(b[16:18]))
	if bodyLen != len(b)-segmentHeaderSize {
		return nil, fmt.Errorf("%w: 声明长度 %d 与实际 %d 不符", ErrBadPacket, bodyLen, len(b)-segmentHeaderSize)
	}

	off := segmentHeaderSize
	if s.Flags&flagSACK != 0 {
		if off >= len(b) {
			return nil, fmt.Errorf("%w: SACK 缺少区间计数", ErrBadPacket)
		}
		count := int(b[off])
		off++
		if count > maxSACKRanges || off+count*sackRangeSize > len(b) {
			return nil, fmt.Errorf("%w: SACK 区间数 %d", ErrBadPacket, count)
		}
		for i := 0; i < count; i++ {
			s.SACK = append(s.SACK, sackRange{
				Start: binary.BigEndian.Uint32(b[off : off+4]),
				End:   binary.BigEndian.Uint32(b[off+4 : off+8]),
			})
			off += sackRangeSize
		}
	}
	if off < len(b) {
		s.Data = make([]byte, len(b)-off)
		copy(s.Data, b[off:])
	}
	if s.Flags&flagDATA != 0 && len(s.Data) == 0 {
		return nil, fmt.Errorf("%w: 数据分段为空", ErrBadPacket)
	}
	return s, nil
}

// seqBefore 考虑回绕的序列号/时间比较
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}
