// =============================================================================
// 文件: internal/fec/encoder.go
// 描述: FEC 编码引擎 - 攒批、RS 编码、超时直通冲刷
// =============================================================================
package fec

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/kcptunnel/internal/randutil"
)

// EncoderStats 编码统计
type EncoderStats struct {
	PayloadsIn     uint64
	BatchesEncoded uint64
	BatchesFlushed uint64
	ShardsOut      uint64
	FramesFlushed  uint64
}

// Encoder FEC 编码引擎
//
// Input/Output/FlushUnencoded/AdvanceClock 在同一把锁下互斥执行。
// 批次就绪后调用方必须先 Output，之后的 Input 才能开始新批次。
type Encoder struct {
	k, m      int
	timeoutMs uint64
	codec     Codec

	seq      uint16
	count    int
	payloads [][]byte // 已缓存的数据分片 (含分片头)
	shards   [][]byte // 就绪的 k+m 个分片
	ready    bool

	clockInit bool
	now       uint64
	firstAt   uint64 // 当前批次首个分片进入时的时钟

	stats EncoderStats
	mu    sync.Mutex
}

// NewEncoder 创建编码引擎，序列号由 src 随机播种
func NewEncoder(k, m int, timeout time.Duration, src randutil.Source, codec Codec) (*Encoder, error) {
	if k <= 0 || m < 0 || k+m > MaxTotalShards {
		return nil, fmt.Errorf("%w: k=%d m=%d", ErrInvalidArgument, k, m)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: 超时必须为正", ErrInvalidArgument)
	}
	if codec == nil {
		codec = NewRSCodec()
	}
	seed, err := src.Uint16()
	if err != nil {
		return nil, fmt.Errorf("序列号播种失败: %w", err)
	}
	seq := seed%(seqLimit-1) + 1

	return &Encoder{
		k:         k,
		m:         m,
		timeoutMs: uint64(timeout / time.Millisecond),
		codec:     codec,
		seq:       seq,
		payloads:  make([][]byte, 0, k),
	}, nil
}

// Seq 下一个批次将使用的序列号
func (e *Encoder) Seq() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Buffered 当前批次已缓存的分片数
func (e *Encoder) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Input 缓存一个载荷，批次满时完成编码并返回 true。
// 批次起始时间取最近一次 AdvanceClock 的时钟，精度为一个节拍。
func (e *Encoder) Input(payload []byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.input(payload, e.now)
}

// InputAt 同 Input，批次起始时间取调用方给出的 nowMs (毫秒，与 AdvanceClock 同一时钟)
func (e *Encoder) InputAt(payload []byte, nowMs uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if nowMs < e.now {
		nowMs = e.now
	}
	return e.input(payload, nowMs)
}

func (e *Encoder) input(payload []byte, nowMs uint64) (bool, error) {
	if e.count == e.k {
		return false, ErrCapacity
	}
	if len(payload) == 0 || len(payload) > MaxPayloadSize {
		return false, fmt.Errorf("%w: 载荷长度 %d", ErrInvalidArgument, len(payload))
	}

	if e.count == 0 {
		e.ready = false
		e.shards = nil
		e.payloads = e.payloads[:0]
		e.firstAt = nowMs
	}

	framed := make([]byte, HeaderSize+len(payload))
	Header{
		Seq:    e.seq,
		Length: uint16(len(payload)),
		K:      uint8(e.k),
		M:      uint8(e.m),
		Index:  uint8(e.count + 1),
	}.Put(framed)
	copy(framed[HeaderSize:], payload)

	e.payloads = append(e.payloads, framed)
	e.count++
	atomic.AddUint64(&e.stats.PayloadsIn, 1)

	if e.count < e.k {
		return false, nil
	}

	shards, err := e.encode()
	if err != nil {
		// 编码失败时丢弃整个批次，避免卡在满状态
		e.count = 0
		e.payloads = e.payloads[:0]
		return false, err
	}
	e.shards = shards
	e.ready = true
	e.seq = NextSeq(e.seq)
	atomic.AddUint64(&e.stats.BatchesEncoded, 1)
	return true, nil
}

// encode 对长度列 + 填充载荷做 RS 编码，再拼回线上格式
func (e *Encoder) encode() ([][]byte, error) {
	maxLen := 0
	for _, p := range e.payloads {
		if l := len(p) - HeaderSize; l > maxLen {
			maxLen = l
		}
	}

	total := e.k + e.m
	columns := make([][]byte, total)
	for i := range columns {
		columns[i] = make([]byte, lengthColumnLen+maxLen)
		if i < e.k {
			p := e.payloads[i]
			copy(columns[i][:lengthColumnLen], p[6:8])
			copy(columns[i][lengthColumnLen:], p[HeaderSize:])
		}
	}
	if err := e.codec.Encode(e.k, e.m, columns); err != nil {
		return nil, fmt.Errorf("RS 编码失败: %w", err)
	}

	shards := make([][]byte, total)
	for i := range shards {
		shard := make([]byte, HeaderSize+maxLen)
		Header{
			Seq:   e.seq,
			K:     uint8(e.k),
			M:     uint8(e.m),
			Index: uint8(i + 1),
		}.Put(shard)
		copy(shard[6:8], columns[i][:lengthColumnLen])
		copy(shard[HeaderSize:], columns[i][lengthColumnLen:])
		shards[i] = shard
	}
	return shards, nil
}

// Output 取出就绪批次的 k+m 个分片
func (e *Encoder) Output() ([][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ready {
		return nil, ErrNotReady
	}
	out := e.shards
	e.shards = nil
	e.ready = false
	e.count = 0
	e.payloads = e.payloads[:0]
	atomic.AddUint64(&e.stats.ShardsOut, uint64(len(out)))
	return out, nil
}

// AdvanceClock 推进逻辑时钟 (毫秒)，未满批次等待超过超时时返回 true
func (e *Encoder) AdvanceClock(nowMs uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.clockInit {
		e.clockInit = true
		e.now = nowMs
		if e.count > 0 {
			e.firstAt = nowMs
		}
		return false, nil
	}
	if nowMs < e.now {
		return false, fmt.Errorf("%w: %d < %d", ErrClockRegression, nowMs, e.now)
	}
	e.now = nowMs
	if e.count == 0 || e.count == e.k || e.firstAt > e.now {
		return false, nil
	}
	return e.now-e.firstAt > e.timeoutMs, nil
}

// FlushUnencoded 将未满批次改写为直通帧返回
func (e *Encoder) FlushUnencoded() ([][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count == e.k {
		return nil, ErrCapacity
	}
	frames := make([][]byte, 0, e.count)
	for _, p := range e.payloads[:e.count] {
		frames = append(frames, putPassthrough(p[HeaderSize:]))
	}
	if e.count > 0 {
		e.seq = NextSeq(e.seq)
		atomic.AddUint64(&e.stats.BatchesFlushed, 1)
		atomic.AddUint64(&e.stats.FramesFlushed, uint64(len(frames)))
	}
	e.count = 0
	e.payloads = e.payloads[:0]
	return frames, nil
}

// Stats 统计快照
func (e *Encoder) Stats() EncoderStats {
	return EncoderStats{
		PayloadsIn:     atomic.LoadUint64(&e.stats.PayloadsIn),
		BatchesEncoded: atomic.LoadUint64(&e.stats.BatchesEncoded),
		BatchesFlushed: atomic.LoadUint64(&e.stats.BatchesFlushed),
		ShardsOut:      atomic.LoadUint64(&e.stats.ShardsOut),
		FramesFlushed:  atomic.LoadUint64(&e.stats.FramesFlushed),
	}
}

// shardLength 读取分片头中的长度列
func shardLength(shard []byte) uint16 {
	return binary.BigEndian.Uint16(shard[6:8])
}
