// =============================================================================
// 文件: internal/fec/decoder.go
// 描述: FEC 解码引擎 - 按序列号分组、凑够 k 片后恢复、直通帧即时交付
// =============================================================================
package fec

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// 默认回收参数
const (
	DefaultMaxPendingBatches = 128
	DefaultBatchTTL          = 10 * time.Second
	resolvedWindow           = 4096
)

// DecoderStats 解码统计
type DecoderStats struct {
	ShardsIn          uint64
	PassthroughFrames uint64
	BatchesDecoded    uint64
	BatchesRepaired   uint64 // 需要 RS 恢复的批次
	CorruptFrames     uint64
	LateShards        uint64
	BatchesEvicted    uint64
	WindowResets      uint64 // 对端重启后清空已完成窗口的次数
}

// DecoderConfig 解码引擎配置
type DecoderConfig struct {
	MaxPendingBatches int
	BatchTTL          time.Duration
	Codec             Codec
}

// pendingBatch 进行中的批次
type pendingBatch struct {
	seq       uint16
	k, m      int
	bodyLen   int
	shards    [][]byte // 长度列 + 载荷，nil 表示未收到
	count     int
	createdAt uint64
	elem      *list.Element
}

// Decoder FEC 解码引擎，仅由单个 goroutine 驱动
type Decoder struct {
	maxPending int
	ttlMs      uint64
	codec      Codec

	batches map[uint16]*pendingBatch
	order   *list.List // 按创建顺序排列的 *pendingBatch

	// 已完成或已淘汰的序列号，精确窗口
	resolved     *bitset.BitSet
	resolvedFIFO []uint16
	// 连续迟到分片涉及的不同批次数，超过 maxPending 视为对端已重启
	lateRun  int
	lastLate uint16

	queue [][]byte

	clockInit bool
	now       uint64

	stats DecoderStats
}

// NewDecoder 创建解码引擎
func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.MaxPendingBatches <= 0 {
		cfg.MaxPendingBatches = DefaultMaxPendingBatches
	}
	if cfg.BatchTTL <= 0 {
		cfg.BatchTTL = DefaultBatchTTL
	}
	if cfg.Codec == nil {
		cfg.Codec = NewRSCodec()
	}
	return &Decoder{
		maxPending: cfg.MaxPendingBatches,
		ttlMs:      uint64(cfg.BatchTTL / time.Millisecond),
		codec:      cfg.Codec,
		batches:    make(map[uint16]*pendingBatch),
		order:      list.New(),
		resolved:   bitset.New(seqLimit),
	}
}

// Input 输入一个数据报
func (d *Decoder) Input(datagram []byte) error {
	switch Classify(datagram) {
	case KindPassthrough:
		if len(datagram) == MagicSize {
			atomic.AddUint64(&d.stats.CorruptFrames, 1)
			return fmt.Errorf("%w: 空直通帧", ErrCorruptFrame)
		}
		payload := make([]byte, len(datagram)-MagicSize)
		copy(payload, datagram[MagicSize:])
		d.queue = append(d.queue, payload)
		atomic.AddUint64(&d.stats.PassthroughFrames, 1)
		return nil
	case KindShard:
		if err := d.inputShard(datagram); err != nil {
			atomic.AddUint64(&d.stats.CorruptFrames, 1)
			return err
		}
		return nil
	default:
		atomic.AddUint64(&d.stats.CorruptFrames, 1)
		return fmt.Errorf("%w: 未知 magic", ErrCorruptFrame)
	}
}

func (d *Decoder) inputShard(datagram []byte) error {
	h, err := ParseHeader(datagram)
	if err != nil {
		return err
	}
	body := datagram[HeaderSize:]
	if len(body) == 0 {
		return fmt.Errorf("%w: 分片无载荷", ErrCorruptFrame)
	}
	if h.IsData() && int(h.Length) > len(body) {
		return fmt.Errorf("%w: 长度 %d 超过分片 %d", ErrCorruptFrame, h.Length, len(body))
	}
	atomic.AddUint64(&d.stats.ShardsIn, 1)

	if d.resolved.Test(uint(h.Seq)) {
		if !d.peerRestarted(h.Seq) {
			atomic.AddUint64(&d.stats.LateShards, 1)
			return nil
		}
	} else {
		d.lateRun = 0
	}

	b, ok := d.batches[h.Seq]
	if !ok {
		b = d.newBatch(h, len(body))
	} else if b.k != int(h.K) || b.m != int(h.M) || b.bodyLen != len(body) {
		return fmt.Errorf("%w: 批次 %d 参数不一致", ErrCorruptFrame, h.Seq)
	}

	column := make([]byte, lengthColumnLen+len(body))
	copy(column[:lengthColumnLen], datagram[6:8])
	copy(column[lengthColumnLen:], body)

	idx := int(h.Index) - 1
	if b.shards[idx] == nil {
		b.count++
	}
	b.shards[idx] = column

	if b.count < b.k {
		return nil
	}
	return d.resolve(b)
}

func (d *Decoder) newBatch(h Header, bodyLen int) *pendingBatch {
	for len(d.batches) >= d.maxPending {
		d.evict(d.order.Front().Value.(*pendingBatch))
	}
	b := &pendingBatch{
		seq:       h.Seq,
		k:         int(h.K),
		m:         int(h.M),
		bodyLen:   bodyLen,
		shards:    make([][]byte, int(h.K)+int(h.M)),
		createdAt: d.now,
	}
	b.elem = d.order.PushBack(b)
	d.batches[h.Seq] = b
	return b
}

// resolve 恢复批次并按索引顺序交付数据分片
func (d *Decoder) resolve(b *pendingBatch) error {
	d.drop(b)

	repaired := false
	for i := 0; i < b.k; i++ {
		if b.shards[i] == nil {
			repaired = true
			break
		}
	}
	if repaired {
		if err := d.codec.Reconstruct(b.k, b.m, b.shards); err != nil {
			return fmt.Errorf("%w: 批次 %d 恢复失败: %v", ErrCorruptFrame, b.seq, err)
		}
	}

	payloads := make([][]byte, 0, b.k)
	for i := 0; i < b.k; i++ {
		column := b.shards[i]
		n := int(binary.BigEndian.Uint16(column[:lengthColumnLen]))
		if n == 0 || n > b.bodyLen {
			return fmt.Errorf("%w: 批次 %d 分片 %d 长度 %d 无效", ErrCorruptFrame, b.seq, i+1, n)
		}
		payloads = append(payloads, column[lengthColumnLen:lengthColumnLen+n])
	}
	d.queue = append(d.queue, payloads...)

	atomic.AddUint64(&d.stats.BatchesDecoded, 1)
	if repaired {
		atomic.AddUint64(&d.stats.BatchesRepaired, 1)
	}
	return nil
}

// drop 移除批次并记入已完成窗口
func (d *Decoder) drop(b *pendingBatch) {
	d.order.Remove(b.elem)
	delete(d.batches, b.seq)
	d.markResolved(b.seq)
}

func (d *Decoder) evict(b *pendingBatch) {
	d.drop(b)
	atomic.AddUint64(&d.stats.BatchesEvicted, 1)
}

func (d *Decoder) markResolved(seq uint16) {
	if d.resolved.Test(uint(seq)) {
		return
	}
	d.resolved.Set(uint(seq))
	d.resolvedFIFO = append(d.resolvedFIFO, seq)
	if len(d.resolvedFIFO) > resolvedWindow {
		d.resolved.Clear(uint(d.resolvedFIFO[0]))
		d.resolvedFIFO = d.resolvedFIFO[1:]
	}
}

// peerRestarted 记录一个迟到分片。连续迟到的批次数超过 maxPending 时，
// 对端多半以落入窗口的新种子重启了，清空窗口并接收该分片。
func (d *Decoder) peerRestarted(seq uint16) bool {
	if seq != d.lastLate {
		d.lastLate = seq
		d.lateRun++
	}
	if d.lateRun <= d.maxPending {
		return false
	}
	d.resolved.ClearAll()
	d.resolvedFIFO = d.resolvedFIFO[:0]
	d.lateRun = 0
	d.lastLate = 0
	atomic.AddUint64(&d.stats.WindowResets, 1)
	return true
}

// AdvanceClock 推进时钟 (毫秒)，淘汰超时未完成的批次
func (d *Decoder) AdvanceClock(nowMs uint64) error {
	if !d.clockInit {
		d.clockInit = true
		d.now = nowMs
		for _, b := range d.batches {
			b.createdAt = nowMs
		}
		return nil
	}
	if nowMs < d.now {
		return fmt.Errorf("%w: %d < %d", ErrClockRegression, nowMs, d.now)
	}
	d.now = nowMs
	for e := d.order.Front(); e != nil; {
		b := e.Value.(*pendingBatch)
		if d.now-b.createdAt <= d.ttlMs {
			break
		}
		e = e.Next()
		d.evict(b)
	}
	return nil
}

// Output 取出最早的已解码载荷，返回其完整长度。
// 缓冲区不足时拷贝前 len(buf) 字节并保留该载荷。
func (d *Decoder) Output(buf []byte) (int, error) {
	if len(d.queue) == 0 {
		return 0, ErrNotReady
	}
	p := d.queue[0]
	if len(buf) < len(p) {
		copy(buf, p)
		return len(p), ErrShortBuffer
	}
	copy(buf, p)
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return len(p), nil
}

// PeekSize 下一个载荷的长度，无数据时返回 -1
func (d *Decoder) PeekSize() int {
	if len(d.queue) == 0 {
		return -1
	}
	return len(d.queue[0])
}

// Pending 进行中的批次数
func (d *Decoder) Pending() int {
	return len(d.batches)
}

// Stats 统计快照
func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		ShardsIn:          atomic.LoadUint64(&d.stats.ShardsIn),
		PassthroughFrames: atomic.LoadUint64(&d.stats.PassthroughFrames),
		BatchesDecoded:    atomic.LoadUint64(&d.stats.BatchesDecoded),
		BatchesRepaired:   atomic.LoadUint64(&d.stats.BatchesRepaired),
		CorruptFrames:     atomic.LoadUint64(&d.stats.CorruptFrames),
		LateShards:        atomic.LoadUint64(&d.stats.LateShards),
		BatchesEvicted:    atomic.LoadUint64(&d.stats.BatchesEvicted),
		WindowResets:      atomic.LoadUint64(&d.stats.WindowResets),
	}
}
