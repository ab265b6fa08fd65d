// =============================================================================
// 文件: internal/circuit/arq_window.go
// 描述: ARQ 虚电路 - 发送窗口与接收窗口 (由事件循环独占，不加锁)
// =============================================================================
package circuit

// inflight 已发送未确认的分段
type inflight struct {
	seq          uint32
	data         []byte
	sentAt       uint32
	retransmitAt uint32
	retries      int
	retransmit   bool
	acked        bool
}

// sendWindow 发送滑动窗口
type sendWindow struct {
	entries []*inflight
	size    uint32
	base    uint32 // 最小未确认
	next    uint32
	dupAcks int
}

func newSendWindow(size int, initialSeq uint32) *sendWindow {
	return &sendWindow{
		entries: make([]*inflight, size),
		size:    uint32(size),
		base:    initialSeq,
		next:    initialSeq,
	}
}

func (w *sendWindow) inFlight() int {
	return int(w.next - w.base)
}

func (w *sendWindow) available() int {
	return int(w.size) - w.inFlight()
}

func (w *sendWindow) contains(seq uint32) bool {
	return !seqBefore(seq, w.base) && seqBefore(seq, w.next)
}

// push 占用下一个序列号
func (w *sendWindow) push(data []byte, now, rto uint32) (*inflight, bool) {
	if w.available() <= 0 {
		return nil, false
	}
	e := &inflight{
		seq:          w.next,
		data:         data,
		sentAt:       now,
		retransmitAt: now + rto,
	}
	w.entries[w.next%w.size] = e
	w.next++
	return e, true
}

// onAck 累积确认，返回首个非重传分段的 RTT 样本 (无样本为 -1)。
// 只有纯 ACK 计入重复确认。
func (w *sendWindow) onAck(ack, now uint32, pure bool) int64 {
	if ack == w.base {
		if pure && w.inFlight() > 0 {
			w.dupAcks++
		}
		return -1
	}
	if seqBefore(ack, w.base) || seqBefore(w.next, ack) {
		return -1
	}
	rtt := int64(-1)
	for seq := w.base; seq != ack; seq++ {
		idx := seq % w.size
		if e := w.entries[idx]; e != nil && !e.acked && !e.retransmit && rtt < 0 {
			rtt = int64(now - e.sentAt)
		}
		w.entries[idx] = nil
	}
	w.base = ack
	w.dupAcks = 0
	return rtt
}

// onSACK 选择性确认
func (w *sendWindow) onSACK(ranges []sackRange) {
	for _, r := range ranges {
		if seqBefore(r.End, r.Start) || r.End-r.Start > w.size {
			continue
		}
		for seq := r.Start; seq != r.End; seq++ {
			if !w.contains(seq) {
				continue
			}
			if e := w.entries[seq%w.size]; e != nil {
				e.acked = true
			}
		}
	}
}

// due 到期需要超时重传的分段
func (w *sendWindow) due(now uint32) []*inflight {
	var out []*inflight
	for seq := w.base; seq != w.next; seq++ {
		e := w.entries[seq%w.size]
		if e == nil || e.acked {
			continue
		}
		if !seqBefore(now, e.retransmitAt) {
			out = append(out, e)
		}
	}
	return out
}

// fastRetransmit 重复 ACK 达到阈值时返回窗口基分段，每轮只触发一次
func (w *sendWindow) fastRetransmit() *inflight {
	if w.dupAcks < fastRetransmitThreshold || w.inFlight() == 0 {
		return nil
	}
	w.dupAcks = 0
	e := w.entries[w.base%w.size]
	if e == nil || e.acked {
		return nil
	}
	return e
}

// recvWindow 接收窗口，乱序缓存后按序交付
type recvWindow struct {
	entries  [][]byte
	present  []bool
	size     uint32
	expected uint32
}

func newRecvWindow(size int, initialSeq uint32) *recvWindow {
	return &recvWindow{
		entries:  make([][]byte, size),
		present:  make([]bool, size),
		size:     uint32(size),
		expected: initialSeq,
	}
}

// insert 返回 false 表示重复或越界
func (w *recvWindow) insert(seq uint32, data []byte) bool {
	if seqBefore(seq, w.expected) || !seqBefore(seq, w.expected+w.size) {
		return false
	}
	idx := seq % w.size
	if w.present[idx] {
		return false
	}
	w.entries[idx] = data
	w.present[idx] = true
	return true
}

// drain 取出连续就绪的数据
func (w *recvWindow) drain(fn func([]byte)) {
	for {
		idx := w.expected % w.size
		if !w.present[idx] {
			return
		}
		fn(w.entries[idx])
		w.entries[idx] = nil
		w.present[idx] = false
		w.expected++
	}
}

func (w *recvWindow) free() int {
	used := 0
	for _, p := range w.present {
		if p {
			used++
		}
	}
	return int(w.size) - used
}

// sack expected 之后已收到的区间
func (w *recvWindow) sack() []sackRange {
	var ranges []sackRange
	inRange := false
	var start uint32
	for i := uint32(1); i < w.size && len(ranges) < maxSACKRanges; i++ {
		seq := w.expected + i
		got := w.present[seq%w.size]
		switch {
		case got && !inRange:
			inRange, start = true, seq
		case !got && inRange:
			inRange = false
			ranges = append(ranges, sackRange{Start: start, End: seq})
		}
	}
	if inRange && len(ranges) < maxSACKRanges {
		ranges = append(ranges, sackRange{Start: start, End: w.expected + w.size})
	}
	return ranges
}
