// =============================================================================
// 文件: internal/fec/fec_test.go
// 描述: FEC 编解码引擎测试
// =============================================================================
package fec

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/mrcgq/kcptunnel/internal/randutil"
)

func newTestEncoder(t *testing.T, k, m int, timeout time.Duration) *Encoder {
	t.Helper()
	enc, err := NewEncoder(k, m, timeout, randutil.NewSeeded(1), nil)
	if err != nil {
		t.Fatalf("创建编码器失败: %v", err)
	}
	return enc
}

// drain 读出解码器全部载荷
func drain(t *testing.T, d *Decoder) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		size := d.PeekSize()
		if size < 0 {
			break
		}
		buf := make([]byte, size)
		n, err := d.Output(buf)
		if err != nil {
			t.Fatalf("Output 失败: %v", err)
		}
		out = append(out, buf[:n])
	}
	return out
}

func encodeBatch(t *testing.T, enc *Encoder, payloads [][]byte) [][]byte {
	t.Helper()
	for i, p := range payloads {
		ready, err := enc.Input(p)
		if err != nil {
			t.Fatalf("Input %d 失败: %v", i, err)
		}
		if want := i == len(payloads)-1; ready != want {
			t.Fatalf("Input %d 就绪状态: got %v, want %v", i, ready, want)
		}
	}
	shards, err := enc.Output()
	if err != nil {
		t.Fatalf("Output 失败: %v", err)
	}
	return shards
}

func TestScenarioTwoPlusOne(t *testing.T) {
	enc := newTestEncoder(t, 2, 1, 10*time.Second)
	shards := encodeBatch(t, enc, [][]byte{[]byte("AAAA"), []byte("BB")})
	if len(shards) != 3 {
		t.Fatalf("分片数: got %d, want 3", len(shards))
	}
	for i, s := range shards {
		if len(s) != HeaderSize+4 {
			t.Errorf("分片 %d 长度: got %d, want %d", i+1, len(s), HeaderSize+4)
		}
		h, err := ParseHeader(s)
		if err != nil {
			t.Fatalf("分片 %d 头解析失败: %v", i+1, err)
		}
		if int(h.Index) != i+1 || h.K != 2 || h.M != 1 {
			t.Errorf("分片 %d 头: %+v", i+1, h)
		}
	}
	if shardLength(shards[0]) != 4 || shardLength(shards[1]) != 2 {
		t.Errorf("数据分片长度列错误: %d, %d", shardLength(shards[0]), shardLength(shards[1]))
	}

	dec := NewDecoder(DecoderConfig{})
	if err := dec.Input(shards[0]); err != nil {
		t.Fatalf("输入分片 1 失败: %v", err)
	}
	if dec.PeekSize() != -1 {
		t.Fatal("单个分片不应产生输出")
	}
	if err := dec.Input(shards[2]); err != nil {
		t.Fatalf("输入分片 3 失败: %v", err)
	}

	got := drain(t, dec)
	want := [][]byte{[]byte("AAAA"), []byte("BB")}
	if len(got) != len(want) {
		t.Fatalf("输出数: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("载荷 %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if dec.Stats().BatchesRepaired != 1 {
		t.Errorf("BatchesRepaired: got %d, want 1", dec.Stats().BatchesRepaired)
	}

	// 迟到的分片 2 被丢弃
	if err := dec.Input(shards[1]); err != nil {
		t.Fatalf("迟到分片返回错误: %v", err)
	}
	if dec.PeekSize() != -1 || dec.Pending() != 0 {
		t.Error("迟到分片不应产生输出或新批次")
	}
}

func TestRoundTripNoLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	enc := newTestEncoder(t, 4, 2, time.Second)
	dec := NewDecoder(DecoderConfig{})

	var want [][]byte
	for batch := 0; batch < 5; batch++ {
		payloads := make([][]byte, 4)
		for i := range payloads {
			n := 1 + rng.Intn(2000)
			if batch == 4 && i == 0 {
				n = MaxPayloadSize
			}
			payloads[i] = make([]byte, n)
			rng.Read(payloads[i])
		}
		want = append(want, payloads...)
		for _, s := range encodeBatch(t, enc, payloads) {
			if err := dec.Input(s); err != nil {
				t.Fatalf("解码输入失败: %v", err)
			}
		}
	}

	got := drain(t, dec)
	if len(got) != len(want) {
		t.Fatalf("输出数: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("载荷 %d 内容不一致 (len %d vs %d)", i, len(got[i]), len(want[i]))
		}
	}
}

func TestErasureTolerance(t *testing.T) {
	const k, m = 4, 2
	payloads := [][]byte{
		[]byte("first"),
		bytes.Repeat([]byte{0}, 9),
		[]byte("x"),
		[]byte("the longest payload of the batch"),
	}

	// 枚举所有丢弃 m 个分片的组合
	for a := 0; a < k+m; a++ {
		for b := a + 1; b < k+m; b++ {
			enc := newTestEncoder(t, k, m, time.Second)
			shards := encodeBatch(t, enc, payloads)
			dec := NewDecoder(DecoderConfig{})
			for i, s := range shards {
				if i == a || i == b {
					continue
				}
				if err := dec.Input(s); err != nil {
					t.Fatalf("丢弃 %d,%d: 输入失败: %v", a+1, b+1, err)
				}
			}
			got := drain(t, dec)
			if len(got) != k {
				t.Fatalf("丢弃 %d,%d: 输出数 got %d, want %d", a+1, b+1, len(got), k)
			}
			for i := range payloads {
				if !bytes.Equal(got[i], payloads[i]) {
					t.Errorf("丢弃 %d,%d: 载荷 %d got %q, want %q", a+1, b+1, i, got[i], payloads[i])
				}
			}
		}
	}
}

func TestTooManyLossesNeverEmits(t *testing.T) {
	const k, m = 3, 1
	enc := newTestEncoder(t, k, m, time.Second)
	shards := encodeBatch(t, enc, [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")})

	dec := NewDecoder(DecoderConfig{})
	// 丢 m+1 = 2 个分片
	for _, s := range shards[2:] {
		if err := dec.Input(s); err != nil {
			t.Fatalf("输入失败: %v", err)
		}
	}
	if _, err := dec.Output(make([]byte, 64)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("got %v, want ErrNotReady", err)
	}
	if dec.Pending() != 1 {
		t.Errorf("Pending: got %d, want 1", dec.Pending())
	}
}

func TestDuplicateShardIsIdempotent(t *testing.T) {
	enc := newTestEncoder(t, 3, 1, time.Second)
	shards := encodeBatch(t, enc, [][]byte{[]byte("a"), []byte("b"), []byte("c")})

	dec := NewDecoder(DecoderConfig{})
	for i := 0; i < 3; i++ {
		if err := dec.Input(shards[0]); err != nil {
			t.Fatalf("输入失败: %v", err)
		}
	}
	if dec.PeekSize() != -1 {
		t.Fatal("重复分片不应凑够 k")
	}
	dec.Input(shards[1])
	dec.Input(shards[3])
	if got := drain(t, dec); len(got) != 3 || string(got[2]) != "c" {
		t.Fatalf("输出不正确: %q", got)
	}
}

func TestScenarioTimeoutFlush(t *testing.T) {
	enc := newTestEncoder(t, 3, 1, 10*time.Second)
	if timeout, err := enc.AdvanceClock(1000); timeout || err != nil {
		t.Fatalf("首次 AdvanceClock: timeout=%v err=%v", timeout, err)
	}
	if ready, err := enc.Input([]byte("lonely")); ready || err != nil {
		t.Fatalf("Input: ready=%v err=%v", ready, err)
	}
	if timeout, _ := enc.AdvanceClock(6000); timeout {
		t.Fatal("5 秒不应超时")
	}
	timeout, err := enc.AdvanceClock(12000)
	if err != nil || !timeout {
		t.Fatalf("11 秒应超时: timeout=%v err=%v", timeout, err)
	}

	seqBefore := enc.Seq()
	frames, err := enc.FlushUnencoded()
	if err != nil {
		t.Fatalf("FlushUnencoded 失败: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("帧数: got %d, want 1", len(frames))
	}
	if Classify(frames[0]) != KindPassthrough {
		t.Fatalf("帧类型: got %v", Classify(frames[0]))
	}
	if enc.Buffered() != 0 || enc.Seq() != NextSeq(seqBefore) {
		t.Errorf("冲刷后状态: buffered=%d seq=%d", enc.Buffered(), enc.Seq())
	}
	if timeout, _ := enc.AdvanceClock(13000); timeout {
		t.Error("冲刷后不应再超时")
	}

	dec := NewDecoder(DecoderConfig{})
	if err := dec.Input(frames[0]); err != nil {
		t.Fatalf("解码直通帧失败: %v", err)
	}
	got := drain(t, dec)
	if len(got) != 1 || string(got[0]) != "lonely" {
		t.Fatalf("输出: %q", got)
	}
	if dec.Pending() != 0 {
		t.Errorf("直通帧不应留下批次状态")
	}
}

func TestInputAtStampsArrivalTime(t *testing.T) {
	enc := newTestEncoder(t, 3, 1, 100*time.Millisecond)
	enc.AdvanceClock(0)
	enc.AdvanceClock(50)

	if _, err := enc.InputAt([]byte("x"), 90); err != nil {
		t.Fatal(err)
	}
	// 距上一节拍 110ms，但距到达只有 70ms
	if timeout, _ := enc.AdvanceClock(160); timeout {
		t.Fatal("按到达时间计未超时")
	}
	if timeout, _ := enc.AdvanceClock(191); !timeout {
		t.Fatal("到达后 101ms 应超时")
	}
	enc.FlushUnencoded()

	// 节拍时钟晚于到达时间时不误报
	if _, err := enc.InputAt([]byte("y"), 500); err != nil {
		t.Fatal(err)
	}
	if timeout, err := enc.AdvanceClock(400); timeout || err != nil {
		t.Fatalf("到达时间晚于时钟: timeout=%v err=%v", timeout, err)
	}
	if timeout, _ := enc.AdvanceClock(601); !timeout {
		t.Fatal("到达后 101ms 应超时")
	}
	enc.FlushUnencoded()

	// 早于当前时钟的时间按当前时钟计
	enc.InputAt([]byte("z"), 10)
	if timeout, _ := enc.AdvanceClock(700); timeout {
		t.Fatal("应从 601 起计时")
	}
}

func TestEncoderErrors(t *testing.T) {
	enc := newTestEncoder(t, 2, 1, time.Second)

	if _, err := enc.Input(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("空载荷: got %v", err)
	}
	if _, err := enc.Input(make([]byte, MaxPayloadSize+1)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("超长载荷: got %v", err)
	}
	if _, err := enc.Output(); !errors.Is(err, ErrNotReady) {
		t.Errorf("未就绪 Output: got %v", err)
	}

	enc.Input([]byte("1"))
	enc.Input([]byte("2"))
	if _, err := enc.Input([]byte("3")); !errors.Is(err, ErrCapacity) {
		t.Errorf("满批次 Input: got %v", err)
	}
	if _, err := enc.FlushUnencoded(); !errors.Is(err, ErrCapacity) {
		t.Errorf("满批次 Flush: got %v", err)
	}
	if _, err := enc.Output(); err != nil {
		t.Fatalf("Output: %v", err)
	}
	if ready, err := enc.Input([]byte("4")); ready || err != nil {
		t.Errorf("Output 后应可开始新批次: ready=%v err=%v", ready, err)
	}

	enc.AdvanceClock(500)
	if _, err := enc.AdvanceClock(400); !errors.Is(err, ErrClockRegression) {
		t.Errorf("时钟回退: got %v", err)
	}
}

func TestEncoderSeedFailure(t *testing.T) {
	_, err := NewEncoder(2, 1, time.Second, &randutil.Sequence{}, nil)
	if !errors.Is(err, randutil.ErrEntropy) {
		t.Fatalf("got %v, want ErrEntropy", err)
	}
}

func TestSequenceWraparound(t *testing.T) {
	enc, err := NewEncoder(1, 0, time.Second, &randutil.Sequence{Values: []uint32{0}}, nil)
	if err != nil {
		t.Fatalf("创建编码器失败: %v", err)
	}
	if enc.Seq() != 1 {
		t.Fatalf("初始序列号: got %d, want 1", enc.Seq())
	}
	for i := 0; i < 65520; i++ {
		if _, err := enc.Input([]byte{byte(i)}); err != nil {
			t.Fatalf("批次 %d Input 失败: %v", i, err)
		}
		if _, err := enc.Output(); err != nil {
			t.Fatalf("批次 %d Output 失败: %v", i, err)
		}
		if s := enc.Seq(); s == 0 || s >= 65521 {
			t.Fatalf("批次 %d 后序列号越界: %d", i, s)
		}
	}
	if enc.Seq() != 1 {
		t.Fatalf("65520 个批次后序列号: got %d, want 1", enc.Seq())
	}
}

func TestDecoderRejectsCorruptFrames(t *testing.T) {
	dec := NewDecoder(DecoderConfig{})

	cases := map[string][]byte{
		"短帧":     {0x01, 0x02},
		"未知magic": {0xde, 0xad, 0xbe, 0xef, 0x00},
		"空直通帧":   {0x46, 0x54, 0x43, 0x4B},
		"索引为0":   append(headerBytes(Header{Seq: 5, Length: 1, K: 2, M: 1, Index: 0}), 'x'),
		"索引越界":   append(headerBytes(Header{Seq: 5, Length: 1, K: 2, M: 1, Index: 4}), 'x'),
		"长度超载荷":  append(headerBytes(Header{Seq: 5, Length: 9, K: 2, M: 1, Index: 1}), 'x'),
		"无载荷":    headerBytes(Header{Seq: 5, Length: 0, K: 2, M: 1, Index: 1}),
	}
	for name, frame := range cases {
		if err := dec.Input(frame); !errors.Is(err, ErrCorruptFrame) {
			t.Errorf("%s: got %v, want ErrCorruptFrame", name, err)
		}
	}
	if dec.Pending() != 0 || dec.PeekSize() != -1 {
		t.Error("损坏帧不应改变解码状态")
	}
}

func headerBytes(h Header) []byte {
	b := make([]byte, HeaderSize)
	h.Put(b)
	return b
}

func TestDecoderEvictsByCount(t *testing.T) {
	dec := NewDecoder(DecoderConfig{MaxPendingBatches: 2})
	enc := newTestEncoder(t, 2, 1, time.Second)

	var first [][]byte
	for i := 0; i < 3; i++ {
		shards := encodeBatch(t, enc, [][]byte{[]byte("p"), []byte("q")})
		if i == 0 {
			first = shards
		}
		dec.Input(shards[0])
	}
	if dec.Pending() != 2 {
		t.Fatalf("Pending: got %d, want 2", dec.Pending())
	}
	if dec.Stats().BatchesEvicted != 1 {
		t.Fatalf("BatchesEvicted: got %d, want 1", dec.Stats().BatchesEvicted)
	}
	// 被淘汰批次的迟到分片被忽略
	dec.Input(first[1])
	if dec.PeekSize() != -1 {
		t.Error("被淘汰批次不应再输出")
	}
}

func TestDecoderResetsWindowAfterPeerRestart(t *testing.T) {
	dec := NewDecoder(DecoderConfig{MaxPendingBatches: 4})
	pair := [][]byte{[]byte("p"), []byte("q")}

	before := newTestEncoder(t, 2, 1, time.Second)
	for i := 0; i < 10; i++ {
		for _, s := range encodeBatch(t, before, pair) {
			dec.Input(s)
		}
	}
	if got := len(drain(t, dec)); got != 20 {
		t.Fatalf("重启前输出: got %d, want 20", got)
	}

	// 同一种子重启，序列号全部落入已完成窗口
	after := newTestEncoder(t, 2, 1, time.Second)
	for i := 0; i < 4; i++ {
		for _, s := range encodeBatch(t, after, pair) {
			dec.Input(s)
		}
	}
	if dec.PeekSize() != -1 {
		t.Fatal("窗口内的批次应按迟到丢弃")
	}
	if got := dec.Stats().LateShards; got != 12 {
		t.Errorf("LateShards: got %d, want 12", got)
	}

	for i := 0; i < 6; i++ {
		for _, s := range encodeBatch(t, after, pair) {
			dec.Input(s)
		}
	}
	if got := len(drain(t, dec)); got != 12 {
		t.Fatalf("重置后输出: got %d, want 12", got)
	}
	if got := dec.Stats().WindowResets; got != 1 {
		t.Errorf("WindowResets: got %d, want 1", got)
	}
}

func TestDecoderStragglerKeepsWindow(t *testing.T) {
	dec := NewDecoder(DecoderConfig{MaxPendingBatches: 4})
	enc := newTestEncoder(t, 2, 1, time.Second)

	var batches [][][]byte
	for i := 0; i < 6; i++ {
		shards := encodeBatch(t, enc, [][]byte{[]byte("p"), []byte("q")})
		batches = append(batches, shards)
		dec.Input(shards[0])
		dec.Input(shards[1])
	}
	drain(t, dec)

	// 交错到达的迟到冗余片不触发重置
	for i, shards := range batches {
		dec.Input(shards[2])
		if i%2 == 1 {
			fresh := encodeBatch(t, enc, [][]byte{[]byte("r"), []byte("s")})
			dec.Input(fresh[0])
			dec.Input(fresh[1])
		}
	}
	if got := dec.Stats().WindowResets; got != 0 {
		t.Errorf("WindowResets: got %d, want 0", got)
	}
	if got := dec.Stats().LateShards; got != 6 {
		t.Errorf("LateShards: got %d, want 6", got)
	}
}

func TestDecoderEvictsByAge(t *testing.T) {
	dec := NewDecoder(DecoderConfig{BatchTTL: time.Second})
	enc := newTestEncoder(t, 2, 1, time.Second)

	dec.AdvanceClock(0)
	shards := encodeBatch(t, enc, [][]byte{[]byte("p"), []byte("q")})
	dec.Input(shards[0])

	dec.AdvanceClock(900)
	if dec.Pending() != 1 {
		t.Fatal("未超时批次不应淘汰")
	}
	dec.AdvanceClock(1500)
	if dec.Pending() != 0 {
		t.Fatal("超时批次应被淘汰")
	}
	if err := dec.AdvanceClock(1000); !errors.Is(err, ErrClockRegression) {
		t.Errorf("时钟回退: got %v", err)
	}
}

func TestDecoderOutputShortBuffer(t *testing.T) {
	dec := NewDecoder(DecoderConfig{})
	dec.Input(append([]byte{0x46, 0x54, 0x43, 0x4B}, []byte("hello")...))

	small := make([]byte, 2)
	n, err := dec.Output(small)
	if !errors.Is(err, ErrShortBuffer) || n != 5 {
		t.Fatalf("got n=%d err=%v, want 5 ErrShortBuffer", n, err)
	}
	buf := make([]byte, n)
	if n, err = dec.Output(buf); err != nil || string(buf[:n]) != "hello" {
		t.Fatalf("重试读取: n=%d err=%v data=%q", n, err, buf[:n])
	}
}

func TestNextSeq(t *testing.T) {
	tests := []struct{ in, want uint16 }{
		{1, 2},
		{65519, 65520},
		{65520, 1},
	}
	for _, tt := range tests {
		if got := NextSeq(tt.in); got != tt.want {
			t.Errorf("NextSeq(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
