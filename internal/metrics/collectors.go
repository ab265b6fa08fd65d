// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 收集器 - 抓取时读取 FEC/多路复用/虚电路统计快照
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/kcptunnel/internal/circuit"
	"github.com/mrcgq/kcptunnel/internal/fec"
	"github.com/mrcgq/kcptunnel/internal/mux"
)

const namespace = "kcptunnel"

// Snapshot 一次抓取所需的全部统计
type Snapshot struct {
	Encoder        fec.EncoderStats
	Decoder        fec.DecoderStats
	PendingBatches int
	Mux            mux.Stats
	ActiveConns    int64
	Circuit        circuit.Stats
	// SendBacklog 虚电路待确认分段数
	SendBacklog int
	// ReadPauses 因积压暂停读取外部连接的次数
	ReadPauses uint64
}

// StatsProvider 统计来源，须可在任意 goroutine 调用
type StatsProvider interface {
	Snapshot() Snapshot
}

// counterDesc 计数器描述与取值
type counterDesc struct {
	desc  *prometheus.Desc
	value func(s *Snapshot) uint64
}

// TunnelCollector 隧道指标收集器
type TunnelCollector struct {
	provider StatsProvider

	counters           []counterDesc
	activeConnsDesc    *prometheus.Desc
	pendingBatchesDesc *prometheus.Desc
	sendBacklogDesc    *prometheus.Desc
}

func newCounter(subsystem, name, help string, value func(s *Snapshot) uint64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil),
		value: value,
	}
}

// NewTunnelCollector 创建收集器
func NewTunnelCollector(provider StatsProvider) *TunnelCollector {
	return &TunnelCollector{
		provider: provider,
		counters: []counterDesc{
			newCounter("fec", "payloads_encoded_total", "Payloads accepted by the encoder",
				func(s *Snapshot) uint64 { return s.Encoder.PayloadsIn }),
			newCounter("fec", "batches_encoded_total", "Full batches encoded with parity",
				func(s *Snapshot) uint64 { return s.Encoder.BatchesEncoded }),
			newCounter("fec", "batches_flushed_total", "Partial batches flushed as passthrough frames",
				func(s *Snapshot) uint64 { return s.Encoder.BatchesFlushed }),
			newCounter("fec", "shards_sent_total", "Shards emitted by the encoder",
				func(s *Snapshot) uint64 { return s.Encoder.ShardsOut }),
			newCounter("fec", "shards_received_total", "Shards accepted by the decoder",
				func(s *Snapshot) uint64 { return s.Decoder.ShardsIn }),
			newCounter("fec", "passthrough_received_total", "Passthrough frames received",
				func(s *Snapshot) uint64 { return s.Decoder.PassthroughFrames }),
			newCounter("fec", "batches_decoded_total", "Batches resolved by the decoder",
				func(s *Snapshot) uint64 { return s.Decoder.BatchesDecoded }),
			newCounter("fec", "batches_recovered_total", "Batches that needed erasure recovery",
				func(s *Snapshot) uint64 { return s.Decoder.BatchesRepaired }),
			newCounter("fec", "batches_evicted_total", "Incomplete batches dropped by the decoder",
				func(s *Snapshot) uint64 { return s.Decoder.BatchesEvicted }),
			newCounter("fec", "corrupt_frames_total", "Datagrams rejected as corrupt",
				func(s *Snapshot) uint64 { return s.Decoder.CorruptFrames }),
			newCounter("fec", "late_shards_total", "Shards for already resolved batches",
				func(s *Snapshot) uint64 { return s.Decoder.LateShards }),
			newCounter("fec", "window_resets_total", "Resolved windows cleared after a peer restart",
				func(s *Snapshot) uint64 { return s.Decoder.WindowResets }),

			newCounter("mux", "connections_opened_total", "Outside connections registered",
				func(s *Snapshot) uint64 { return s.Mux.Opened }),
			newCounter("mux", "connections_closed_total", "Outside connections torn down",
				func(s *Snapshot) uint64 { return s.Mux.Closed }),
			newCounter("mux", "protocol_errors_total", "Malformed or unroutable frames",
				func(s *Snapshot) uint64 { return s.Mux.ProtocolErrors }),
			newCounter("mux", "dial_failures_total", "Failed dials to the destination",
				func(s *Snapshot) uint64 { return s.Mux.DialFailures }),
			newCounter("mux", "short_writes_total", "Writes to outside connections cut by the deadline",
				func(s *Snapshot) uint64 { return s.Mux.ShortWrites }),
			newCounter("mux", "circuit_send_failures_total", "Frames rejected by the circuit, closing their connection",
				func(s *Snapshot) uint64 { return s.Mux.CircuitSendFailures }),
			newCounter("mux", "bytes_to_circuit_total", "Bytes read from outside connections",
				func(s *Snapshot) uint64 { return s.Mux.BytesToCircuit }),
			newCounter("mux", "bytes_to_outside_total", "Bytes written to outside connections",
				func(s *Snapshot) uint64 { return s.Mux.BytesToOutside }),

			newCounter("circuit", "datagrams_sent_total", "Datagrams produced by the circuit",
				func(s *Snapshot) uint64 { return s.Circuit.DatagramsOut }),
			newCounter("circuit", "datagrams_received_total", "Datagrams fed into the circuit",
				func(s *Snapshot) uint64 { return s.Circuit.DatagramsIn }),
			newCounter("circuit", "input_errors_total", "Datagrams rejected by the circuit",
				func(s *Snapshot) uint64 { return s.Circuit.InputErrors }),
			newCounter("circuit", "retransmits_total", "Timeout retransmissions",
				func(s *Snapshot) uint64 { return s.Circuit.Retransmits }),
			newCounter("circuit", "fast_retransmits_total", "Duplicate-ACK retransmissions",
				func(s *Snapshot) uint64 { return s.Circuit.FastRetransmits }),
			newCounter("circuit", "read_pauses_total", "Times outside reads paused on circuit backlog",
				func(s *Snapshot) uint64 { return s.ReadPauses }),
		},
		activeConnsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mux", "active_connections"),
			"Currently mapped outside connections",
			nil, nil,
		),
		pendingBatchesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "fec", "pending_batches"),
			"Incomplete batches held by the decoder",
			nil, nil,
		),
		sendBacklogDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "circuit", "send_backlog"),
			"Segments submitted to the circuit and not yet acknowledged",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *TunnelCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.activeConnsDesc
	ch <- c.pendingBatchesDesc
	ch <- c.sendBacklogDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *TunnelCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.provider.Snapshot()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(&s)))
	}
	ch <- prometheus.MustNewConstMetric(c.activeConnsDesc, prometheus.GaugeValue, float64(s.ActiveConns))
	ch <- prometheus.MustNewConstMetric(c.pendingBatchesDesc, prometheus.GaugeValue, float64(s.PendingBatches))
	ch <- prometheus.MustNewConstMetric(c.sendBacklogDesc, prometheus.GaugeValue, float64(s.SendBacklog))
}
