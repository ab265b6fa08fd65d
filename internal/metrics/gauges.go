// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标 - 事件循环直接更新的 Counter/Histogram
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Instruments 事件循环埋点
type Instruments struct {
	// 单次 tick 处理耗时
	TickDuration prometheus.Histogram

	// 按阶段统计的数据报错误 (decode / circuit / mux / carrier)
	Errors *prometheus.CounterVec

	// 承载层收发字节 (direction = in/out)
	CarrierBytes *prometheus.CounterVec

	// 承载层收发数据报
	CarrierDatagrams *prometheus.CounterVec
}

// NewInstruments 创建埋点并注册到 registry；registry 为 nil 时只创建不注册
func NewInstruments(registry prometheus.Registerer) *Instruments {
	m := &Instruments{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Time spent handling one engine tick",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Errors by pipeline stage",
		}, []string{"stage"}),
		CarrierBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "carrier",
			Name:      "bytes_total",
			Help:      "Bytes moved by the carrier",
		}, []string{"direction"}),
		CarrierDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "carrier",
			Name:      "datagrams_total",
			Help:      "Datagrams moved by the carrier",
		}, []string{"direction"}),
	}

	if registry != nil {
		registry.MustRegister(m.TickDuration, m.Errors, m.CarrierBytes, m.CarrierDatagrams)
	}
	return m
}

// RecordError 记录一次错误
func (m *Instruments) RecordError(stage string) {
	m.Errors.WithLabelValues(stage).Inc()
}

// RecordIn 记录收到的数据报
func (m *Instruments) RecordIn(n int) {
	m.CarrierDatagrams.WithLabelValues("in").Inc()
	m.CarrierBytes.WithLabelValues("in").Add(float64(n))
}

// RecordOut 记录发出的数据报
func (m *Instruments) RecordOut(n int) {
	m.CarrierDatagrams.WithLabelValues("out").Inc()
	m.CarrierBytes.WithLabelValues("out").Add(float64(n))
}
