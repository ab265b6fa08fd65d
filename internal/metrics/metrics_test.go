// =============================================================================
// 文件: internal/metrics/metrics_test.go
// 描述: 指标服务测试
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mrcgq/kcptunnel/internal/fec"
	"github.com/mrcgq/kcptunnel/internal/logging"
	"github.com/mrcgq/kcptunnel/internal/mux"
)

type fixedStats Snapshot

func (f fixedStats) Snapshot() Snapshot { return Snapshot(f) }

func TestTunnelCollector(t *testing.T) {
	c := NewTunnelCollector(fixedStats{
		Encoder:        fec.EncoderStats{ShardsOut: 9, BatchesFlushed: 2},
		Decoder:        fec.DecoderStats{BatchesRepaired: 3},
		PendingBatches: 4,
		Mux:            mux.Stats{ShortWrites: 1},
		ActiveConns:    5,
		SendBacklog:    7,
	})

	expected := `
# HELP kcptunnel_fec_shards_sent_total Shards emitted by the encoder
# TYPE kcptunnel_fec_shards_sent_total counter
kcptunnel_fec_shards_sent_total 9
# HELP kcptunnel_fec_batches_recovered_total Batches that needed erasure recovery
# TYPE kcptunnel_fec_batches_recovered_total counter
kcptunnel_fec_batches_recovered_total 3
# HELP kcptunnel_mux_active_connections Currently mapped outside connections
# TYPE kcptunnel_mux_active_connections gauge
kcptunnel_mux_active_connections 5
# HELP kcptunnel_fec_pending_batches Incomplete batches held by the decoder
# TYPE kcptunnel_fec_pending_batches gauge
kcptunnel_fec_pending_batches 4
# HELP kcptunnel_circuit_send_backlog Segments submitted to the circuit and not yet acknowledged
# TYPE kcptunnel_circuit_send_backlog gauge
kcptunnel_circuit_send_backlog 7
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"kcptunnel_fec_shards_sent_total",
		"kcptunnel_fec_batches_recovered_total",
		"kcptunnel_mux_active_connections",
		"kcptunnel_fec_pending_batches",
		"kcptunnel_circuit_send_backlog",
	)
	if err != nil {
		t.Error(err)
	}
}

func TestInstruments(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics", "/health", logging.Discard())
	m := NewInstruments(s.Registry())
	m.RecordIn(100)
	m.RecordIn(50)
	m.RecordOut(10)
	m.RecordError("decode")

	if got := testutil.ToFloat64(m.CarrierBytes.WithLabelValues("in")); got != 150 {
		t.Errorf("bytes in: got %v", got)
	}
	if got := testutil.ToFloat64(m.CarrierDatagrams.WithLabelValues("out")); got != 1 {
		t.Errorf("datagrams out: got %v", got)
	}
	if got := testutil.ToFloat64(m.Errors.WithLabelValues("decode")); got != 1 {
		t.Errorf("errors: got %v", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics", "/health", logging.Discard())
	h := s.Handler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/health"); rec.Code != http.StatusOK {
		t.Errorf("/health: got %d", rec.Code)
	}

	current := "degraded"
	s.SetHealthCheck(func() HealthStatus {
		return HealthStatus{
			Status:     current,
			Components: map[string]ComponentHealth{"carrier": {Status: "down", Message: "closed"}},
		}
	})

	tests := []struct {
		status string
		want   int
	}{
		{"healthy", http.StatusOK},
		{"degraded", http.StatusOK},
		{"unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		current = tt.status
		if rec := get("/health"); rec.Code != tt.want {
			t.Errorf("%s 时 /health: got %d, want %d", tt.status, rec.Code, tt.want)
		}
		if rec := get("/health/ready"); rec.Code != tt.want {
			t.Errorf("%s 时 /health/ready: got %d, want %d", tt.status, rec.Code, tt.want)
		}
		if rec := get("/health/live"); rec.Code != http.StatusOK {
			t.Errorf("%s 时 /health/live: got %d", tt.status, rec.Code)
		}
	}

	rec := get("/health")
	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "unhealthy" || status.Components["carrier"].Message != "closed" {
		t.Errorf("状态内容: %+v", status)
	}
}

func TestServerServesMetrics(t *testing.T) {
	s := NewServer("127.0.0.1:0", "/metrics", "/health", logging.Discard())
	s.Registry().MustRegister(NewTunnelCollector(fixedStats{ActiveConns: 2}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "kcptunnel_mux_active_connections 2") {
		t.Errorf("metrics 输出缺少活跃连接数")
	}
}

func TestServerStartFailsOnBusyPort(t *testing.T) {
	first := NewServer("127.0.0.1:0", "/metrics", "/health", logging.Discard())
	if err := first.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer first.Stop()

	second := NewServer(first.Addr(), "/metrics", "/health", logging.Discard())
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Error("端口被占用时应报错")
	}
}
