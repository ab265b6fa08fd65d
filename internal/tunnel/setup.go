// =============================================================================
// 文件: internal/tunnel/setup.go
// 描述: 按配置装配承载层与引擎
// =============================================================================
package tunnel

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/kcptunnel/internal/carrier"
	"github.com/mrcgq/kcptunnel/internal/circuit"
	"github.com/mrcgq/kcptunnel/internal/config"
	"github.com/mrcgq/kcptunnel/internal/logging"
	"github.com/mrcgq/kcptunnel/internal/metrics"
	"github.com/mrcgq/kcptunnel/internal/mux"
)

// CircuitOptions 配置转换为虚电路参数
func CircuitOptions(c config.CircuitConfig) circuit.Options {
	return circuit.Options{
		Conv:       c.Conv,
		MTU:        c.MTU,
		Window:     c.Window,
		NoDelay:    c.NoDelay,
		IntervalMs: c.IntervalMs,
		Resend:     c.Resend,
		NoCwnd:     c.NoCwnd,
		RTOMinMs:   c.RTOMinMs,
		RTOMaxMs:   c.RTOMaxMs,
		MaxRetries: c.MaxRetries,
	}
}

// Open 打开承载层并创建引擎。任一步失败都会释放已打开的资源。
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger, instr *metrics.Instruments) (*Engine, error) {
	role := mux.RoleClient
	if cfg.IsServer() {
		role = mux.RoleServer
	}

	carrierOpts := carrier.Options{
		Type:       carrier.Type(cfg.Carrier.Type),
		Server:     cfg.IsServer(),
		Path:       cfg.Carrier.Path,
		ReadBuffer: cfg.Carrier.ReadBuffer,
		Logger:     logging.Component(logger, "carrier"),
	}
	opts := Options{
		Role:              role,
		Engine:            circuit.Engine(cfg.Circuit.Engine),
		CircuitOptions:    CircuitOptions(cfg.Circuit),
		DataShards:        cfg.FEC.DataShards,
		ParityShards:      cfg.FEC.ParityShards,
		FECTimeout:        cfg.FEC.Timeout(),
		MaxPendingBatches: cfg.FEC.MaxPendingBatches,
		BatchTTL:          cfg.FEC.BatchTTL(),
		DialTimeout:       cfg.Mux.DialTimeout(),
		WriteTimeout:      cfg.Mux.WriteTimeout(),
		TickInterval:      cfg.TickInterval(),
		Logger:            logger,
		Instruments:       instr,
	}
	if cfg.IsServer() {
		carrierOpts.Listen = cfg.Listen
		opts.Remote = cfg.Remote
	} else {
		carrierOpts.Remote = cfg.Remote
		opts.Listen = cfg.Listen
	}

	c, err := carrier.Open(ctx, carrierOpts)
	if err != nil {
		return nil, fmt.Errorf("打开承载层: %w", err)
	}
	opts.Carrier = c

	e, err := NewEngine(opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	return e, nil
}
