// =============================================================================
// 文件: internal/cli/cli.go
// 描述: 命令行入口 - 客户端与服务端共用的 cobra 命令
// =============================================================================
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mrcgq/kcptunnel/internal/config"
	"github.com/mrcgq/kcptunnel/internal/logging"
	"github.com/mrcgq/kcptunnel/internal/metrics"
	"github.com/mrcgq/kcptunnel/internal/tunnel"
)

// BuildInfo 构建信息，由 main 通过 -ldflags 注入
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// RunOptions 一次运行的参数
type RunOptions struct {
	Role       string
	ConfigPath string
	// LogLevel 非空时覆盖配置并关闭热加载
	LogLevel string
	Version  string
	Output   io.Writer
	// Started 引擎启动前回调，测试用
	Started func(*tunnel.Engine)
}

// NewRootCommand 创建指定角色的根命令
func NewRootCommand(role string, info BuildInfo) *cobra.Command {
	name := "kcptunnel-" + role
	var logLevel string

	root := &cobra.Command{
		Use:   name + " <config>",
		Short: fmt.Sprintf("kcptunnel %s: TCP over KCP/ARQ + FEC", role),
		Long: fmt.Sprintf(`%s 将 TCP 连接复用到一条可靠 UDP 虚电路上，
并以 Reed-Solomon 前向纠错抵抗丢包。

配置文件支持 YAML (.yaml/.yml) 与 TOML (.toml)，
可用 "%s example-config" 生成示例。`, name, name),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, RunOptions{
				Role:       role,
				ConfigPath: args[0],
				LogLevel:   logLevel,
				Version:    info.Version,
				Output:     cmd.ErrOrStderr(),
			})
		},
	}
	root.Flags().StringVar(&logLevel, "log-level", "", "覆盖配置中的日志级别 (debug/info/warn/error)")

	root.AddCommand(versionCmd(name, info), exampleConfigCmd(role))
	return root
}

func versionCmd(name string, info BuildInfo) *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, info.Version)
				return
			}
			fmt.Fprintf(out, "%s %s\n", name, info.Version)
			fmt.Fprintf(out, "  Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "  Built:      %s\n", info.BuildTime)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "只输出版本号")
	return cmd
}

func exampleConfigCmd(role string) *cobra.Command {
	return &cobra.Command{
		Use:   "example-config [path]",
		Short: "生成示例配置文件，省略路径时输出到标准输出",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				_, err := fmt.Fprint(cmd.OutOrStdout(), config.GenerateExampleConfig(role))
				return err
			}
			if err := config.WriteExampleConfig(args[0], role); err != nil {
				return fmt.Errorf("写入示例配置失败: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "示例配置已写入 %s\n", args[0])
			return nil
		},
	}
}

// Run 加载配置并运行隧道直到 ctx 结束。启动阶段的任何失败都直接返回。
func Run(ctx context.Context, opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.Role != opts.Role {
		return fmt.Errorf("配置 role=%s 与程序角色 %s 不符", cfg.Role, opts.Role)
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	logger := logging.NewWithOutput(cfg.LogLevel, opts.Output)
	logger.WithFields(logrus.Fields{
		"role":    cfg.Role,
		"listen":  cfg.Listen,
		"remote":  cfg.Remote,
		"carrier": cfg.Carrier.Type,
		"engine":  cfg.Circuit.Engine,
		"fec":     fmt.Sprintf("%d+%d", cfg.FEC.DataShards, cfg.FEC.ParityShards),
	}).Info("kcptunnel 启动")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		metricsServer *metrics.Server
		instr         *metrics.Instruments
	)
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath,
			logging.Component(logger, "metrics"))
		instr = metrics.NewInstruments(metricsServer.Registry())
		if err := metricsServer.Start(ctx); err != nil {
			return err
		}
		defer metricsServer.Stop()
	}

	engine, err := tunnel.Open(ctx, cfg, logger, instr)
	if err != nil {
		return err
	}

	if metricsServer != nil {
		metricsServer.Registry().MustRegister(metrics.NewTunnelCollector(engine))
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			status := engine.Health()
			status.Version = opts.Version
			return status
		})
	}

	if opts.LogLevel == "" {
		if err := logging.WatchLevel(ctx, logger, opts.ConfigPath, config.LoadLogLevel); err != nil {
			logger.WithError(err).Warn("日志级别热加载不可用")
		}
	}

	if opts.Started != nil {
		opts.Started(engine)
	}
	err = engine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
