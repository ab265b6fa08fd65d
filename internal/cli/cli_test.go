// =============================================================================
// 文件: internal/cli/cli_test.go
// 描述: 命令行入口测试
// =============================================================================
package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mrcgq/kcptunnel/internal/config"
	"github.com/mrcgq/kcptunnel/internal/tunnel"
)

var testInfo = BuildInfo{Version: "1.2.3", Commit: "abc123", BuildTime: "2026-01-01"}

func execute(t *testing.T, role string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(role, testInfo)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, config.RoleClient, "version", "--short")
	if err != nil {
		t.Fatal(err)
	}
	if out != "1.2.3\n" {
		t.Errorf("short 版本: got %q", out)
	}

	out, err = execute(t, config.RoleServer, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "kcptunnel-server 1.2.3") || !strings.Contains(out, "abc123") {
		t.Errorf("版本信息: got %q", out)
	}
}

func TestRootRequiresExactlyOneArg(t *testing.T) {
	if _, err := execute(t, config.RoleClient); err == nil {
		t.Error("缺少配置路径应报错")
	}
	if _, err := execute(t, config.RoleClient, "a.yaml", "b.yaml"); err == nil {
		t.Error("多余参数应报错")
	}
}

func TestExampleConfigCommand(t *testing.T) {
	out, err := execute(t, config.RoleServer, "example-config")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "role: server") {
		t.Errorf("示例配置角色错误: %q", out)
	}

	path := filepath.Join(t.TempDir(), "client.yaml")
	if _, err := execute(t, config.RoleClient, "example-config", path); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("生成的示例配置无法加载: %v", err)
	}
	if cfg.Role != config.RoleClient {
		t.Errorf("role: got %s", cfg.Role)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	if _, err := execute(t, config.RoleClient, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("配置不存在应报错")
	}

	bad := writeConfig(t, "bad.yaml", "role: client\nfec:\n  data_shards: 0\n")
	if _, err := execute(t, config.RoleClient, bad); err == nil {
		t.Error("非法配置应报错")
	}
}

func TestRunRejectsRoleMismatch(t *testing.T) {
	path := writeConfig(t, "server.yaml", config.GenerateExampleConfig(config.RoleServer))
	err := Run(context.Background(), RunOptions{
		Role:       config.RoleClient,
		ConfigPath: path,
		Output:     io.Discard,
	})
	if err == nil || !strings.Contains(err.Error(), "role") {
		t.Errorf("角色不符应报错: %v", err)
	}
}

func TestRunServerUntilCancelled(t *testing.T) {
	path := writeConfig(t, "server.toml", `
role = "server"
log_level = "debug"
listen = "127.0.0.1:0"
remote = "127.0.0.1:9"

[metrics]
enabled = true
listen = "127.0.0.1:0"
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan *tunnel.Engine, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, RunOptions{
			Role:       config.RoleServer,
			ConfigPath: path,
			LogLevel:   "error",
			Version:    testInfo.Version,
			Output:     io.Discard,
			Started:    func(e *tunnel.Engine) { started <- e },
		})
	}()

	var engine *tunnel.Engine
	select {
	case engine = <-started:
	case err := <-done:
		t.Fatalf("Run 提前退出: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("引擎未启动")
	}

	deadline := time.Now().Add(5 * time.Second)
	for engine.Health().Status != "healthy" {
		if time.Now().After(deadline) {
			t.Fatal("引擎未进入运行状态")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("取消后 Run 应返回 nil: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run 未退出")
	}
}
