// =============================================================================
// 文件: cmd/kcptunnel-server/main.go
// 描述: kcptunnel server 入口
// =============================================================================
package main

import (
	"fmt"
	"os"

	"github.com/mrcgq/kcptunnel/internal/cli"
	"github.com/mrcgq/kcptunnel/internal/config"
)

// 版本信息，构建时注入
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cmd := cli.NewRootCommand(config.RoleServer, cli.BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildTime,
	})
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] %v\n", err)
		os.Exit(1)
	}
}
