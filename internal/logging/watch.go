// =============================================================================
// 文件: internal/logging/watch.go
// 描述: 配置文件变更时热更新日志级别
// =============================================================================
package logging

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// LevelLoader 从配置文件读取当前 log_level
type LevelLoader func(path string) (string, error)

// WatchLevel 监视配置文件，log_level 变化时调整 l 的级别，直到 ctx 结束
func WatchLevel(ctx context.Context, l *logrus.Logger, path string, load LevelLoader) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监视器失败: %w", err)
	}
	// 监视目录以兼容编辑器的原子替换写法
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("监视 %s 失败: %w", path, err)
	}

	go func() {
		defer w.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				level, err := load(path)
				if err != nil {
					l.WithError(err).Warn("重新读取日志级别失败")
					continue
				}
				if next := ParseLevel(level); next != l.GetLevel() {
					l.SetLevel(next)
					l.Infof("日志级别已切换为 %s", next)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.WithError(err).Warn("文件监视错误")
			}
		}
	}()
	return nil
}
