// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 日志 - logrus 封装，组件级 log(level, format, args...) 约定
// =============================================================================
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// 日志级别，数值越大越详细
const (
	LevelError = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel 解析配置中的 log_level
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// New 创建日志器
func New(level string) *logrus.Logger {
	return NewWithOutput(level, os.Stderr)
}

// NewWithOutput 创建输出到 w 的日志器
func NewWithOutput(level string, w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(ParseLevel(level))
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return l
}

// Discard 丢弃所有输出的日志器 (测试用)
func Discard() *logrus.Entry {
	return logrus.NewEntry(NewWithOutput("error", io.Discard))
}

// Component 带组件字段的日志入口
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Logf 按组件日志级别输出
func Logf(e *logrus.Entry, level int, format string, args ...interface{}) {
	if e == nil {
		return
	}
	switch level {
	case LevelError:
		e.Errorf(format, args...)
	case LevelWarn:
		e.Warnf(format, args...)
	case LevelInfo:
		e.Infof(format, args...)
	default:
		e.Debugf(format, args...)
	}
}
