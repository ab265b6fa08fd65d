// =============================================================================
// 文件: internal/carrier/carrier.go
// 描述: 数据报承载层 - FEC 分片在两端之间的实际运输通道
// =============================================================================
package carrier

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/kcptunnel/internal/logging"
)

const maxDatagramSize = 64 * 1024

var (
	ErrNoPeer = errors.New("尚无对端地址")
	ErrClosed = errors.New("承载通道已关闭")
)

// Carrier 数据报通道。ReadDatagram 只允许一个 goroutine 调用，
// WriteDatagram 可与之并发。
type Carrier interface {
	ReadDatagram(ctx context.Context) ([]byte, error)
	WriteDatagram(b []byte) error
	LocalAddr() string
	Close() error
}

// Type 承载类型
type Type string

const (
	TypeUDP       Type = "udp"
	TypeWebSocket Type = "websocket"
)

// Options 承载层参数
type Options struct {
	Type Type
	// Server 为 true 时监听 Listen，否则连接 Remote
	Server     bool
	Listen     string
	Remote     string
	Path       string
	ReadBuffer int
	Logger     *logrus.Entry
}

// Open 按类型打开承载通道，绑定失败直接返回错误
func Open(ctx context.Context, opts Options) (Carrier, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	switch opts.Type {
	case TypeUDP, "":
		if opts.Server {
			return ListenUDP(opts.Listen, opts.ReadBuffer, opts.Logger)
		}
		return DialUDP(opts.Remote, opts.ReadBuffer, opts.Logger)
	case TypeWebSocket:
		if opts.Server {
			return ListenWebSocket(opts.Listen, opts.Path, opts.Logger)
		}
		return DialWebSocket(ctx, opts.Remote, opts.Path, opts.Logger)
	default:
		return nil, fmt.Errorf("未知承载类型: %s", opts.Type)
	}
}
