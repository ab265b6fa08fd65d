// =============================================================================
// 文件: internal/carrier/udp.go
// 描述: UDP 承载 - 服务端回复最近一次来包的客户端地址
// =============================================================================
package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/kcptunnel/internal/logging"
)

// UDP UDP 数据报通道
type UDP struct {
	conn      *net.UDPConn
	connected bool
	logger    *logrus.Entry

	peerMu sync.RWMutex
	peer   *net.UDPAddr

	closed int32
}

// ListenUDP 服务端: 绑定地址，对端地址随来包更新
func ListenUDP(addr string, readBuffer int, logger *logrus.Entry) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("解析地址 %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("监听 UDP %s: %w", addr, err)
	}
	u := &UDP{conn: conn, logger: logger}
	u.setReadBuffer(readBuffer)
	u.log(logging.LevelInfo, "UDP 承载已监听: %s", conn.LocalAddr())
	return u, nil
}

// DialUDP 客户端: 固定发往 remote
func DialUDP(remote string, readBuffer int, logger *logrus.Entry) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("解析地址 %s: %w", remote, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("连接 UDP %s: %w", remote, err)
	}
	u := &UDP{conn: conn, connected: true, logger: logger, peer: raddr}
	u.setReadBuffer(readBuffer)
	u.log(logging.LevelInfo, "UDP 承载: %s -> %s", conn.LocalAddr(), raddr)
	return u, nil
}

func (u *UDP) setReadBuffer(size int) {
	if size <= 0 {
		return
	}
	if err := u.conn.SetReadBuffer(size); err != nil {
		u.log(logging.LevelWarn, "设置读缓冲区失败: %v", err)
	}
}

// ReadDatagram 阻塞读取一个数据报，ctx 取消时返回
func (u *UDP) ReadDatagram(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// 已连接的 UDP 套接字会收到对端未就绪时的 ICMP 端口不可达
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			if atomic.LoadInt32(&u.closed) == 1 {
				return nil, ErrClosed
			}
			return nil, err
		}
		if !u.connected {
			u.updatePeer(addr)
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}

func (u *UDP) updatePeer(addr *net.UDPAddr) {
	u.peerMu.Lock()
	defer u.peerMu.Unlock()
	if u.peer == nil || !u.peer.IP.Equal(addr.IP) || u.peer.Port != addr.Port {
		u.log(logging.LevelInfo, "对端地址: %s", addr)
		u.peer = addr
	}
}

// Peer 当前对端地址
func (u *UDP) Peer() *net.UDPAddr {
	u.peerMu.RLock()
	defer u.peerMu.RUnlock()
	return u.peer
}

// WriteDatagram 发送一个数据报
func (u *UDP) WriteDatagram(b []byte) error {
	if u.connected {
		_, err := u.conn.Write(b)
		return err
	}
	peer := u.Peer()
	if peer == nil {
		return ErrNoPeer
	}
	_, err := u.conn.WriteToUDP(b, peer)
	return err
}

// LocalAddr 本地地址
func (u *UDP) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

// Close 关闭
func (u *UDP) Close() error {
	if !atomic.CompareAndSwapInt32(&u.closed, 0, 1) {
		return nil
	}
	return u.conn.Close()
}

func (u *UDP) log(level int, format string, args ...interface{}) {
	logging.Logf(u.logger, level, format, args...)
}
