// =============================================================================
// 文件: internal/carrier/carrier_test.go
// 描述: 承载层测试 (回环地址)
// =============================================================================
package carrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mrcgq/kcptunnel/internal/logging"
)

func readWithTimeout(t *testing.T, c Carrier) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b, err := c.ReadDatagram(ctx)
	if err != nil {
		t.Fatalf("ReadDatagram 失败: %v", err)
	}
	return b
}

func TestUDPRoundTrip(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0", 0, logging.Discard())
	if err != nil {
		t.Fatalf("ListenUDP 失败: %v", err)
	}
	defer server.Close()

	if err := server.WriteDatagram([]byte("x")); !errors.Is(err, ErrNoPeer) {
		t.Errorf("无对端时期望 ErrNoPeer, got %v", err)
	}

	client, err := DialUDP(server.LocalAddr(), 1<<20, logging.Discard())
	if err != nil {
		t.Fatalf("DialUDP 失败: %v", err)
	}
	defer client.Close()

	if err := client.WriteDatagram([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := readWithTimeout(t, server); string(got) != "hello" {
		t.Errorf("服务端收到 %q", got)
	}

	if err := server.WriteDatagram([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if got := readWithTimeout(t, client); string(got) != "world" {
		t.Errorf("客户端收到 %q", got)
	}
}

func TestUDPServerFollowsLatestPeer(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0", 0, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	first, _ := DialUDP(server.LocalAddr(), 0, logging.Discard())
	defer first.Close()
	second, _ := DialUDP(server.LocalAddr(), 0, logging.Discard())
	defer second.Close()

	first.WriteDatagram([]byte("1"))
	readWithTimeout(t, server)
	second.WriteDatagram([]byte("2"))
	readWithTimeout(t, server)

	if server.Peer().String() != second.LocalAddr() {
		t.Fatalf("对端应为最近来包地址: got %s, want %s", server.Peer(), second.LocalAddr())
	}
	server.WriteDatagram([]byte("to-second"))
	if got := readWithTimeout(t, second); string(got) != "to-second" {
		t.Errorf("second 收到 %q", got)
	}
}

func TestUDPReadCancelled(t *testing.T) {
	server, err := ListenUDP("127.0.0.1:0", 0, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := server.ReadDatagram(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("期望 context.Canceled, got %v", err)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	server, err := ListenWebSocket("127.0.0.1:0", "/kcp", logging.Discard())
	if err != nil {
		t.Fatalf("ListenWebSocket 失败: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, err := DialWebSocket(ctx, server.LocalAddr(), "/kcp", logging.Discard())
	if err != nil {
		t.Fatalf("DialWebSocket 失败: %v", err)
	}
	defer client.Close()

	payload := []byte{0x4B, 0x43, 0x54, 0x46, 0x00, 0x01}
	if err := client.WriteDatagram(payload); err != nil {
		t.Fatal(err)
	}
	if got := readWithTimeout(t, server); string(got) != string(payload) {
		t.Errorf("服务端收到 %v", got)
	}

	if err := server.WriteDatagram([]byte("reply")); err != nil {
		t.Fatal(err)
	}
	if got := readWithTimeout(t, client); string(got) != "reply" {
		t.Errorf("客户端收到 %q", got)
	}
}

func TestWebSocketServerNoSession(t *testing.T) {
	server, err := ListenWebSocket("127.0.0.1:0", "/kcp", logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()
	if err := server.WriteDatagram([]byte("x")); !errors.Is(err, ErrNoPeer) {
		t.Errorf("期望 ErrNoPeer, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, Options{Type: TypeUDP, Server: true, Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Open udp 失败: %v", err)
	}
	c.Close()

	if _, err := Open(ctx, Options{Type: "quic", Server: true}); err == nil {
		t.Error("未知类型应报错")
	}
	if _, err := Open(ctx, Options{Type: TypeUDP, Server: true, Listen: "not-an-addr"}); err == nil {
		t.Error("无效地址应报错")
	}
}
