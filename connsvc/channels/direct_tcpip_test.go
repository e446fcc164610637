package channels_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jpillora/connsvc/connsvc/channels"
	"github.com/jpillora/connsvc/connsvc/conntest"
	"github.com/jpillora/connsvc/connsvc/wire"
)

func TestDirectTCPIPDialsAndSplices(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer target.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := target.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	client, server, _, _ := conntest.NewLinkedSessions([]byte("direct-tcpip-1"))
	server.Register("direct-tcpip", channels.NewDirectTCPIPFactory(channels.DirectTCPIPConfig{}))

	addr := target.Addr().(*net.TCPAddr)
	payload := ssh.Marshal(&wire.ForwardedTCPIPMsg{
		Host:       addr.IP.String(),
		Port:       uint32(addr.Port),
		OriginHost: "127.0.0.1",
		OriginPort: 9,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := client.OpenChannel(ctx, "direct-tcpip", payload)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	defer ch.Close()

	if _, err := io.WriteString(ch.Stream(), "direct-payload"); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != "direct-payload" {
			t.Fatalf("got %q, want %q", got, "direct-payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dialed target never received forwarded data")
	}
}

func TestDirectTCPIPRejectsUnreachableTarget(t *testing.T) {
	client, server, _, _ := conntest.NewLinkedSessions([]byte("direct-tcpip-2"))
	server.Register("direct-tcpip", channels.NewDirectTCPIPFactory(channels.DirectTCPIPConfig{}))

	payload := ssh.Marshal(&wire.ForwardedTCPIPMsg{Host: "127.0.0.1", Port: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.OpenChannel(ctx, "direct-tcpip", payload); err == nil {
		t.Fatal("expected OpenChannel to fail for an unreachable target")
	}
}
