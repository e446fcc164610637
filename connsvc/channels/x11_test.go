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

func TestX11ChannelSplicesToConfiguredDisplay(t *testing.T) {
	// X11Config.Display follows X's "host:D.S" convention, which resolves
	// to TCP port 6000+D; bind the fake display listener at that port.
	const displayNum = 10
	display, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", "6010"))
	if err != nil {
		t.Skipf("could not bind fake X display port: %v", err)
	}
	defer display.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := display.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- string(buf[:n])
	}()

	client, server, _, _ := conntest.NewLinkedSessions([]byte("x11-chan-1"))
	server.Register("x11", channels.NewX11Factory(channels.X11Config{
		Display: "127.0.0.1:10",
	}))

	payload := ssh.Marshal(&wire.X11ForwardedMsg{OriginHost: "127.0.0.1", OriginPort: 6010})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := client.OpenChannel(ctx, "x11", payload)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	defer ch.Close()

	if _, err := io.WriteString(ch.Stream(), "x11-chan-payload"); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != "x11-chan-payload" {
			t.Fatalf("got %q, want %q", got, "x11-chan-payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("configured display never received forwarded data")
	}
}

func TestX11ChannelRejectsWhenNoDisplayReachable(t *testing.T) {
	client, server, _, _ := conntest.NewLinkedSessions([]byte("x11-chan-2"))
	server.Register("x11", channels.NewX11Factory(channels.X11Config{
		Display: "127.0.0.1:1",
	}))

	payload := ssh.Marshal(&wire.X11ForwardedMsg{OriginHost: "127.0.0.1", OriginPort: 6010})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.OpenChannel(ctx, "x11", payload); err == nil {
		t.Fatal("expected OpenChannel to fail when no local X server is reachable")
	}
}
