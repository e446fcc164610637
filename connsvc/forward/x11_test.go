package forward_test

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/conntest"
	"github.com/jpillora/connsvc/connsvc/forward"
	"github.com/jpillora/connsvc/connsvc/wire"
)

func TestX11ForwardHandleReturnsDisplayAndSplices(t *testing.T) {
	client, server, _, _ := conntest.NewLinkedSessions([]byte("x11-1"))
	x11 := forward.NewX11Forward(server, nil)

	received := make(chan string, 1)
	client.Register("x11", func() connsvc.ChannelType {
		return connsvc.ChannelTypeFunc(func(ctx context.Context, ch *connsvc.Channel, data []byte) error {
			var msg wire.X11ForwardedMsg
			if err := ssh.Unmarshal(data, &msg); err != nil {
				t.Errorf("unmarshal x11 open data: %v", err)
			}
			go func() {
				buf := make([]byte, 64)
				n, _ := ch.Stream().Read(buf)
				received <- string(buf[:n])
			}()
			return nil
		})
	})

	display, err := x11.Handle(ssh.Marshal(&wire.X11ReqMsg{SingleConnection: false}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.HasPrefix(display, "localhost:") {
		t.Fatalf("unexpected display string %q", display)
	}

	host, numDotScreen, ok := strings.Cut(display, ":")
	if !ok {
		t.Fatalf("malformed display %q", display)
	}
	num := strings.SplitN(numDotScreen, ".", 2)[0]
	displayNum, err := strconv.Atoi(num)
	if err != nil {
		t.Fatalf("parse display number: %v", err)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(6000+displayNum)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, "x11-payload"); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != "x11-payload" {
			t.Fatalf("got %q, want %q", got, "x11-payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client side never received x11 data")
	}
}
