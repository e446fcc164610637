package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/wire"
)

// X11Config controls where an inbound "x11" channel's data is spliced to:
// the local X server a forwarded X11 connection should actually reach.
type X11Config struct {
	// Display names the local X server: "host:D[.S]" (TCP port 6000+D),
	// ":D[.S]" (the unix socket for display D), or a unix socket path.
	// Empty uses $DISPLAY, translated the way an X client would.
	Display string
	Logger  *slog.Logger
}

// NewX11Factory returns a ChannelFactory for the "x11" channel type: the
// peer forwarded a connection made to its display listener, and this side
// splices it to the real local X server.
func NewX11Factory(cfg X11Config) connsvc.ChannelFactory {
	return func() connsvc.ChannelType {
		return &x11Channel{cfg: cfg}
	}
}

type x11Channel struct {
	cfg X11Config
}

func (x *x11Channel) Open(ctx context.Context, ch *connsvc.Channel, typeData []byte) error {
	var msg wire.X11ForwardedMsg
	if err := ssh.Unmarshal(typeData, &msg); err != nil {
		return &connsvc.OpenFailure{
			ReasonCode: wire.ReasonConnectFailed,
			Message:    fmt.Sprintf("malformed x11 payload: %s", err),
		}
	}

	network, addr := x.localDisplayAddr()
	conn, err := net.Dial(network, addr)
	if err != nil {
		return &connsvc.OpenFailure{
			ReasonCode: wire.ReasonConnectFailed,
			Message:    fmt.Sprintf("connect to local X server %s: %s", addr, err),
		}
	}

	x.debugf("x11 channel spliced to %s (origin %s:%d)", addr, msg.OriginHost, msg.OriginPort)
	go pipeAndClose(ch.Stream(), conn)
	return nil
}

// localDisplayAddr translates cfg.Display (or $DISPLAY) into a dial
// network/address, the way an X client resolves "host:D.S" or ":D.S".
func (x *x11Channel) localDisplayAddr() (network, addr string) {
	display := x.cfg.Display
	if display == "" {
		display = os.Getenv("DISPLAY")
	}
	if display == "" {
		display = ":0"
	}
	if display[0] == '/' {
		return "unix", display
	}
	host, rest := splitDisplay(display)
	if host == "" || host == "unix" {
		return "unix", fmt.Sprintf("/tmp/.X11-unix/X%d", displayNumber(rest))
	}
	return "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", 6000+displayNumber(rest)))
}

func splitDisplay(display string) (host, rest string) {
	for i := 0; i < len(display); i++ {
		if display[i] == ':' {
			return display[:i], display[i+1:]
		}
	}
	return "", display
}

func displayNumber(rest string) int {
	n := 0
	for i := 0; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
		n = n*10 + int(rest[i]-'0')
	}
	return n
}

func (x *x11Channel) debugf(f string, args ...any) {
	if x.cfg.Logger != nil {
		x.cfg.Logger.Debug(fmt.Sprintf(f, args...))
	}
}
