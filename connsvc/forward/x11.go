package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/wire"
)

const (
	x11Host             = "localhost"
	x11BasePort         = 6000
	x11MinDisplayNumber = 10
	x11MaxDisplays      = 1000
)

// X11Forward answers one session's "x11-req" channel request by opening a
// local listener standing in for an X server display, then splices every
// connection accepted on it into an "x11" channel opened back across the
// session, the way teleport's X11 display listener hands connections to a
// forwarded ssh channel.
type X11Forward struct {
	session *connsvc.Session
	logger  *slog.Logger
}

// NewX11Forward wires an X11Forward against session. Unlike TCPIPForwarder
// it is not registered globally: a "session" ChannelType calls Handle for
// each "x11-req" it sees on one of its own channels.
func NewX11Forward(session *connsvc.Session, logger *slog.Logger) *X11Forward {
	return &X11Forward{session: session, logger: logger}
}

// Handle starts listening for one session channel's X11 forwarding request
// and returns the display string ("localhost:N.0") the caller should put
// in the session's DISPLAY environment variable.
func (f *X11Forward) Handle(payload []byte) (string, error) {
	var req wire.X11ReqMsg
	if err := ssh.Unmarshal(payload, &req); err != nil {
		return "", fmt.Errorf("malformed x11-req: %w", err)
	}

	listener, display, err := openDisplayListener()
	if err != nil {
		return "", err
	}
	go f.serveDisplay(listener, req.SingleConnection)

	return fmt.Sprintf("%s:%d.0", x11Host, display), nil
}

func openDisplayListener() (net.Listener, int, error) {
	for display := x11MinDisplayNumber; display < x11MinDisplayNumber+x11MaxDisplays; display++ {
		addr := net.JoinHostPort(x11Host, strconv.Itoa(x11BasePort+display))
		l, err := net.Listen("tcp", addr)
		if err == nil {
			return l, display, nil
		}
	}
	return nil, 0, fmt.Errorf("forward: no x11 display ports available")
}

func (f *X11Forward) serveDisplay(listener net.Listener, singleConnection bool) {
	defer listener.Close()
	for {
		conn, err := listener.Accept()
		if err != nil {
			f.debugf("x11 display listener stopped: %s", err)
			return
		}
		go f.handleDisplayConnection(conn)
		if singleConnection {
			return
		}
	}
}

func (f *X11Forward) handleDisplayConnection(conn net.Conn) {
	defer conn.Close()

	remoteAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		f.debugf("x11: unexpected remote addr type %T", conn.RemoteAddr())
		return
	}
	payload := ssh.Marshal(&wire.X11ForwardedMsg{
		OriginHost: remoteAddr.IP.String(),
		OriginPort: uint32(remoteAddr.Port),
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	ch, err := f.session.OpenChannel(ctx, "x11", payload)
	if err != nil {
		f.debugf("failed to open x11 channel: %s", err)
		return
	}
	defer ch.Close()

	pipeAndClose(ch.Stream(), conn)
}

func (f *X11Forward) debugf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(fmt.Sprintf(format, args...))
	}
}
