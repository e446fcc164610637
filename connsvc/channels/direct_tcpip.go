package channels

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/wire"
)

// DirectTCPIPConfig controls what a "direct-tcpip" channel is allowed to
// dial. A nil Dial is replaced with a plain net.Dialer, which allows any
// destination.
type DirectTCPIPConfig struct {
	Dial   func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger *slog.Logger
}

// NewDirectTCPIPFactory returns a ChannelFactory for the "direct-tcpip"
// channel type: the client asks the server to dial out to Host:Port on its
// behalf, then pipes the channel's data to and from that connection.
func NewDirectTCPIPFactory(cfg DirectTCPIPConfig) connsvc.ChannelFactory {
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	return func() connsvc.ChannelType {
		return &directTCPIPChannel{cfg: cfg}
	}
}

type directTCPIPChannel struct {
	cfg DirectTCPIPConfig
}

func (d *directTCPIPChannel) Open(ctx context.Context, ch *connsvc.Channel, typeData []byte) error {
	var msg wire.ForwardedTCPIPMsg
	if err := ssh.Unmarshal(typeData, &msg); err != nil {
		return &connsvc.OpenFailure{
			ReasonCode: wire.ReasonConnectFailed,
			Message:    fmt.Sprintf("malformed direct-tcpip payload: %s", err),
		}
	}
	destAddr := net.JoinHostPort(msg.Host, fmt.Sprintf("%d", msg.Port))
	conn, err := d.cfg.Dial(ctx, "tcp", destAddr)
	if err != nil {
		return &connsvc.OpenFailure{
			ReasonCode: wire.ReasonConnectFailed,
			Message:    fmt.Sprintf("connect to %s: %s", destAddr, err),
		}
	}

	d.debugf("direct-tcpip established to %s", destAddr)
	stream := ch.Stream()
	go pipeAndClose(stream, conn)
	return nil
}

func (d *directTCPIPChannel) debugf(f string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Debug(fmt.Sprintf(f, args...))
	}
}

// pipeAndClose copies data in both directions between a and b, closing
// both once either side's copy finishes.
func pipeAndClose(a, b io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() {
		a.Close()
		b.Close()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		once.Do(closeBoth)
	}()
	wg.Wait()
}
