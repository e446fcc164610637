// Package forward implements RFC 4254 §7 TCP/IP port forwarding on top of
// a connsvc.Session: the "tcpip-forward"/"cancel-tcpip-forward" global
// requests and the "forwarded-tcpip" channels opened back to the peer for
// each accepted connection.
package forward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/wire"
)

// dialTimeout bounds how long opening the reverse "forwarded-tcpip"
// channel back to the peer may take before the accepted connection is
// dropped.
const dialTimeout = 10 * time.Second

// TCPIPForwarder answers "tcpip-forward" global requests by binding a
// listener and, for each accepted connection, opening a "forwarded-tcpip"
// channel back across the session. NewTCPIPForwarder registers it with both
// Session.Use (to see the global requests) and Session.AddSubService (so
// Close tears down its listeners alongside the session's channels).
type TCPIPForwarder struct {
	session *connsvc.Session
	logger  *slog.Logger

	mu        sync.Mutex
	listeners map[string]net.Listener
}

// NewTCPIPForwarder wires a forwarder against session: it registers itself
// as a global-request handler and a sub-service, so callers only need to
// keep the returned value around if they want to inspect it.
func NewTCPIPForwarder(session *connsvc.Session, logger *slog.Logger) *TCPIPForwarder {
	f := &TCPIPForwarder{
		session:   session,
		logger:    logger,
		listeners: make(map[string]net.Listener),
	}
	session.Use(f.handleGlobalRequest)
	session.AddSubService(f)
	return f
}

func (f *TCPIPForwarder) handleGlobalRequest(s *connsvc.Session, name string, wantReply bool, payload []byte) (connsvc.RequestResult, error) {
	switch name {
	case "tcpip-forward":
		return f.handleForward(payload)
	case "cancel-tcpip-forward":
		return f.handleCancel(payload)
	default:
		return connsvc.Unsupported, nil
	}
}

func (f *TCPIPForwarder) handleForward(payload []byte) (connsvc.RequestResult, error) {
	var msg wire.TCPIPForwardMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return connsvc.ReplyFailure, fmt.Errorf("malformed tcpip-forward: %w", err)
	}
	bindAddr := net.JoinHostPort(msg.Host, fmt.Sprintf("%d", msg.Port))
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		f.debugf("tcpip-forward listen on %s failed: %s", bindAddr, err)
		return connsvc.ReplyFailure, nil
	}

	// Key by the port actually bound, so a cancel naming the port returned
	// for a port-0 request finds this listener.
	port := uint32(listener.Addr().(*net.TCPAddr).Port)
	boundAddr := net.JoinHostPort(msg.Host, fmt.Sprintf("%d", port))
	f.mu.Lock()
	f.listeners[boundAddr] = listener
	f.mu.Unlock()

	go f.acceptReverseConnections(listener, msg.Host, port)

	f.session.ReplyGlobalRequestSuccess(ssh.Marshal(&wire.TCPIPForwardReplyMsg{Port: port}))
	return connsvc.Replied, nil
}

func (f *TCPIPForwarder) handleCancel(payload []byte) (connsvc.RequestResult, error) {
	var msg wire.TCPIPForwardMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return connsvc.ReplyFailure, fmt.Errorf("malformed cancel-tcpip-forward: %w", err)
	}
	bindAddr := net.JoinHostPort(msg.Host, fmt.Sprintf("%d", msg.Port))

	f.mu.Lock()
	listener, ok := f.listeners[bindAddr]
	if ok {
		delete(f.listeners, bindAddr)
	}
	f.mu.Unlock()

	if !ok {
		return connsvc.ReplyFailure, nil
	}
	listener.Close()
	return connsvc.ReplySuccess, nil
}

func (f *TCPIPForwarder) acceptReverseConnections(listener net.Listener, host string, port uint32) {
	defer listener.Close()
	for {
		conn, err := listener.Accept()
		if err != nil {
			f.debugf("tcpip-forward accept on %s:%d stopped: %s", host, port, err)
			return
		}
		go f.handleReverseConnection(conn, host, port)
	}
}

func (f *TCPIPForwarder) handleReverseConnection(conn net.Conn, host string, port uint32) {
	defer conn.Close()

	remoteAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		f.debugf("forwarded-tcpip: unexpected remote addr type %T", conn.RemoteAddr())
		return
	}
	payload := ssh.Marshal(&wire.ForwardedTCPIPMsg{
		Host:       host,
		Port:       port,
		OriginHost: remoteAddr.IP.String(),
		OriginPort: uint32(remoteAddr.Port),
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	ch, err := f.session.OpenChannel(ctx, "forwarded-tcpip", payload)
	if err != nil {
		f.debugf("failed to open forwarded-tcpip channel: %s", err)
		return
	}
	defer ch.Close()

	stream := ch.Stream()
	pipeAndClose(stream, conn)
}

// Close closes every listener this forwarder opened, satisfying
// connsvc.Closeable so the session's shutdown path tears it down.
func (f *TCPIPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, listener := range f.listeners {
		listener.Close()
		delete(f.listeners, addr)
	}
	return nil
}

func (f *TCPIPForwarder) debugf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(fmt.Sprintf(format, args...))
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
