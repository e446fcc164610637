package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/jpillora/connsvc/connsvc"
)

// AgentForward answers a session channel's "auth-agent-req@openssh.com"
// request by starting a local agent socket: connections made to it (by
// whatever the session channel ends up running) are spliced into
// "auth-agent@openssh.com" channels opened back across the session, the
// same listener-then-splice shape as TCPIPForwarder and X11Forward.
type AgentForward struct {
	session *connsvc.Session
	logger  *slog.Logger
}

// NewAgentForward wires an AgentForward against session. Like X11Forward
// it is invoked per-channel by a "session" ChannelType, not registered as
// a global-request handler.
func NewAgentForward(session *connsvc.Session, logger *slog.Logger) *AgentForward {
	return &AgentForward{session: session, logger: logger}
}

// Handle starts a local agent socket and returns its path, for the caller
// to put in the session's SSH_AUTH_SOCK environment variable. The
// returned cleanup func removes the socket file; call it once the session
// channel that requested forwarding closes.
func (f *AgentForward) Handle() (sockPath string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "connsvc-agent-")
	if err != nil {
		return "", nil, fmt.Errorf("forward: agent socket dir: %w", err)
	}
	path := filepath.Join(dir, "agent.sock")
	listener, err := net.Listen("unix", path)
	if err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("forward: agent socket listen: %w", err)
	}

	go f.serve(listener)

	cleanup = func() {
		listener.Close()
		os.RemoveAll(dir)
	}
	return path, cleanup, nil
}

func (f *AgentForward) serve(listener net.Listener) {
	defer listener.Close()
	for {
		conn, err := listener.Accept()
		if err != nil {
			f.debugf("agent socket listener stopped: %s", err)
			return
		}
		go f.handleConnection(conn)
	}
}

func (f *AgentForward) handleConnection(conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	ch, err := f.session.OpenChannel(ctx, "auth-agent@openssh.com", nil)
	if err != nil {
		f.debugf("failed to open auth-agent channel: %s", err)
		return
	}
	defer ch.Close()

	pipeAndClose(ch.Stream(), conn)
}

func (f *AgentForward) debugf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(fmt.Sprintf(format, args...))
	}
}
