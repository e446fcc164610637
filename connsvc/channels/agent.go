package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/wire"
)

// AgentConfig controls where an inbound "auth-agent@openssh.com" channel's
// data is spliced to: the real local agent socket. Empty uses
// $SSH_AUTH_SOCK.
type AgentConfig struct {
	Socket string
	Logger *slog.Logger
}

// NewAgentFactory returns a ChannelFactory for the "auth-agent@openssh.com"
// channel type: the peer forwarded a connection made to its agent
// listener, and this side splices it to the real local ssh-agent.
func NewAgentFactory(cfg AgentConfig) connsvc.ChannelFactory {
	return func() connsvc.ChannelType {
		return &agentChannel{cfg: cfg}
	}
}

type agentChannel struct {
	cfg AgentConfig
}

func (a *agentChannel) Open(ctx context.Context, ch *connsvc.Channel, typeData []byte) error {
	sock := a.cfg.Socket
	if sock == "" {
		sock = os.Getenv("SSH_AUTH_SOCK")
	}
	if sock == "" {
		return &connsvc.OpenFailure{
			ReasonCode: wire.ReasonAdministrativelyProhibited,
			Message:    "no local agent socket available",
		}
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return &connsvc.OpenFailure{
			ReasonCode: wire.ReasonConnectFailed,
			Message:    fmt.Sprintf("connect to local agent %s: %s", sock, err),
		}
	}

	go pipeAndClose(ch.Stream(), conn)
	return nil
}
