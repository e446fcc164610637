package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jpillora/jplog"
	"golang.org/x/crypto/ssh"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/channels"
	"github.com/jpillora/connsvc/connsvc/config"
	"github.com/jpillora/connsvc/connsvc/conntest"
	"github.com/jpillora/connsvc/connsvc/forward"
	"github.com/jpillora/connsvc/connsvc/wire"
)

var version string = "0.0.0-src" // set via ldflags

var help = `
  Usage: connsvc-demo [options] <command>

  Version: ` + version + `

  Runs two in-process Connection Service sessions joined by an in-memory
  transport (no real network or key exchange) and uses one to run <command>
  as an "exec" channel on the other, streaming its stdio to this process.

  Options:
    --shell, the shell used to run <command> (defaults to $SHELL)
    --workdir, working directory for the command
    --tcp-forwarding, register the reverse/direct tcpip forwarder too
    --verbose -v, verbose logs

  Read more: https://github.com/jpillora/connsvc

`

func main() {
	flag.Usage = func() {
		fmt.Print(help)
		os.Exit(1)
	}

	shell := flag.String("shell", os.Getenv("SHELL"), "")
	workdir := flag.String("workdir", "", "")
	tcpForwarding := flag.Bool("tcp-forwarding", false, "")
	verbose := flag.Bool("v", false, "")
	verboseLong := flag.Bool("verbose", false, "")
	vf := flag.Bool("version", false, "")
	flag.Parse()

	if *vf {
		fmt.Print(version)
		os.Exit(0)
	}
	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
	}

	h := jplog.Handler(os.Stdout)
	if *verbose || *verboseLong {
		h = h.Verbose()
	}
	logger := slog.New(h)

	if err := run(logger, args[0], *shell, *workdir, *tcpForwarding); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(logger *slog.Logger, command, shell, workdir string, tcpForwarding bool) error {
	sessionID := []byte("connsvc-demo")
	local, remote, _, _ := conntest.NewLinkedSessions(sessionID,
		connsvc.WithLogger(logger),
	)

	sessionCfg := channels.SessionConfig{
		Shell:   shell,
		WorkDir: workdir,
		Logger:  logger,
	}
	if tcpForwarding {
		// remote hosts the session channel and, on x11-req/agent-req,
		// opens channels back to local where the real display/agent live.
		sessionCfg.X11 = forward.NewX11Forward(remote, logger)
		sessionCfg.Agent = forward.NewAgentForward(remote, logger)
		forward.NewTCPIPForwarder(remote, logger)
		forward.NewTCPIPForwarder(local, logger)
		local.Register("x11", channels.NewX11Factory(channels.X11Config{Logger: logger}))
		local.Register("auth-agent@openssh.com", channels.NewAgentFactory(channels.AgentConfig{Logger: logger}))
	}
	remote.Register("session", channels.NewSessionFactory(sessionCfg))
	remote.Register("direct-tcpip", channels.NewDirectTCPIPFactory(channels.DirectTCPIPConfig{
		Logger: logger,
	}))

	openTimeout := config.Default().ChannelOpenTimeout()
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()

	ch, err := local.OpenChannel(ctx, "session", nil)
	if err != nil {
		return fmt.Errorf("open session channel: %w", err)
	}
	defer ch.Close()

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	ch.Handle(func(ch *connsvc.Channel, name string, wantReply bool, payload []byte) (connsvc.RequestResult, error) {
		if name == "exit-status" {
			finish()
		}
		return connsvc.Unsupported, nil
	})
	ch.OnData(func(ch *connsvc.Channel, extended bool, dataType uint32, data []byte) {
		if extended {
			os.Stderr.Write(data)
			return
		}
		os.Stdout.Write(data)
	})
	ch.OnEOF(func(ch *connsvc.Channel) { finish() })

	payload := ssh.Marshal(&wire.ExecRequestMsg{Command: command})
	if _, err := ch.SendRequest(ctx, "exec", true, payload); err != nil {
		return fmt.Errorf("send exec request: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
