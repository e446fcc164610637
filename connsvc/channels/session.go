// Package channels provides ChannelType implementations for the standard
// RFC 4254 channel kinds: an interactive/exec "session" (with pty and sftp
// subsystem support) and the direct-tcpip port-forwarding channel a client
// opens to reach a host through the server.
package channels

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/jpillora/connsvc/connsvc"
	"github.com/jpillora/connsvc/connsvc/forward"
	"github.com/jpillora/connsvc/connsvc/wire"
)

// SessionConfig controls what a "session" channel is allowed to do.
type SessionConfig struct {
	Shell       string
	WorkDir     string
	IgnoreEnv   bool
	DisableSFTP bool
	X11         *forward.X11Forward
	Agent       *forward.AgentForward
	Logger      *slog.Logger
}

// NewSessionFactory returns a ChannelFactory for the "session" channel
// type: shell, exec and sftp subsystem requests, pty allocation and resize.
func NewSessionFactory(cfg SessionConfig) connsvc.ChannelFactory {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell()
	}
	return func() connsvc.ChannelType {
		return &sessionChannel{cfg: cfg}
	}
}

type sessionChannel struct {
	cfg     SessionConfig
	env     []string
	resizes chan []byte

	mu       sync.Mutex
	started  bool
	cleanups []func()
}

func (s *sessionChannel) Open(ctx context.Context, ch *connsvc.Channel, typeData []byte) error {
	s.resizes = make(chan []byte, 8)
	ch.Handle(s.handleRequest)
	go func() {
		ch.WaitClosed().Wait(context.Background())
		s.runCleanups()
	}()
	return nil
}

func (s *sessionChannel) handleRequest(ch *connsvc.Channel, name string, wantReply bool, payload []byte) (connsvc.RequestResult, error) {
	switch name {
	case "pty-req":
		return s.handlePtyReq(payload)
	case "window-change":
		return s.handleWindowChange(payload)
	case "env":
		return s.handleEnv(payload)
	case "shell":
		return s.handleShell(ch)
	case "exec":
		return s.handleExec(ch, payload)
	case "subsystem":
		return s.handleSubsystem(ch, payload)
	case "x11-req":
		return s.handleX11Req(payload)
	case "auth-agent-req@openssh.com":
		return s.handleAgentReq()
	default:
		return connsvc.Unsupported, nil
	}
}

func (s *sessionChannel) handleX11Req(payload []byte) (connsvc.RequestResult, error) {
	if s.cfg.X11 == nil {
		return connsvc.ReplyFailure, nil
	}
	display, err := s.cfg.X11.Handle(payload)
	if err != nil {
		return connsvc.ReplyFailure, fmt.Errorf("x11-req: %w", err)
	}
	s.env = appendEnv(s.env, "DISPLAY="+display)
	return connsvc.ReplySuccess, nil
}

func (s *sessionChannel) handleAgentReq() (connsvc.RequestResult, error) {
	if s.cfg.Agent == nil {
		return connsvc.ReplyFailure, nil
	}
	sockPath, cleanup, err := s.cfg.Agent.Handle()
	if err != nil {
		return connsvc.ReplyFailure, fmt.Errorf("auth-agent-req: %w", err)
	}
	s.addCleanup(cleanup)
	s.env = appendEnv(s.env, "SSH_AUTH_SOCK="+sockPath)
	return connsvc.ReplySuccess, nil
}

func (s *sessionChannel) addCleanup(f func()) {
	s.mu.Lock()
	s.cleanups = append(s.cleanups, f)
	s.mu.Unlock()
}

func (s *sessionChannel) runCleanups() {
	s.mu.Lock()
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()
	for _, f := range cleanups {
		f()
	}
}

func (s *sessionChannel) handlePtyReq(payload []byte) (connsvc.RequestResult, error) {
	var msg wire.PtyRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return connsvc.ReplyFailure, fmt.Errorf("malformed pty-req: %w", err)
	}
	if !hasEnv(s.env, "TERM") && msg.Term != "" {
		s.env = append(s.env, "TERM="+msg.Term)
	}
	select {
	case s.resizes <- encodeDims(msg.Columns, msg.Rows):
	default:
	}
	return connsvc.ReplySuccess, nil
}

func (s *sessionChannel) handleWindowChange(payload []byte) (connsvc.RequestResult, error) {
	var msg wire.WindowChangeMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return connsvc.ReplyFailure, fmt.Errorf("malformed window-change: %w", err)
	}
	select {
	case s.resizes <- encodeDims(msg.Columns, msg.Rows):
	default:
	}
	return connsvc.ReplySuccess, nil
}

func (s *sessionChannel) handleEnv(payload []byte) (connsvc.RequestResult, error) {
	var msg wire.EnvRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return connsvc.ReplyFailure, fmt.Errorf("malformed env: %w", err)
	}
	if !s.cfg.IgnoreEnv {
		s.env = appendEnv(s.env, msg.Name+"="+msg.Value)
	}
	return connsvc.ReplySuccess, nil
}

func (s *sessionChannel) handleShell(ch *connsvc.Channel) (connsvc.RequestResult, error) {
	if !s.claimStart() {
		return connsvc.ReplyFailure, fmt.Errorf("session already has a shell or exec running")
	}
	args := []string{}
	switch filepath.Base(s.cfg.Shell) {
	case "bash", "fish":
		args = append(args, "-l")
	}
	cmd := exec.Command(s.cfg.Shell, args...)
	go s.runInteractive(ch, cmd)
	return connsvc.ReplySuccess, nil
}

func (s *sessionChannel) handleExec(ch *connsvc.Channel, payload []byte) (connsvc.RequestResult, error) {
	var msg wire.ExecRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return connsvc.ReplyFailure, fmt.Errorf("malformed exec: %w", err)
	}
	if !s.claimStart() {
		return connsvc.ReplyFailure, fmt.Errorf("session already has a shell or exec running")
	}
	go s.runExec(ch, msg.Command)
	return connsvc.ReplySuccess, nil
}

func (s *sessionChannel) handleSubsystem(ch *connsvc.Channel, payload []byte) (connsvc.RequestResult, error) {
	var msg wire.SubsystemRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return connsvc.ReplyFailure, fmt.Errorf("malformed subsystem: %w", err)
	}
	if msg.Name != "sftp" {
		return connsvc.ReplyFailure, nil
	}
	if s.cfg.DisableSFTP {
		return connsvc.ReplyFailure, nil
	}
	if !s.claimStart() {
		return connsvc.ReplyFailure, fmt.Errorf("session already has a shell or exec running")
	}
	go s.runSFTP(ch)
	return connsvc.ReplySuccess, nil
}

func (s *sessionChannel) claimStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

// runInteractive attaches a pty-backed shell to ch, piping in both
// directions until either side closes.
func (s *sessionChannel) runInteractive(ch *connsvc.Channel, cmd *exec.Cmd) {
	setSysProcAttr(cmd)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	if !hasEnv(s.env, "TERM") {
		s.env = append(s.env, "TERM=xterm-256color")
	}
	cmd.Env = s.env

	ptyFile, err := startPTY(cmd)
	if err != nil {
		s.debugf("could not start pty: %s", err)
		ch.Close()
		return
	}

	var once sync.Once
	closeFunc := func() {
		ch.Close()
		killProcess(cmd)
		ptyFile.Close()
	}

	go func() {
		for dims := range s.resizes {
			w, h := parseDims(dims)
			setWinsize(ptyFile, w, h)
		}
	}()

	stream := ch.Stream()
	go func() {
		io.Copy(stream, ptyFile)
		once.Do(closeFunc)
	}()
	go func() {
		io.Copy(ptyFile, stream)
		once.Do(closeFunc)
	}()
	if cmd.Process != nil {
		cmd.Process.Wait()
	}
	once.Do(closeFunc)
}

// runExec runs command with no pty attached, piping stdio to ch and
// sending "exit-status" once it completes.
func (s *sessionChannel) runExec(ch *connsvc.Channel, command string) {
	defer ch.Close()
	cmd := exec.Command(s.cfg.Shell, "-c", command)
	setSysProcAttr(cmd)
	if s.cfg.WorkDir != "" {
		cmd.Dir = s.cfg.WorkDir
	}
	cmd.Env = s.env
	stream := ch.Stream()
	cmd.Stdin = stream
	cmd.Stdout = stream
	cmd.Stderr = stream

	var exitCode uint32
	if err := cmd.Run(); err != nil {
		s.debugf("command execution failed: %s", err)
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = uint32(exitErr.ExitCode())
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch.SendEOF()
	if _, err := ch.SendRequest(ctx, "exit-status", false, ssh.Marshal(&wire.ExitStatusMsg{Status: exitCode})); err != nil {
		s.debugf("failed to send exit-status: %s", err)
	}
}

func (s *sessionChannel) runSFTP(ch *connsvc.Channel) {
	defer ch.Close()
	opts := []sftp.ServerOption{}
	if d, err := os.UserHomeDir(); err == nil {
		opts = append(opts, sftp.WithServerWorkingDirectory(d))
	}
	server, err := sftp.NewServer(ch.Stream(), opts...)
	if err != nil {
		s.debugf("failed to create sftp server: %s", err)
		return
	}
	if err := server.Serve(); err != nil && err != io.EOF {
		s.debugf("sftp request error: %s", err)
	}
}

func (s *sessionChannel) debugf(f string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Debug(fmt.Sprintf(f, args...))
	}
}

func killProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err == nil {
		time.Sleep(100 * time.Millisecond)
	}
	cmd.Process.Kill()
	cmd.Process.Wait()
}

func encodeDims(w, h uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b, w)
	binary.BigEndian.PutUint32(b[4:], h)
	return b
}

func appendEnv(env []string, kv string) []string {
	p := strings.SplitN(kv, "=", 2)
	k := p[0] + "="
	for i, e := range env {
		if strings.HasPrefix(e, k) {
			env[i] = kv
			return env
		}
	}
	return append(env, kv)
}

func hasEnv(env []string, key string) bool {
	k := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, k) {
			return true
		}
	}
	return false
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}
