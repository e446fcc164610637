// Package winpty wraps photostorm's creack/pty fork for Windows PTY
// support, behind the same Start/Setsize shape creack/pty exposes on
// other platforms, so the session channel type's pty_unix.go/pty_win.go
// split only differs in which package it calls.
package winpty

import (
	"os/exec"

	"github.com/creack/pty"
)

// FdHolder is an interface for types that can return their file descriptor.
type FdHolder = pty.FdHolder

// Winsize represents terminal window size.
type Winsize = pty.Winsize

// Start starts a new process connected to a pty and returns the pty handle.
func Start(cmd *exec.Cmd) (pty.Pty, error) {
	return pty.Start(cmd)
}

// Setsize sets the size of the given pty.
func Setsize(t FdHolder, ws *Winsize) error {
	return pty.Setsize(t, ws)
}
