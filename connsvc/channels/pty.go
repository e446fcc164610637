package channels

import (
	"encoding/binary"
	"io"
	"os/exec"
)

// PTY abstracts the platform-specific pty handle. Implementations are in
// pty_unix.go and pty_win.go.
type PTY interface {
	io.ReadWriteCloser
	FdHolder
}

// FdHolder is satisfied by anything that can report its file descriptor,
// needed by setWinsize to resize the underlying terminal.
type FdHolder interface {
	Fd() uintptr
}

// startPTY starts cmd attached to a new pty. Platform-specific
// implementations are installed by pty_unix.go/pty_win.go's init.
var startPTY func(*exec.Cmd) (PTY, error)

// setWinsize resizes t. Platform-specific implementations are installed by
// pty_unix.go/pty_win.go's init.
var setWinsize func(t FdHolder, w, h uint32)

// parseDims decodes the terminal width/height pair packed by encodeDims
// from a "pty-req" or "window-change" request.
func parseDims(b []byte) (uint32, uint32) {
	w := binary.BigEndian.Uint32(b)
	h := binary.BigEndian.Uint32(b[4:])
	return w, h
}
