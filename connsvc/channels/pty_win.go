//go:build windows

package channels

import (
	"os/exec"

	"github.com/jpillora/connsvc/internal/winpty"
)

func init() {
	startPTY = func(cmd *exec.Cmd) (PTY, error) {
		return winpty.Start(cmd)
	}
	setWinsize = func(t FdHolder, w, h uint32) {
		_ = winpty.Setsize(t, &winpty.Winsize{Rows: uint16(h), Cols: uint16(w)})
	}
}
