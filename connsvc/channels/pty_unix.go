//go:build !windows

package channels

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/term"
)

func init() {
	startPTY = func(cmd *exec.Cmd) (PTY, error) {
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		if _, err := term.MakeRaw(int(f.Fd())); err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	}
	setWinsize = func(t FdHolder, w, h uint32) {
		f, ok := t.(*os.File)
		if !ok {
			return
		}
		_ = pty.Setsize(f, &pty.Winsize{Rows: uint16(h), Cols: uint16(w)})
	}
}
