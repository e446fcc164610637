//go:build !windows

package channels

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr puts cmd in its own process group so it can be killed
// independently of the channel-type goroutine that started it.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
