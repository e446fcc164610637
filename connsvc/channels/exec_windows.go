//go:build windows

package channels

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr runs cmd in a new process group so it can be killed
// independently of the channel-type goroutine that started it.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
