//go:build unix

package core

import (
	"os/exec"
	"syscall"
)

// setProcessGroup makes cancellation kill the whole process tree of a
// step, not only its shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
