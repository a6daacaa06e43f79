//go:build unix

package tools

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// configureProcessGroup starts cmd in its own process group so that
// cancellation kills every descendant, not just the shell.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if err != nil && !errors.Is(err, syscall.ESRCH) {
			return cmd.Process.Kill()
		}
		return nil
	}
	// Bounds how long Wait waits on pipes still held open by stray children.
	cmd.WaitDelay = 2 * time.Second
}
