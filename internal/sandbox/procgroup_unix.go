//go:build darwin || linux

package sandbox

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// processGroupWaitDelay bounds how long Wait waits for the shell after the
// group was signalled before exec falls back to Process.Kill.
const processGroupWaitDelay = 3 * time.Second

// setupProcessGroup runs cmd in its own session and makes context
// cancellation kill the whole process group, so children started by the
// shell cannot outlive a timeout.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true

	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = processGroupWaitDelay
}

// killProcessGroup sends SIGKILL to every process left in cmd's group.
// It returns os.ErrProcessDone when nothing was there to kill.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	pid := cmd.Process.Pid
	// kill(-1) and kill(0) would hit far more than our child.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
