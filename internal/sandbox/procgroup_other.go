//go:build !(darwin || linux)

package sandbox

import (
	"os"
	"os/exec"
	"time"
)

// setupProcessGroup only bounds the wait after cancellation here; the
// direct child is killed through exec.CommandContext's default Cancel.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = 3 * time.Second
}

// killProcessGroup has no group to signal; descendants are not tracked.
func killProcessGroup(*exec.Cmd) error { return os.ErrProcessDone }
