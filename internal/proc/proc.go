// Package proc prepares scanner child processes so that the whole process
// tree can be terminated and reaped on every exit path.
package proc

import (
	"os/exec"
	"time"
)

// WaitDelay bounds how long Wait keeps pipes open after the child was
// killed, so a stray grandchild holding them cannot stall the caller.
const WaitDelay = 2 * time.Second

// Prepare configures cmd to start in its own process group and makes
// context cancellation kill that group instead of just the leader.
// It must be called before cmd.Start.
func Prepare(cmd *exec.Cmd) {
	setGroup(cmd)
	cmd.Cancel = func() error { return Kill(cmd) }
	cmd.WaitDelay = WaitDelay
}

// Kill forcibly terminates the process group started by cmd. Calling it on
// a command that never started, or already exited, is a no-op.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killGroup(cmd)
}
