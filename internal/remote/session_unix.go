//go:build !windows

package remote

import (
	"os/exec"
	"syscall"
)

// detachSession runs the command in its own session with no controlling
// terminal, forcing ssh onto the askpass path.
func detachSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
