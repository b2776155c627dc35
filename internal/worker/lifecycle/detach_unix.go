//go:build !windows

package lifecycle

import (
	"os/exec"
	"syscall"
)

// detach puts the daemon in its own session so it survives the CLI's
// terminal going away.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
