//go:build windows

package remote

import "os/exec"

// detachSession is a no-op on Windows; ssh.exe has no controlling terminal
// to fall back to and honors SSH_ASKPASS directly.
func detachSession(_ *exec.Cmd) {}
