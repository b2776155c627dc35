// Package lifecycle manages the daemon process from the CLI side: default
// paths, liveness checks, detached startup, and orderly stop.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/haasonsaas/anvil/internal/worker/client"
	"github.com/haasonsaas/anvil/internal/worker/ipc"
)

// Paths locates the daemon's on-disk state. All files live under one
// directory so a single rm -rf resets the daemon.
type Paths struct {
	Dir    string
	Socket string
	DB     string
	PID    string
	Log    string
}

// DefaultPaths returns the per-user daemon paths under ~/.anvil.
func DefaultPaths() (Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("lifecycle: resolve home: %w", err)
	}
	dir := filepath.Join(home, ".anvil")
	return Paths{
		Dir:    dir,
		Socket: filepath.Join(dir, "worker.sock"),
		DB:     filepath.Join(dir, "worker.db"),
		PID:    filepath.Join(dir, "worker.pid"),
		Log:    filepath.Join(dir, "worker.log"),
	}, nil
}

// startWait is how long StartDaemon waits for the new daemon to answer.
const startWait = 10 * time.Second

// stopWait is how long StopDaemon waits for a graceful exit before
// signalling the process.
const stopWait = 5 * time.Second

// IsRunning reports whether a daemon is answering on the socket.
func IsRunning(ctx context.Context, paths Paths) (bool, *ipc.PingResult) {
	c, err := client.TryConnect(paths.Socket)
	if err != nil || c == nil {
		return false, nil
	}
	defer c.Close()
	pong, err := c.Ping(ctx)
	if err != nil {
		return false, nil
	}
	return true, pong
}

// StartDaemon spawns the daemon binary detached with its stdio redirected to
// the log file, then waits for it to answer a ping. daemonBin "" means the
// anvild next to the current executable, falling back to PATH lookup.
func StartDaemon(ctx context.Context, paths Paths, daemonBin string) error {
	if ok, _ := IsRunning(ctx, paths); ok {
		return nil
	}
	if err := os.MkdirAll(paths.Dir, 0o700); err != nil {
		return fmt.Errorf("lifecycle: create state dir: %w", err)
	}

	bin, err := resolveDaemonBin(daemonBin)
	if err != nil {
		return err
	}
	logFile, err := os.OpenFile(paths.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("lifecycle: open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(bin,
		"--socket", paths.Socket,
		"--db", paths.DB,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("lifecycle: start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// Reparent: the daemon outlives us.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("lifecycle: release daemon process: %w", err)
	}
	if err := os.WriteFile(paths.PID, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		return fmt.Errorf("lifecycle: write pid file: %w", err)
	}

	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		if ok, _ := IsRunning(ctx, paths); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("lifecycle: daemon did not come up within %s (see %s)", startWait, paths.Log)
}

// StopDaemon asks the daemon to shut down, waiting for the socket to go
// quiet. If it does not exit in time and a pid file exists, the process is
// signalled as a fallback.
func StopDaemon(ctx context.Context, paths Paths) error {
	c, err := client.TryConnect(paths.Socket)
	if err != nil {
		return err
	}
	if c == nil {
		os.Remove(paths.PID)
		return nil
	}
	shutdownErr := c.Shutdown(ctx)
	c.Close()
	if shutdownErr != nil && !errors.Is(shutdownErr, client.ErrClientClosed) {
		return shutdownErr
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if ok, _ := IsRunning(ctx, paths); !ok {
			os.Remove(paths.PID)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if pid, err := readPID(paths.PID); err == nil {
		if proc, err := os.FindProcess(pid); err == nil {
			proc.Signal(syscall.SIGTERM)
		}
	}
	os.Remove(paths.PID)
	return nil
}

// Client returns a connection to the daemon, starting it first when nothing
// is listening.
func Client(ctx context.Context, paths Paths, daemonBin string) (*client.Client, error) {
	c, err := client.TryConnect(paths.Socket)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return c, nil
	}
	if err := StartDaemon(ctx, paths, daemonBin); err != nil {
		return nil, err
	}
	return client.Connect(paths.Socket)
}

func resolveDaemonBin(daemonBin string) (string, error) {
	if daemonBin != "" {
		return daemonBin, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "anvild")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	bin, err := exec.LookPath("anvild")
	if err != nil {
		return "", fmt.Errorf("lifecycle: anvild not found next to the CLI or on PATH: %w", err)
	}
	return bin, nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}
