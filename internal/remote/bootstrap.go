package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/anvil/pkg/models"
)

// BootstrapError reports a failed install-and-launch, carrying the remote
// stderr for the user. Bootstrap failures are never auto-retried.
type BootstrapError struct {
	Stage  string
	Stderr string
	Err    error
}

func (e *BootstrapError) Error() string {
	msg := fmt.Sprintf("bootstrap %s failed", e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += "\nstderr: " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Bootstrapper installs and launches remote workers over ssh.
type Bootstrapper struct {
	// Runtime is the interpreter used to run the worker script on the
	// remote host.
	Runtime string

	// InstallCommand installs Runtime when the probe misses. Empty means
	// installation is not permitted and a missing runtime is fatal.
	InstallCommand string

	// WorkerScript is the script content uploaded to the remote host.
	WorkerScript string

	// RemotePath is where the script lands. Defaults to ~/.anvil-worker.
	RemotePath string

	// ConnectTimeout is handed to ssh. Defaults to 10s.
	ConnectTimeout time.Duration

	// IdleTimeout is how long the remote worker waits without requests
	// before exiting on its own. Defaults to 30 minutes.
	IdleTimeout time.Duration

	// StartWait bounds how long we poll for the worker's start line.
	// Defaults to 15s.
	StartWait time.Duration
}

func (b *Bootstrapper) runtime() string {
	if b.Runtime == "" {
		return "python3"
	}
	return b.Runtime
}

func (b *Bootstrapper) remotePath() string {
	if b.RemotePath == "" {
		return "$HOME/.anvil-worker"
	}
	return b.RemotePath
}

func (b *Bootstrapper) connectTimeout() time.Duration {
	if b.ConnectTimeout <= 0 {
		return 10 * time.Second
	}
	return b.ConnectTimeout
}

func (b *Bootstrapper) idleTimeout() time.Duration {
	if b.IdleTimeout <= 0 {
		return 30 * time.Minute
	}
	return b.IdleTimeout
}

func (b *Bootstrapper) startWait() time.Duration {
	if b.StartWait <= 0 {
		return 15 * time.Second
	}
	return b.StartWait
}

// Bootstrap probes the host, installs the runtime if needed and permitted,
// uploads the worker script, launches it, and returns its coordinates.
func (b *Bootstrapper) Bootstrap(ctx context.Context, host models.RemoteHost) (*models.DaemonInfo, error) {
	if err := b.ensureRuntime(ctx, host); err != nil {
		return nil, err
	}
	if err := b.uploadScript(ctx, host); err != nil {
		return nil, err
	}
	return b.launch(ctx, host)
}

func (b *Bootstrapper) ensureRuntime(ctx context.Context, host models.RemoteHost) error {
	probe := fmt.Sprintf("command -v %s >/dev/null 2>&1", b.runtime())
	if _, _, err := b.runSSH(ctx, host, probe, nil); err == nil {
		return nil
	}
	if b.InstallCommand == "" {
		return &BootstrapError{
			Stage: "probe",
			Err:   fmt.Errorf("%s not found on %s and installation is not permitted", b.runtime(), host.Hostname),
		}
	}
	if _, stderr, err := b.runSSH(ctx, host, b.InstallCommand, nil); err != nil {
		return &BootstrapError{Stage: "install", Stderr: stderr, Err: err}
	}
	return nil
}

// uploadScript pipes the worker script over stdin so no scp dependency or
// remote temp handling is needed.
func (b *Bootstrapper) uploadScript(ctx context.Context, host models.RemoteHost) error {
	cmd := fmt.Sprintf("cat > %s", b.remotePath())
	if _, stderr, err := b.runSSH(ctx, host, cmd, strings.NewReader(b.WorkerScript)); err != nil {
		return &BootstrapError{Stage: "upload", Stderr: stderr, Err: err}
	}
	return nil
}

// launch starts the worker detached and polls its log for the start line.
// Port 0 tells the worker to pick a free port and announce it.
func (b *Bootstrapper) launch(ctx context.Context, host models.RemoteHost) (*models.DaemonInfo, error) {
	token := uuid.NewString()
	idle := int(b.idleTimeout().Seconds())
	attempts := int(b.startWait().Seconds()) * 2

	script := fmt.Sprintf(
		`log=$(mktemp); nohup %s %s 0 %s %d > "$log" 2>&1 & `+
			`for i in $(seq 1 %d); do grep -m1 DAEMON_STARTED "$log" && exit 0; sleep 0.5; done; `+
			`cat "$log" >&2; exit 1`,
		b.runtime(), b.remotePath(), token, idle, attempts)

	stdout, stderr, err := b.runSSH(ctx, host, script, nil)
	if err != nil {
		return nil, &BootstrapError{Stage: "launch", Stderr: stderr, Err: err}
	}
	port, pid, err := parseStartLine(stdout)
	if err != nil {
		return nil, &BootstrapError{Stage: "launch", Stderr: stderr, Err: err}
	}
	return &models.DaemonInfo{Port: port, PID: pid, Token: token, StartedAt: time.Now()}, nil
}

// startLine mirrors what the worker prints; its token field is only a
// liveness echo.
type startLine struct {
	Port  int    `json:"port"`
	Token string `json:"token"`
	PID   int    `json:"pid"`
}

func parseStartLine(output string) (port, pid int, err error) {
	for _, line := range strings.Split(output, "\n") {
		idx := strings.Index(line, "DAEMON_STARTED:")
		if idx < 0 {
			continue
		}
		var parsed startLine
		if err := json.Unmarshal([]byte(line[idx+len("DAEMON_STARTED:"):]), &parsed); err != nil {
			return 0, 0, fmt.Errorf("malformed start line: %w", err)
		}
		if parsed.Port <= 0 {
			return 0, 0, fmt.Errorf("start line missing port")
		}
		return parsed.Port, parsed.PID, nil
	}
	return 0, 0, fmt.Errorf("worker start line not found in output")
}

// sshArgs builds a non-interactive argv for the host. Password auth omits
// BatchMode so the ASKPASS helper can answer the prompt.
func (b *Bootstrapper) sshArgs(host models.RemoteHost) []string {
	args := []string{
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(b.connectTimeout().Seconds())),
	}
	switch host.AuthMethod {
	case models.AuthPassword:
		// BatchMode would refuse the password prompt.
	default:
		args = append(args, "-o", "BatchMode=yes")
	}
	if host.AuthMethod == models.AuthKey && host.KeyPath != "" {
		args = append(args, "-i", host.KeyPath)
	}
	if host.Port != 0 && host.Port != 22 {
		args = append(args, "-p", fmt.Sprintf("%d", host.Port))
	}
	target := host.Hostname
	if host.Username != "" {
		target = host.Username + "@" + host.Hostname
	}
	return append(args, target)
}

// runSSH executes remoteCmd on the host, returning stdout and stderr.
func (b *Bootstrapper) runSSH(ctx context.Context, host models.RemoteHost, remoteCmd string, stdin io.Reader) (string, string, error) {
	args := append(b.sshArgs(host), remoteCmd)
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	var cleanup func()
	if host.AuthMethod == models.AuthPassword {
		helper, err := writeAskpass(host.Password)
		if err != nil {
			return "", "", err
		}
		cleanup = func() { os.Remove(helper) }
		cmd.Env = append(os.Environ(),
			"SSH_ASKPASS="+helper,
			"SSH_ASKPASS_REQUIRE=force",
			"DISPLAY=none:0",
		)
		// Detach from the controlling terminal so ssh falls back to the
		// askpass helper instead of prompting.
		detachSession(cmd)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// writeAskpass writes a throwaway helper that prints the password. Mode 0700,
// removed by the caller as soon as ssh exits.
func writeAskpass(password string) (string, error) {
	f, err := os.CreateTemp("", "anvil-askpass-*.sh")
	if err != nil {
		return "", fmt.Errorf("remote: create askpass helper: %w", err)
	}
	escaped := strings.ReplaceAll(password, "'", `'\''`)
	content := fmt.Sprintf("#!/bin/sh\necho '%s'\n", escaped)
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("remote: write askpass helper: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if err := os.Chmod(f.Name(), 0o700); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("remote: chmod askpass helper: %w", err)
	}
	return f.Name(), nil
}
