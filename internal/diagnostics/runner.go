package diagnostics

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"time"
)

// CommandSpec describes one command run.
type CommandSpec struct {
	Command string
	Cwd     string
	Env     map[string]string
	Timeout time.Duration
}

// CommandResult is one attempt's raw outcome.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Failed reports whether the attempt should be diagnosed.
func (r CommandResult) Failed() bool {
	return r.ExitCode != 0 || r.TimedOut
}

// CommandRunner executes one command attempt.
type CommandRunner interface {
	Run(ctx context.Context, spec CommandSpec) (CommandResult, error)
}

// ExecRunner runs commands through the shell.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, spec CommandSpec) (CommandResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", spec.Command)
	cmd.Dir = spec.Cwd
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	return result, nil
}

// Outcome is the final result of a diagnosed run: the last attempt plus the
// diagnosis attached when it failed.
type Outcome struct {
	CommandResult
	Diagnosis *Diagnosis
	Attempts  int
	AutoFixed []Fix
}

// maxAttempts bounds the retry loop: the initial run plus fixes.
const maxAttempts = 3

// Runner wraps a CommandRunner with classify-fix-retry.
type Runner struct {
	exec CommandRunner
}

// NewRunner returns a diagnosing runner; nil exec uses the shell.
func NewRunner(exec CommandRunner) *Runner {
	if exec == nil {
		exec = ExecRunner{}
	}
	return &Runner{exec: exec}
}

// Run executes the command. Classifiable auto-fixable failures get their fix
// applied and the command re-run, at most one fix per failure kind and at
// most maxAttempts runs total. Anything else returns with the diagnosis
// attached for the caller to surface.
func (r *Runner) Run(ctx context.Context, spec CommandSpec) (*Outcome, error) {
	applied := make(map[Kind]bool)
	var fixes []Fix

	for attempt := 1; ; attempt++ {
		result, err := r.exec.Run(ctx, spec)
		if err != nil {
			return nil, err
		}
		outcome := &Outcome{CommandResult: result, Attempts: attempt, AutoFixed: fixes}
		if !result.Failed() {
			return outcome, nil
		}

		diag := Classify(result.Stderr + "\n" + result.Stdout)
		outcome.Diagnosis = &diag

		if attempt >= maxAttempts || !diag.AutoFixable || applied[diag.Kind] || len(diag.SuggestedFixes) == 0 {
			if applied[diag.Kind] && !diag.RequiresUserInput {
				// The fix did not help; stop guessing and ask.
				diag.RequiresUserInput = true
				diag.UserQuestion = "Automatic remediation did not resolve the failure. How should this proceed?"
				diag.AutoFixable = false
			}
			return outcome, nil
		}

		fix := diag.SuggestedFixes[0]
		applied[diag.Kind] = true
		fixes = append(fixes, fix)
		spec = applyFix(spec, fix)

		select {
		case <-ctx.Done():
			return outcome, ctx.Err()
		default:
		}
	}
}

// applyFix folds a fix into the next attempt's spec. The env map is copied
// before mutation; the caller's spec stays untouched.
func applyFix(spec CommandSpec, fix Fix) CommandSpec {
	switch fix.Type {
	case FixSetEnv:
		spec.Env = cloneEnv(spec.Env, len(fix.Env))
		for k, v := range fix.Env {
			spec.Env[k] = v
		}
	case FixRetryWithTimeout:
		spec.Timeout = time.Duration(fix.TimeoutMS) * time.Millisecond
	case FixUseMirror:
		spec.Env = cloneEnv(spec.Env, 1)
		spec.Env["ANVIL_MIRROR_URL"] = fix.MirrorURL
	case FixCustom:
		spec.Command = fix.Command
	}
	return spec
}

func cloneEnv(env map[string]string, extra int) map[string]string {
	out := make(map[string]string, len(env)+extra)
	for k, v := range env {
		out[k] = v
	}
	return out
}
