// Package tools provides the built-in leaf tools: shell execution and file
// access. Each tool keeps its typed input struct private and registers a
// reflected JSON schema.
package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
	"github.com/haasonsaas/anvil/internal/diagnostics"
)

// defaultBashTimeout bounds a shell command when the model gives none.
const defaultBashTimeout = 30 * time.Second

// maxBashOutput truncates captured output handed back to the model.
const maxBashOutput = 100_000

type bashInput struct {
	Command string `json:"command" jsonschema:"required" jsonschema_description:"The shell command to execute"`
	Timeout int    `json:"timeout,omitempty" jsonschema_description:"Timeout in seconds (default 30)"`
	Cwd     string `json:"cwd,omitempty" jsonschema_description:"Working directory, relative to the project root"`
}

type bashResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Attempts int    `json:"attempts,omitempty"`
}

// BashTool runs shell commands through the diagnostics wrapper, streaming
// output lines as they appear.
type BashTool struct{}

func NewBashTool() *BashTool { return &BashTool{} }

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Execute a shell command in the project directory. Output is streamed; " +
		"common transient failures (timeouts, flaky networks) are retried once with a fix applied."
}

func (t *BashTool) Schema() json.RawMessage { return agent.SchemaFor[bashInput]() }

func (t *BashTool) IsReadOnly(json.RawMessage) bool        { return false }
func (t *BashTool) IsConcurrencySafe(json.RawMessage) bool { return false }

func (t *BashTool) Call(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) <-chan agent.ToolEvent {
	events := make(chan agent.ToolEvent, 16)
	go func() {
		defer close(events)

		var params bashInput
		if err := json.Unmarshal(input, &params); err != nil {
			events <- agent.ErrorEvent(fmt.Errorf("bash: malformed input: %w", err))
			return
		}

		timeout := defaultBashTimeout
		if params.Timeout > 0 {
			timeout = time.Duration(params.Timeout) * time.Second
		}
		cwd := tc.Cwd
		if params.Cwd != "" {
			cwd = resolvePath(tc.Cwd, params.Cwd)
		}

		runner := diagnostics.NewRunner(&streamingExec{emit: func(line string) {
			select {
			case events <- agent.StreamEvent(line):
			case <-ctx.Done():
			}
		}})

		outcome, err := runner.Run(ctx, diagnostics.CommandSpec{
			Command: params.Command,
			Cwd:     cwd,
			Timeout: timeout,
		})
		if err != nil {
			events <- agent.ErrorEvent(err)
			return
		}

		result := bashResult{
			Stdout:   truncateOutput(outcome.Stdout),
			Stderr:   truncateOutput(outcome.Stderr),
			ExitCode: outcome.ExitCode,
			Attempts: outcome.Attempts,
		}
		if outcome.Failed() {
			events <- agent.ErrorEvent(fmt.Errorf("%s", renderFailure(result, outcome)))
			return
		}
		events <- agent.ResultEvent(result)
	}()
	return events
}

func (t *BashTool) RenderResult(data any) string {
	result, ok := data.(bashResult)
	if !ok {
		return ""
	}
	if result.Stdout == "" && result.Stderr == "" {
		return "(no output)"
	}
	if result.Stderr == "" {
		return result.Stdout
	}
	return result.Stdout + "\n[stderr]\n" + result.Stderr
}

// renderFailure prefixes the error text with the diagnosis when one exists.
func renderFailure(result bashResult, outcome *diagnostics.Outcome) string {
	var sb strings.Builder
	if outcome.Diagnosis != nil && outcome.Diagnosis.Kind != diagnostics.KindUnknown {
		fmt.Fprintf(&sb, "[%s] ", outcome.Diagnosis.Kind)
	}
	if outcome.TimedOut {
		sb.WriteString("command timed out")
	} else {
		fmt.Fprintf(&sb, "command exited with code %d", result.ExitCode)
	}
	if result.Stderr != "" {
		sb.WriteString("\n")
		sb.WriteString(result.Stderr)
	} else if result.Stdout != "" {
		sb.WriteString("\n")
		sb.WriteString(result.Stdout)
	}
	if outcome.Diagnosis != nil && outcome.Diagnosis.UserQuestion != "" {
		sb.WriteString("\n")
		sb.WriteString(outcome.Diagnosis.UserQuestion)
	}
	return sb.String()
}

// streamingExec runs a command with stdout tee'd line by line into emit
// while still capturing everything for the result.
type streamingExec struct {
	emit func(line string)
}

func (s *streamingExec) Run(ctx context.Context, spec diagnostics.CommandSpec) (diagnostics.CommandResult, error) {
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
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return diagnostics.CommandResult{}, err
	}
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return diagnostics.CommandResult{}, err
	}

	scanner := bufio.NewScanner(io.TeeReader(stdoutPipe, &stdout))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.emit(scanner.Text())
	}

	err = cmd.Wait()
	result := diagnostics.CommandResult{
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

func truncateOutput(s string) string {
	if len(s) <= maxBashOutput {
		return s
	}
	return s[:maxBashOutput] + "\n... (output truncated)"
}
