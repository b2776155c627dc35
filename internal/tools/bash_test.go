package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/anvil/internal/agent"
)

// runBash drains a bash call, separating stream lines from the terminal
// event.
func runBash(t *testing.T, input string, tc *agent.ToolContext) ([]string, agent.ToolEvent) {
	t.Helper()
	var lines []string
	var last agent.ToolEvent
	seen := false
	for ev := range NewBashTool().Call(context.Background(), json.RawMessage(input), tc) {
		switch ev.Type {
		case agent.ToolEventStream:
			lines = append(lines, ev.Line)
		case agent.ToolEventResult:
			last = ev
			seen = true
		}
	}
	if !seen {
		t.Fatal("bash closed without a terminal result")
	}
	return lines, last
}

func TestBashStreamsAndCapturesOutput(t *testing.T) {
	tc := toolContext(t.TempDir())
	lines, ev := runBash(t, `{"command":"echo one; echo two"}`, tc)
	if ev.Err != nil {
		t.Fatalf("bash: %v", ev.Err)
	}
	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("streamed %v", lines)
	}
	result := ev.Data.(bashResult)
	if result.Stdout != "one\ntwo\n" || result.ExitCode != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestBashNonzeroExitIsError(t *testing.T) {
	tc := toolContext(t.TempDir())
	_, ev := runBash(t, `{"command":"echo oops >&2; exit 7"}`, tc)
	if ev.Err == nil {
		t.Fatal("nonzero exit reported as success")
	}
	msg := ev.Err.Error()
	if !strings.Contains(msg, "exited with code 7") || !strings.Contains(msg, "oops") {
		t.Fatalf("error = %q", msg)
	}
}

func TestBashFailurePrefixedWithDiagnosis(t *testing.T) {
	tc := toolContext(t.TempDir())
	_, ev := runBash(t, `{"command":"echo 'mkdir: permission denied' >&2; exit 1"}`, tc)
	if ev.Err == nil {
		t.Fatal("expected error")
	}
	msg := ev.Err.Error()
	if !strings.HasPrefix(msg, "[permission] ") {
		t.Fatalf("missing diagnosis prefix: %q", msg)
	}
	if !strings.Contains(msg, "?") {
		t.Fatalf("diagnosis question missing: %q", msg)
	}
}

func TestBashRunsInRequestedCwd(t *testing.T) {
	dir := t.TempDir()
	tc := toolContext(dir)
	lines, ev := runBash(t, `{"command":"pwd"}`, tc)
	if ev.Err != nil {
		t.Fatalf("bash: %v", ev.Err)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], dir) {
		t.Fatalf("pwd = %v, want under %s", lines, dir)
	}
}

func TestBashTimeout(t *testing.T) {
	tc := toolContext(t.TempDir())
	_, ev := runBash(t, `{"command":"sleep 5","timeout":1}`, tc)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "timed out") {
		t.Fatalf("timeout error = %v", ev.Err)
	}
}

func TestBashRenderResult(t *testing.T) {
	tool := NewBashTool()
	if got := tool.RenderResult(bashResult{}); got != "(no output)" {
		t.Fatalf("empty render = %q", got)
	}
	if got := tool.RenderResult(bashResult{Stdout: "out"}); got != "out" {
		t.Fatalf("stdout render = %q", got)
	}
	got := tool.RenderResult(bashResult{Stdout: "out", Stderr: "err"})
	if !strings.Contains(got, "[stderr]") || !strings.Contains(got, "err") {
		t.Fatalf("combined render = %q", got)
	}
}
