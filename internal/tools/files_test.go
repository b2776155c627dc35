package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
)

func toolContext(cwd string) *agent.ToolContext {
	return &agent.ToolContext{Cwd: cwd, ReadTimestamps: agent.NewFileTimestamps()}
}

// callTool drains a tool call and returns its terminal event.
func callTool(t *testing.T, tool agent.Tool, input string, tc *agent.ToolContext) agent.ToolEvent {
	t.Helper()
	var last agent.ToolEvent
	seen := false
	for ev := range tool.Call(context.Background(), json.RawMessage(input), tc) {
		if ev.Type == agent.ToolEventResult {
			last = ev
			seen = true
		}
	}
	if !seen {
		t.Fatal("tool closed without a terminal result")
	}
	return last
}

func TestReadFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour"), 0o644); err != nil {
		t.Fatal(err)
	}
	tc := toolContext(dir)

	ev := callTool(t, NewReadFileTool(), `{"path":"notes.txt"}`, tc)
	if ev.Err != nil {
		t.Fatalf("read: %v", ev.Err)
	}
	if got := ev.Data.(string); got != "one\ntwo\nthree\nfour" {
		t.Fatalf("content = %q", got)
	}
	if _, ok := tc.ReadTimestamps.Get(path); !ok {
		t.Fatal("read did not touch the timestamp map")
	}

	// Offset and limit slice lines 1-based.
	ev = callTool(t, NewReadFileTool(), `{"path":"notes.txt","offset":2,"limit":2}`, tc)
	if got := ev.Data.(string); !strings.HasPrefix(got, "two\nthree") {
		t.Fatalf("sliced content = %q", got)
	}
	if !strings.Contains(ev.Data.(string), "truncated") {
		t.Fatalf("limited read not flagged: %q", ev.Data)
	}

	ev = callTool(t, NewReadFileTool(), `{"path":"missing.txt"}`, tc)
	if ev.Err == nil {
		t.Fatal("missing file read succeeded")
	}
	ev = callTool(t, NewReadFileTool(), fmt.Sprintf(`{"path":%q}`, dir), tc)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "directory") {
		t.Fatalf("directory read: %v", ev.Err)
	}
}

func TestSliceLines(t *testing.T) {
	content := "a\nb\nc\nd\ne"
	got, truncated := sliceLines(content, 2, 2)
	if got != "b\nc" || !truncated {
		t.Fatalf("sliceLines(2,2) = %q %v", got, truncated)
	}
	got, truncated = sliceLines(content, 0, 0)
	if got != content || truncated {
		t.Fatalf("no-op slice = %q %v", got, truncated)
	}
	got, truncated = sliceLines(content, 4, 10)
	if got != "d\ne" || truncated {
		t.Fatalf("tail slice = %q %v", got, truncated)
	}
	got, _ = sliceLines(content, 99, 1)
	if got != "" {
		t.Fatalf("past-the-end slice = %q", got)
	}
}

func TestWriteFileToolCreatesNewFile(t *testing.T) {
	dir := t.TempDir()
	tc := toolContext(dir)

	ev := callTool(t, NewWriteFileTool(), `{"path":"sub/out.txt","content":"hello"}`, tc)
	if ev.Err != nil {
		t.Fatalf("write: %v", ev.Err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sub", "out.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("written content = %q (%v)", data, err)
	}
}

func TestWriteFileToolRequiresPriorRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.txt")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	tc := toolContext(dir)

	ev := callTool(t, NewWriteFileTool(), `{"path":"existing.txt","content":"clobber"}`, tc)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "has not been read") {
		t.Fatalf("unread overwrite: %v", ev.Err)
	}

	// After a read the write goes through.
	callTool(t, NewReadFileTool(), `{"path":"existing.txt"}`, tc)
	ev = callTool(t, NewWriteFileTool(), `{"path":"existing.txt","content":"updated"}`, tc)
	if ev.Err != nil {
		t.Fatalf("write after read: %v", ev.Err)
	}
}

func TestWriteFileToolDetectsExternalChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	tc := toolContext(dir)
	callTool(t, NewReadFileTool(), `{"path":"shared.txt"}`, tc)

	// Simulate an external edit after the read.
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	ev := callTool(t, NewWriteFileTool(), `{"path":"shared.txt","content":"v2"}`, tc)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "changed on disk") {
		t.Fatalf("external change missed: %v", ev.Err)
	}
}

func TestEditFileTool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "code.go")
	if err := os.WriteFile(path, []byte("foo bar foo"), 0o644); err != nil {
		t.Fatal(err)
	}
	tc := toolContext(dir)
	callTool(t, NewReadFileTool(), `{"path":"code.go"}`, tc)

	// Ambiguous match without replace_all is refused.
	ev := callTool(t, NewEditFileTool(), `{"path":"code.go","old_string":"foo","new_string":"baz"}`, tc)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "2 times") {
		t.Fatalf("ambiguous edit: %v", ev.Err)
	}

	ev = callTool(t, NewEditFileTool(), `{"path":"code.go","old_string":"foo","new_string":"baz","replace_all":true}`, tc)
	if ev.Err != nil {
		t.Fatalf("replace_all: %v", ev.Err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "baz bar baz" {
		t.Fatalf("content = %q", data)
	}

	ev = callTool(t, NewEditFileTool(), `{"path":"code.go","old_string":"absent","new_string":"x"}`, tc)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "not found") {
		t.Fatalf("missing old_string: %v", ev.Err)
	}

	ev = callTool(t, NewEditFileTool(), `{"path":"code.go","old_string":"bar","new_string":"bar"}`, tc)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "identical") {
		t.Fatalf("identical strings: %v", ev.Err)
	}
}

func TestEditFileToolUniqueMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "one.txt")
	if err := os.WriteFile(path, []byte("alpha beta gamma"), 0o644); err != nil {
		t.Fatal(err)
	}
	tc := toolContext(dir)
	callTool(t, NewReadFileTool(), `{"path":"one.txt"}`, tc)

	ev := callTool(t, NewEditFileTool(), `{"path":"one.txt","old_string":"beta","new_string":"delta"}`, tc)
	if ev.Err != nil {
		t.Fatalf("edit: %v", ev.Err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "alpha delta gamma" {
		t.Fatalf("content = %q", data)
	}
}

func TestResolvePath(t *testing.T) {
	if got := resolvePath("/work", "sub/file.txt"); got != "/work/sub/file.txt" {
		t.Fatalf("relative = %s", got)
	}
	if got := resolvePath("/work", "/abs/file.txt"); got != "/abs/file.txt" {
		t.Fatalf("absolute = %s", got)
	}
}
