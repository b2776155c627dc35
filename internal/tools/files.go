package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/anvil/internal/agent"
)

// maxReadSize bounds how much of a file the read tool returns.
const maxReadSize = 256 * 1024

// resolvePath joins a possibly-relative path onto the tool cwd.
func resolvePath(cwd, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(cwd, path)
}

type readFileInput struct {
	Path   string `json:"path" jsonschema:"required" jsonschema_description:"File path, absolute or relative to the project root"`
	Offset int    `json:"offset,omitempty" jsonschema_description:"Line number to start reading from (1-based)"`
	Limit  int    `json:"limit,omitempty" jsonschema_description:"Maximum number of lines to return"`
}

// ReadFileTool reads file content and records the read time so the write
// tools can refuse to clobber files the model has not seen.
type ReadFileTool struct{}

func NewReadFileTool() *ReadFileTool { return &ReadFileTool{} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file's content, optionally a line range. Reading a file is required before writing or editing it."
}

func (t *ReadFileTool) Schema() json.RawMessage { return agent.SchemaFor[readFileInput]() }

func (t *ReadFileTool) IsReadOnly(json.RawMessage) bool        { return true }
func (t *ReadFileTool) IsConcurrencySafe(json.RawMessage) bool { return true }

func (t *ReadFileTool) Call(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) <-chan agent.ToolEvent {
	events := make(chan agent.ToolEvent, 1)
	go func() {
		defer close(events)

		var params readFileInput
		if err := json.Unmarshal(input, &params); err != nil {
			events <- agent.ErrorEvent(fmt.Errorf("read_file: malformed input: %w", err))
			return
		}
		path := resolvePath(tc.Cwd, params.Path)

		info, err := os.Stat(path)
		if err != nil {
			events <- agent.ErrorEvent(err)
			return
		}
		if info.IsDir() {
			events <- agent.ErrorEvent(fmt.Errorf("read_file: %s is a directory", path))
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			events <- agent.ErrorEvent(err)
			return
		}

		content := string(data)
		truncated := false
		if params.Offset > 0 || params.Limit > 0 {
			content, truncated = sliceLines(content, params.Offset, params.Limit)
		}
		if len(content) > maxReadSize {
			content = content[:maxReadSize]
			truncated = true
		}
		if truncated {
			content += "\n... (truncated)"
		}

		if tc.ReadTimestamps != nil {
			tc.ReadTimestamps.Touch(path, time.Now())
		}
		events <- agent.ResultEvent(content)
	}()
	return events
}

func (t *ReadFileTool) RenderResult(data any) string {
	s, _ := data.(string)
	return s
}

func sliceLines(content string, offset, limit int) (string, bool) {
	lines := strings.Split(content, "\n")
	start := 0
	if offset > 1 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", false
	}
	end := len(lines)
	truncated := false
	if limit > 0 && start+limit < end {
		end = start + limit
		truncated = true
	}
	return strings.Join(lines[start:end], "\n"), truncated
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"required" jsonschema_description:"File path, absolute or relative to the project root"`
	Content string `json:"content" jsonschema:"required" jsonschema_description:"Full content to write"`
}

// WriteFileTool writes whole files, guarded by the read-before-write check.
type WriteFileTool struct{}

func NewWriteFileTool() *WriteFileTool { return &WriteFileTool{} }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write a file, replacing its content. Existing files must have been read first."
}

func (t *WriteFileTool) Schema() json.RawMessage { return agent.SchemaFor[writeFileInput]() }

func (t *WriteFileTool) IsReadOnly(json.RawMessage) bool        { return false }
func (t *WriteFileTool) IsConcurrencySafe(json.RawMessage) bool { return false }

func (t *WriteFileTool) Call(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) <-chan agent.ToolEvent {
	events := make(chan agent.ToolEvent, 1)
	go func() {
		defer close(events)

		var params writeFileInput
		if err := json.Unmarshal(input, &params); err != nil {
			events <- agent.ErrorEvent(fmt.Errorf("write_file: malformed input: %w", err))
			return
		}
		path := resolvePath(tc.Cwd, params.Path)

		if err := checkReadBeforeWrite(tc, path); err != nil {
			events <- agent.ErrorEvent(err)
			return
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			events <- agent.ErrorEvent(err)
			return
		}
		if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
			events <- agent.ErrorEvent(err)
			return
		}
		if tc.ReadTimestamps != nil {
			tc.ReadTimestamps.Touch(path, time.Now())
		}
		events <- agent.ResultEvent(fmt.Sprintf("Wrote %d bytes to %s", len(params.Content), path))
	}()
	return events
}

func (t *WriteFileTool) RenderResult(data any) string {
	s, _ := data.(string)
	return s
}

type editFileInput struct {
	Path       string `json:"path" jsonschema:"required" jsonschema_description:"File path, absolute or relative to the project root"`
	OldString  string `json:"old_string" jsonschema:"required" jsonschema_description:"Exact text to replace"`
	NewString  string `json:"new_string" jsonschema:"required" jsonschema_description:"Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema_description:"Replace every occurrence instead of requiring a unique match"`
}

// EditFileTool performs exact-string replacement in a previously read file.
type EditFileTool struct{}

func NewEditFileTool() *EditFileTool { return &EditFileTool{} }

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file. The old string must match uniquely unless replace_all is set. The file must have been read first."
}

func (t *EditFileTool) Schema() json.RawMessage { return agent.SchemaFor[editFileInput]() }

func (t *EditFileTool) IsReadOnly(json.RawMessage) bool        { return false }
func (t *EditFileTool) IsConcurrencySafe(json.RawMessage) bool { return false }

func (t *EditFileTool) Call(ctx context.Context, input json.RawMessage, tc *agent.ToolContext) <-chan agent.ToolEvent {
	events := make(chan agent.ToolEvent, 1)
	go func() {
		defer close(events)

		var params editFileInput
		if err := json.Unmarshal(input, &params); err != nil {
			events <- agent.ErrorEvent(fmt.Errorf("edit_file: malformed input: %w", err))
			return
		}
		if params.OldString == params.NewString {
			events <- agent.ErrorEvent(fmt.Errorf("edit_file: old_string and new_string are identical"))
			return
		}
		path := resolvePath(tc.Cwd, params.Path)

		if err := checkReadBeforeWrite(tc, path); err != nil {
			events <- agent.ErrorEvent(err)
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			events <- agent.ErrorEvent(err)
			return
		}
		content := string(data)

		count := strings.Count(content, params.OldString)
		switch {
		case count == 0:
			events <- agent.ErrorEvent(fmt.Errorf("edit_file: old_string not found in %s", path))
			return
		case count > 1 && !params.ReplaceAll:
			events <- agent.ErrorEvent(fmt.Errorf("edit_file: old_string matches %d times in %s; make it unique or set replace_all", count, path))
			return
		}

		var updated string
		replaced := count
		if params.ReplaceAll {
			updated = strings.ReplaceAll(content, params.OldString, params.NewString)
		} else {
			updated = strings.Replace(content, params.OldString, params.NewString, 1)
			replaced = 1
		}
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			events <- agent.ErrorEvent(err)
			return
		}
		if tc.ReadTimestamps != nil {
			tc.ReadTimestamps.Touch(path, time.Now())
		}
		events <- agent.ResultEvent(fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, path))
	}()
	return events
}

func (t *EditFileTool) RenderResult(data any) string {
	s, _ := data.(string)
	return s
}

// checkReadBeforeWrite refuses to modify an existing file the loop has not
// read, or one modified on disk after the last read.
func checkReadBeforeWrite(tc *agent.ToolContext, path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if tc.ReadTimestamps == nil {
		return nil
	}
	readAt, ok := tc.ReadTimestamps.Get(path)
	if !ok {
		return fmt.Errorf("%s has not been read in this session; read it before writing", path)
	}
	if info.ModTime().After(readAt) {
		return fmt.Errorf("%s changed on disk after it was read; read it again before writing", path)
	}
	return nil
}
