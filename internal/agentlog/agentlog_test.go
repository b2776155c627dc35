package agentlog

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRingOverwritesOldestPastCapacity(t *testing.T) {
	l := New(3, LevelFull)
	for i := 0; i < 5; i++ {
		l.Append(Entry{Type: fmt.Sprintf("e%d", i), Success: true})
	}
	if l.Len() != 3 {
		t.Fatalf("len = %d, want 3", l.Len())
	}
	got := l.Query(Filter{})
	if got[0].Type != "e2" || got[2].Type != "e4" {
		t.Fatalf("ring kept wrong window: %s..%s", got[0].Type, got[2].Type)
	}
}

func TestAppendDropsAboveCaptureLevel(t *testing.T) {
	l := New(10, LevelTool)
	l.Append(Entry{Level: LevelSummary, Type: "milestone", Success: true})
	l.Append(Entry{Level: LevelTool, Type: "tool_call", Success: true})
	l.Append(Entry{Level: LevelLLM, Type: "llm_request", Success: true})
	l.Append(Entry{Level: LevelFull, Type: "stream", Success: true})
	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2 (llm and full dropped)", l.Len())
	}
}

func TestAppendStampsIDAndTime(t *testing.T) {
	l := New(10, LevelFull)
	l.Append(Entry{Type: "x", Success: true})
	e := l.Query(Filter{})[0]
	if e.ID == "" || e.Time.IsZero() {
		t.Fatalf("entry not stamped: %+v", e)
	}
}

func TestQueryFilters(t *testing.T) {
	l := New(20, LevelFull)
	base := time.Now()
	l.Append(Entry{Type: "tool_call", Tool: "bash", Time: base.Add(-time.Hour), Success: true})
	l.Append(Entry{Type: "tool_call", Tool: "bash", Time: base, Success: false, Error: "boom"})
	l.Append(Entry{Type: "llm_request", Level: LevelLLM, Time: base, Success: true})

	if got := l.Query(Filter{Type: "tool_call"}); len(got) != 2 {
		t.Fatalf("type filter: %d matches", len(got))
	}
	if got := l.Query(Filter{FailuresOnly: true}); len(got) != 1 || got[0].Error != "boom" {
		t.Fatalf("failures filter: %+v", got)
	}
	if got := l.Query(Filter{Since: base.Add(-time.Minute)}); len(got) != 2 {
		t.Fatalf("since filter: %d matches", len(got))
	}
	if got := l.Query(Filter{MinLevel: LevelLLM}); len(got) != 1 {
		t.Fatalf("min level filter: %d matches", len(got))
	}
	if got := l.Query(Filter{Type: "tool_call", Limit: 1}); len(got) != 1 || !got[0].Time.Equal(base) {
		t.Fatalf("limit did not keep the most recent match: %+v", got)
	}
}

func TestAnalyzeFailuresClassifiesAndAttachesContext(t *testing.T) {
	l := New(20, LevelFull)
	l.Append(Entry{Type: "query_start", Success: true})
	l.Append(Entry{Type: "tool_call", Tool: "bash", Success: true})
	l.Append(Entry{Type: "tool_call", Tool: "bash", Success: false,
		Error: "curl: connection timed out after 30s"})

	reports := AnalyzeFailures(l)
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}
	r := reports[0]
	if r.Kind != "timeout" {
		t.Fatalf("kind = %s", r.Kind)
	}
	if len(r.Context) != 2 {
		t.Fatalf("context has %d entries, want 2", len(r.Context))
	}
	var mentionsTool bool
	for _, s := range r.Suggestions {
		if strings.Contains(s, "bash invocation") {
			mentionsTool = true
		}
	}
	if !mentionsTool {
		t.Fatalf("suggestions missing tool hint: %v", r.Suggestions)
	}
}

func TestAnalyzeFailuresFlagsRepeatedPattern(t *testing.T) {
	l := New(20, LevelFull)
	for i := 0; i < repeatThreshold; i++ {
		l.Append(Entry{Type: "tool_call", Tool: "bash", Success: false,
			Error: "bash: pip: command not found"})
	}

	reports := AnalyzeFailures(l)
	if len(reports) != repeatThreshold {
		t.Fatalf("got %d reports", len(reports))
	}
	last := reports[len(reports)-1]
	if last.Kind != "dependency" {
		t.Fatalf("kind = %s", last.Kind)
	}
	var escalated bool
	for _, s := range last.Suggestions {
		if strings.Contains(s, "different approach") {
			escalated = true
		}
	}
	if !escalated {
		t.Fatalf("repeated failure not escalated: %v", last.Suggestions)
	}
}

func TestClassifyUnknown(t *testing.T) {
	kind, suggestions := classify("segmentation fault (core dumped)")
	if kind != "unknown" || len(suggestions) == 0 {
		t.Fatalf("classify = %s %v", kind, suggestions)
	}
}
