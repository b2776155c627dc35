// Package agentlog records what an agent loop did as a bounded in-memory
// event log, and analyzes it for recurring failures. It complements the
// process-wide slog output: slog is for operators, agentlog is for the
// assistant (and its user) reasoning about its own recent behavior.
package agentlog

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level is the verbosity class of an entry. Higher levels carry more detail.
type Level int

const (
	// LevelSummary entries are one-per-query milestones.
	LevelSummary Level = iota
	// LevelTool entries are tool invocations and their outcomes.
	LevelTool
	// LevelLLM entries are provider requests and responses.
	LevelLLM
	// LevelFull includes progress lines and streamed output.
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelSummary:
		return "summary"
	case LevelTool:
		return "tool"
	case LevelLLM:
		return "llm"
	case LevelFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name to a Level, defaulting to LevelTool.
func ParseLevel(s string) Level {
	switch s {
	case "summary":
		return LevelSummary
	case "llm":
		return LevelLLM
	case "full":
		return LevelFull
	default:
		return LevelTool
	}
}

// Entry is one recorded event.
type Entry struct {
	ID       string        `json:"id"`
	Time     time.Time     `json:"time"`
	Level    Level         `json:"level"`
	Type     string        `json:"type"` // query_start, llm_request, tool_call, ...
	Tool     string        `json:"tool,omitempty"`
	Content  string        `json:"content,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// defaultCapacity bounds the ring when the caller passes 0.
const defaultCapacity = 10000

// Logger is a fixed-capacity ring of entries. Append is O(1); the oldest
// entry is overwritten once the ring is full. Entries above the configured
// capture level are dropped at append time.
type Logger struct {
	mu      sync.Mutex
	ring    []Entry
	start   int
	size    int
	capture Level
}

// New returns a logger capturing entries up to and including level.
func New(capacity int, capture Level) *Logger {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Logger{
		ring:    make([]Entry, capacity),
		capture: capture,
	}
}

// Append records one entry, stamping id and time when missing.
func (l *Logger) Append(e Entry) {
	if e.Level > l.capture {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.size < len(l.ring) {
		l.ring[(l.start+l.size)%len(l.ring)] = e
		l.size++
		return
	}
	l.ring[l.start] = e
	l.start = (l.start + 1) % len(l.ring)
}

// Len returns the number of retained entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Filter selects entries for Query. Zero values mean "no constraint".
type Filter struct {
	// MinLevel includes only entries at this level or above (more detailed).
	MinLevel Level
	// Type matches Entry.Type exactly.
	Type string
	// Since excludes entries recorded before the given time.
	Since time.Time
	// FailuresOnly keeps only entries with Success == false.
	FailuresOnly bool
	// Limit caps the result to the most recent N matches. 0 means all.
	Limit int
}

// Query returns matching entries oldest first.
func (l *Logger) Query(f Filter) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := 0; i < l.size; i++ {
		e := l.ring[(l.start+i)%len(l.ring)]
		if e.Level < f.MinLevel {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		if f.FailuresOnly && e.Success {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
