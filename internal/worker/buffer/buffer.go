// Package buffer implements the per-task output log: an append-only sequence
// of typed chunks with dense positions, live subscriber fan-out, and a
// manager that indexes buffers by task id.
package buffer

import (
	"sync"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// Buffer is an append-only chunk log. Positions are dense and strictly
// increasing from 0; a chunk's position never changes once assigned.
type Buffer struct {
	mu      sync.Mutex
	chunks  []models.OutputChunk
	subs    map[int]func(models.OutputChunk)
	nextSub int
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{subs: make(map[int]func(models.OutputChunk))}
}

// Append adds one chunk and returns its position. Subscribers observe the
// chunk only after it is visible to readers.
func (b *Buffer) Append(chunkType models.ChunkType, content string, attrs models.ChunkAttrs) int {
	b.mu.Lock()
	chunk := models.OutputChunk{
		Position:  len(b.chunks),
		Type:      chunkType,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if attrs != (models.ChunkAttrs{}) {
		chunk.Attrs = &attrs
	}
	b.chunks = append(b.chunks, chunk)
	notify := make([]func(models.OutputChunk), 0, len(b.subs))
	for _, fn := range b.subs {
		notify = append(notify, fn)
	}
	b.mu.Unlock()

	for _, fn := range notify {
		fn(chunk)
	}
	return chunk.Position
}

// Count returns the number of chunks appended so far.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// ChunksFrom returns all chunks at or after pos. Out-of-range positions
// return nil.
func (b *Buffer) ChunksFrom(pos int) []models.OutputChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos < 0 {
		pos = 0
	}
	if pos >= len(b.chunks) {
		return nil
	}
	out := make([]models.OutputChunk, len(b.chunks)-pos)
	copy(out, b.chunks[pos:])
	return out
}

// Subscribe registers fn for every future append and returns the
// unsubscribe function. fn runs on the appending goroutine and must be quick.
func (b *Buffer) Subscribe(fn func(models.OutputChunk)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Clear discards all chunks. Positions restart from 0.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
}

// entry pairs a buffer with its completion time for eviction.
type entry struct {
	buf    *Buffer
	done   bool
	doneAt time.Time
}

// Manager indexes buffers by task id and evicts the buffers of completed
// tasks once they pass the age threshold.
type Manager struct {
	mu      sync.Mutex
	buffers map[string]*entry
	maxAge  time.Duration
	now     func() time.Time
}

// defaultMaxAge is how long a completed task's buffer stays readable.
const defaultMaxAge = 30 * time.Minute

// NewManager returns a manager with the given retention for completed
// buffers; 0 uses the default.
func NewManager(maxAge time.Duration) *Manager {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Manager{
		buffers: make(map[string]*entry),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// GetOrCreate returns the buffer for the task, creating it on first use.
func (m *Manager) GetOrCreate(taskID string) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.buffers[taskID]
	if !ok {
		e = &entry{buf: New()}
		m.buffers[taskID] = e
	}
	return e.buf
}

// Get returns the buffer for the task if one exists.
func (m *Manager) Get(taskID string) (*Buffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.buffers[taskID]
	if !ok {
		return nil, false
	}
	return e.buf, true
}

// MarkDone records that the task finished; its buffer becomes eligible for
// eviction after the retention window.
func (m *Manager) MarkDone(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.buffers[taskID]; ok && !e.done {
		e.done = true
		e.doneAt = m.now()
	}
}

// Evict removes completed buffers older than the retention window and
// returns how many were dropped.
func (m *Manager) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.maxAge)
	dropped := 0
	for id, e := range m.buffers {
		if e.done && e.doneAt.Before(cutoff) {
			delete(m.buffers, id)
			dropped++
		}
	}
	return dropped
}
