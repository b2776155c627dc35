package buffer

import (
	"testing"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

func TestAppendAssignsDensePositions(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		if pos := b.Append(models.ChunkText, "line", models.ChunkAttrs{}); pos != i {
			t.Fatalf("append %d returned position %d", i, pos)
		}
	}
	if b.Count() != 5 {
		t.Fatalf("count = %d", b.Count())
	}
}

func TestAppendAttrsOnlyWhenSet(t *testing.T) {
	b := New()
	b.Append(models.ChunkText, "plain", models.ChunkAttrs{})
	b.Append(models.ChunkToolUse, "bash", models.ChunkAttrs{ToolName: "bash"})

	chunks := b.ChunksFrom(0)
	if chunks[0].Attrs != nil {
		t.Fatal("empty attrs should marshal away")
	}
	if chunks[1].Attrs == nil || chunks[1].Attrs.ToolName != "bash" {
		t.Fatalf("attrs lost: %+v", chunks[1].Attrs)
	}
}

func TestChunksFrom(t *testing.T) {
	b := New()
	b.Append(models.ChunkText, "a", models.ChunkAttrs{})
	b.Append(models.ChunkText, "b", models.ChunkAttrs{})
	b.Append(models.ChunkText, "c", models.ChunkAttrs{})

	if got := b.ChunksFrom(1); len(got) != 2 || got[0].Content != "b" {
		t.Fatalf("ChunksFrom(1) = %+v", got)
	}
	if got := b.ChunksFrom(-5); len(got) != 3 {
		t.Fatalf("negative position should clamp to 0, got %d chunks", len(got))
	}
	if got := b.ChunksFrom(3); got != nil {
		t.Fatalf("past-the-end position returned %+v", got)
	}
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	b := New()
	var seen []string
	unsub := b.Subscribe(func(c models.OutputChunk) {
		seen = append(seen, c.Content)
	})

	b.Append(models.ChunkText, "one", models.ChunkAttrs{})
	b.Append(models.ChunkText, "two", models.ChunkAttrs{})
	unsub()
	b.Append(models.ChunkText, "three", models.ChunkAttrs{})

	if len(seen) != 2 || seen[0] != "one" || seen[1] != "two" {
		t.Fatalf("subscriber saw %v", seen)
	}
}

func TestManagerEvictsOnlyExpiredDoneBuffers(t *testing.T) {
	now := time.Now()
	m := NewManager(time.Minute)
	m.now = func() time.Time { return now }

	m.GetOrCreate("old").Append(models.ChunkText, "x", models.ChunkAttrs{})
	m.GetOrCreate("fresh")
	m.GetOrCreate("running")

	m.MarkDone("old")
	m.MarkDone("fresh")

	now = now.Add(2 * time.Minute)

	if dropped := m.Evict(); dropped != 2 {
		t.Fatalf("evicted %d buffers, want 2", dropped)
	}
	if _, ok := m.Get("old"); ok {
		t.Fatal("expired buffer survived")
	}
	if _, ok := m.Get("running"); !ok {
		t.Fatal("running buffer evicted")
	}
	if buf := m.GetOrCreate("old"); buf.Count() != 0 {
		t.Fatal("recreated buffer not empty")
	}
}

func TestMarkDoneIsIdempotent(t *testing.T) {
	now := time.Now()
	m := NewManager(time.Minute)
	m.now = func() time.Time { return now }

	m.GetOrCreate("t1")
	m.MarkDone("t1")

	now = now.Add(2 * time.Minute)
	m.MarkDone("t1")

	if dropped := m.Evict(); dropped != 1 {
		t.Fatalf("evicted %d, want 1 (doneAt must not advance)", dropped)
	}
}
