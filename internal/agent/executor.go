package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// Executor runs one assistant turn's batch of tool calls against the
// registry. Observable output order always matches the tool_use order of the
// batch, regardless of completion order; read-only concurrency-safe prefixes
// run in parallel while everything else runs alone.
type Executor struct {
	registry *Registry
	hooks    *Hooks
}

// NewExecutor returns an executor over the given registry. hooks may be nil.
func NewExecutor(registry *Registry, hooks *Hooks) *Executor {
	return &Executor{registry: registry, hooks: hooks}
}

// execEntry is one queue slot of a batch.
type execEntry struct {
	index int
	use   models.ContentBlock
	tool  Tool

	// preResult short-circuits execution for unknown tools and validation
	// failures.
	preResult *models.ContentBlock

	result   *models.ContentBlock
	duration time.Duration
}

// safe reports whether the entry may join a concurrent run.
func (e *execEntry) safe() bool {
	if e.preResult != nil {
		// Nothing executes; an errored slot joins any run.
		return true
	}
	return e.tool.IsReadOnly(e.use.Input) && e.tool.IsConcurrencySafe(e.use.Input)
}

// Execute runs the batch and emits one synthetic user message per tool_use,
// in input order, through emit. Progress items are forwarded live through the
// hooks (and the context's sink) without blocking other entries. When ctx is
// cancelled no further runs start and no further results are emitted; the
// next normalization pass repairs the missing ids.
//
// Execute never returns an error: every failure folds into an is_error
// tool_result so the model can reason about it.
func (e *Executor) Execute(ctx context.Context, uses []models.ContentBlock, tc *ToolContext, emit func(*models.Message)) {
	if len(uses) == 0 {
		return
	}

	queue := make([]*execEntry, len(uses))
	for i, use := range uses {
		entry := &execEntry{index: i, use: use}
		tool, ok := e.registry.Get(use.Name)
		if !ok {
			block := models.ToolResultBlock(use.ID, fmt.Sprintf("Tool %q not found", use.Name), true)
			entry.preResult = &block
		} else {
			entry.tool = tool
			if err := e.registry.ValidateInput(use.Name, use.Input, tc); err != nil {
				block := models.ToolResultBlock(use.ID, err.Error(), true)
				entry.preResult = &block
			}
		}
		queue[i] = entry
	}

	emitted := 0
	emitReady := func() {
		for emitted < len(queue) && queue[emitted].result != nil {
			entry := queue[emitted]
			emit(models.NewUserBlocksMessage(*entry.result))
			emitted++
		}
	}

	for start := 0; start < len(queue); {
		if ctx.Err() != nil {
			return
		}

		// A concurrent-safe run is the maximal safe prefix; a non-safe entry
		// runs alone.
		end := start
		for end < len(queue) && queue[end].safe() {
			end++
		}
		if end == start {
			end = start + 1
		}

		run := queue[start:end]
		var wg sync.WaitGroup
		for _, entry := range run {
			wg.Add(1)
			go func(entry *execEntry) {
				defer wg.Done()
				e.runEntry(ctx, entry, tc)
			}(entry)
		}
		wg.Wait()

		if ctx.Err() != nil {
			// Cancelled mid-run: emit nothing further.
			return
		}
		emitReady()
		start = end
	}
}

// runEntry consumes one tool's lazy sequence into its output slot.
func (e *Executor) runEntry(ctx context.Context, entry *execEntry, tc *ToolContext) {
	started := time.Now()

	if entry.preResult != nil {
		entry.result = entry.preResult
		entry.duration = time.Since(started)
		e.hooks.onToolError(entry.use.ID, entry.preResult.Content, entry.duration)
		return
	}

	e.hooks.onToolStart(entry.use.ID, entry.use.Name, entry.use.Input)

	events := e.callGuarded(ctx, entry, tc)
	var terminal *ToolEvent
	for ev := range events {
		switch ev.Type {
		case ToolEventProgress:
			e.hooks.onToolProgress(entry.use.ID, ev.Content)
		case ToolEventStream:
			e.hooks.onToolProgress(entry.use.ID, ev.Line)
			if tc != nil && tc.Sink != nil {
				tc.Sink(entry.use.ID, ev.Line)
			}
		case ToolEventResult:
			if terminal == nil {
				copied := ev
				terminal = &copied
			}
		}
	}

	entry.duration = time.Since(started)

	if ctx.Err() != nil {
		// Cancelled: the slot stays empty and normalization repairs it.
		e.hooks.onToolError(entry.use.ID, interruptedResultContent, entry.duration)
		return
	}

	if terminal == nil {
		block := models.ToolResultBlock(entry.use.ID,
			fmt.Sprintf("Tool %q produced no result", entry.use.Name), true)
		entry.result = &block
		e.hooks.onToolError(entry.use.ID, block.Content, entry.duration)
		return
	}

	block := resultBlock(entry.tool, entry.use.ID, *terminal)
	entry.result = &block
	if block.IsError {
		e.hooks.onToolError(entry.use.ID, block.Content, entry.duration)
	} else {
		e.hooks.onToolComplete(entry.use.ID, block, entry.duration)
	}
}

// callGuarded invokes the tool, converting a synchronous panic into a
// terminal error event so the executor itself never throws.
func (e *Executor) callGuarded(ctx context.Context, entry *execEntry, tc *ToolContext) <-chan ToolEvent {
	out := make(chan ToolEvent, 1)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				out <- ErrorEvent(fmt.Errorf("tool %s panicked: %v", entry.use.Name, r))
			}
		}()
		for ev := range entry.tool.Call(ctx, entry.use.Input, tc) {
			out <- ev
			if ev.Type == ToolEventResult {
				// Contract: the terminal result ends the sequence. Drain and
				// discard anything a misbehaving tool emits afterwards.
				break
			}
		}
	}()
	return out
}
