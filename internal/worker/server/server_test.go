package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/worker/client"
	"github.com/haasonsaas/anvil/internal/worker/ipc"
	"github.com/haasonsaas/anvil/internal/worker/store"
	"github.com/haasonsaas/anvil/pkg/models"
)

// fakeRunner delegates to a scriptable function.
type fakeRunner struct {
	run func(ctx context.Context, spec RunSpec, emit Emit) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, spec RunSpec, emit Emit) (string, error) {
	return f.run(ctx, spec, emit)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer brings up a daemon on a throwaway socket and returns it with a
// connected client.
func startServer(t *testing.T, runner Runner) (*Server, *client.Client) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "worker.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	srv, err := New(Config{
		SocketPath: filepath.Join(dir, "w.sock"),
		Store:      st,
		Runner:     runner,
		Logger:     quietLogger(),
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		srv.Shutdown()
		srv.Wait()
	})

	c, err := client.Connect(srv.cfg.SocketPath)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return srv, c
}

func waitForStatus(t *testing.T, c *client.Client, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := c.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status == want {
			return task
		}
		if models.TaskDone(task.Status) {
			t.Fatalf("task settled at %s, want %s (error: %s)", task.Status, want, task.Error)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task never reached %s", want)
	return nil
}

func TestPing(t *testing.T) {
	_, c := startServer(t, &fakeRunner{run: func(context.Context, RunSpec, Emit) (string, error) {
		return "", nil
	}})

	result, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if result.Version != "test" || result.PID == 0 {
		t.Fatalf("ping = %+v", result)
	}
}

func TestSessionAndTaskLifecycleOverSocket(t *testing.T) {
	_, c := startServer(t, &fakeRunner{run: func(context.Context, RunSpec, Emit) (string, error) {
		return "", nil
	}})
	ctx := context.Background()

	session, err := c.CreateSession(ctx, ipc.CreateSessionParams{
		ProjectRoot: "/work", Model: "m", Metadata: map[string]string{"k": "v"},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := c.GetSession(ctx, session.ID)
	if err != nil || got.ProjectRoot != "/work" {
		t.Fatalf("GetSession: %+v (%v)", got, err)
	}
	sessions, err := c.ListSessions(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("ListSessions: %d (%v)", len(sessions), err)
	}

	task, err := c.CreateTask(ctx, ipc.CreateTaskParams{SessionID: session.ID, Type: "manual", Description: "x"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	tasks, err := c.ListTasks(ctx, session.ID)
	if err != nil || len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("ListTasks: %+v (%v)", tasks, err)
	}

	// Creating a task under a missing session fails cleanly.
	if _, err := c.CreateTask(ctx, ipc.CreateTaskParams{SessionID: "ghost", Type: "manual"}); err == nil {
		t.Fatal("orphan task accepted")
	}

	if err := c.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := c.GetSession(ctx, session.ID); err == nil {
		t.Fatal("deleted session still readable")
	}
}

func TestExecuteStreamsToCompletion(t *testing.T) {
	runner := &fakeRunner{run: func(_ context.Context, spec RunSpec, emit Emit) (string, error) {
		emit(models.ChunkText, "thinking about "+spec.Prompt, models.ChunkAttrs{})
		emit(models.ChunkToolUse, `{"command":"ls"}`, models.ChunkAttrs{ToolID: "t1", ToolName: "bash"})
		emit(models.ChunkToolResult, "README.md", models.ChunkAttrs{ToolID: "t1"})
		emit(models.ChunkText, "done in "+spec.ProjectRoot, models.ChunkAttrs{})
		return "the answer", nil
	}}
	_, c := startServer(t, runner)
	ctx := context.Background()

	result, err := c.Execute(ctx, ipc.ExecuteParams{ProjectRoot: "/work", Prompt: "list files"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.SessionID == "" || result.TaskID == "" {
		t.Fatalf("result = %+v", result)
	}
	// The response is an immediate snapshot of the run it just started.
	if result.Status != models.TaskRunning || result.OutputCount != 0 || result.StartedAt == nil {
		t.Fatalf("snapshot = %+v", result)
	}

	var chunks []models.OutputChunk
	status, err := c.StreamOutput(ctx, result.TaskID, func(chunk models.OutputChunk) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("StreamOutput: %v", err)
	}
	if status != models.TaskCompleted {
		t.Fatalf("status = %s", status)
	}
	if len(chunks) != 4 {
		t.Fatalf("streamed %d chunks, want 4", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Position != i {
			t.Fatalf("chunk %d has position %d", i, chunk.Position)
		}
	}
	if chunks[1].Attrs == nil || chunks[1].Attrs.ToolName != "bash" {
		t.Fatalf("tool attrs lost: %+v", chunks[1])
	}

	task, err := c.GetTask(ctx, result.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != models.TaskCompleted || task.Result != "the answer" {
		t.Fatalf("task = %+v", task)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Fatal("task timestamps missing")
	}
}

func TestExecuteReusesExistingSession(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, RunSpec, Emit) (string, error) {
		return "ok", nil
	}}
	_, c := startServer(t, runner)
	ctx := context.Background()

	session, err := c.CreateSession(ctx, ipc.CreateSessionParams{ProjectRoot: "/work"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	result, err := c.Execute(ctx, ipc.ExecuteParams{SessionID: session.ID, Prompt: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.SessionID != session.ID {
		t.Fatalf("session = %s, want %s", result.SessionID, session.ID)
	}

	if _, err := c.Execute(ctx, ipc.ExecuteParams{SessionID: "ghost", Prompt: "go"}); err == nil {
		t.Fatal("execute against missing session accepted")
	}
	if _, err := c.Execute(ctx, ipc.ExecuteParams{}); err == nil {
		t.Fatal("empty prompt accepted")
	}
}

func TestExecutePerRunOverridesReachRunner(t *testing.T) {
	specs := make(chan RunSpec, 1)
	runner := &fakeRunner{run: func(_ context.Context, spec RunSpec, _ Emit) (string, error) {
		specs <- spec
		return "ok", nil
	}}
	_, c := startServer(t, runner)
	ctx := context.Background()

	thinking := true
	result, err := c.Execute(ctx, ipc.ExecuteParams{
		ProjectRoot:  "/work",
		Model:        "override-model",
		Prompt:       "go",
		SystemPrompt: "be terse",
		LLM:          &ipc.LLMOverrides{MaxTokens: 512, EnableThinking: &thinking},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var spec RunSpec
	select {
	case spec = <-specs:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never invoked")
	}
	if spec.Model != "override-model" || spec.SystemPrompt != "be terse" {
		t.Fatalf("spec = %+v", spec)
	}
	if spec.LLM == nil || spec.LLM.MaxTokens != 512 || spec.LLM.EnableThinking == nil || !*spec.LLM.EnableThinking {
		t.Fatalf("llm overrides lost: %+v", spec.LLM)
	}
	waitForStatus(t, c, result.TaskID, models.TaskCompleted)
}

func TestGetOutputPendingTaskHasNoMore(t *testing.T) {
	_, c := startServer(t, &fakeRunner{run: func(context.Context, RunSpec, Emit) (string, error) {
		return "", nil
	}})
	ctx := context.Background()

	session, err := c.CreateSession(ctx, ipc.CreateSessionParams{ProjectRoot: "/work"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	task, err := c.CreateTask(ctx, ipc.CreateTaskParams{SessionID: session.ID, Type: "manual"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// A created-but-never-executed task produces nothing; a poller must stop
	// immediately instead of waiting for a run that was never started.
	result, err := c.GetOutput(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	if result.Status != models.TaskPending || result.HasMore {
		t.Fatalf("pending output = %+v", result)
	}

	status, err := c.StreamOutput(ctx, task.ID, func(models.OutputChunk) {
		t.Fatal("pending task produced a chunk")
	})
	if err != nil || status != models.TaskPending {
		t.Fatalf("StreamOutput = %s, %v", status, err)
	}
}

func TestRunnerFailureMarksTaskFailed(t *testing.T) {
	runner := &fakeRunner{run: func(context.Context, RunSpec, Emit) (string, error) {
		return "", errors.New("provider exploded")
	}}
	_, c := startServer(t, runner)
	ctx := context.Background()

	result, err := c.Execute(ctx, ipc.ExecuteParams{Prompt: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var chunks []models.OutputChunk
	status, err := c.StreamOutput(ctx, result.TaskID, func(chunk models.OutputChunk) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("StreamOutput: %v", err)
	}
	if status != models.TaskFailed {
		t.Fatalf("status = %s", status)
	}
	var sawError bool
	for _, chunk := range chunks {
		if chunk.Type == models.ChunkError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("failure produced no error chunk")
	}

	task, _ := c.GetTask(ctx, result.TaskID)
	if task.Error != "provider exploded" {
		t.Fatalf("task error = %q", task.Error)
	}
}

func TestCancelRunningTask(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, _ RunSpec, emit Emit) (string, error) {
		emit(models.ChunkText, "working", models.ChunkAttrs{})
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	_, c := startServer(t, runner)
	ctx := context.Background()

	result, err := c.Execute(ctx, ipc.ExecuteParams{Prompt: "spin"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	if err := c.Cancel(ctx, result.TaskID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	task := waitForStatus(t, c, result.TaskID, models.TaskCancelled)
	if task.Error == "" {
		t.Fatal("cancelled task has no error text")
	}

	// Cancelling a settled task is rejected.
	if err := c.Cancel(ctx, result.TaskID); err == nil {
		t.Fatal("double cancel accepted")
	}
}

func TestDetachedTakeover(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{run: func(_ context.Context, _ RunSpec, emit Emit) (string, error) {
		emit(models.ChunkText, "early", models.ChunkAttrs{})
		<-release
		emit(models.ChunkText, "late", models.ChunkAttrs{})
		return "done", nil
	}}
	srv, first := startServer(t, runner)
	ctx := context.Background()

	result, err := first.Execute(ctx, ipc.ExecuteParams{Prompt: "go"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// The submitting client walks away; the run continues in the daemon.
	first.Close()
	close(release)

	second, err := client.Connect(srv.cfg.SocketPath)
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	defer second.Close()

	var contents []string
	status, err := second.StreamOutput(ctx, result.TaskID, func(chunk models.OutputChunk) {
		contents = append(contents, chunk.Content)
	})
	if err != nil {
		t.Fatalf("StreamOutput: %v", err)
	}
	if status != models.TaskCompleted {
		t.Fatalf("status = %s", status)
	}
	if len(contents) != 2 || contents[0] != "early" || contents[1] != "late" {
		t.Fatalf("takeover saw %v", contents)
	}
}

func TestGetOutputUnknownTask(t *testing.T) {
	_, c := startServer(t, &fakeRunner{run: func(context.Context, RunSpec, Emit) (string, error) {
		return "", nil
	}})
	if _, err := c.GetOutput(context.Background(), "ghost", 0); err == nil {
		t.Fatal("unknown task accepted")
	}
}

func TestShutdownAcksBeforeStopping(t *testing.T) {
	srv, c := startServer(t, &fakeRunner{run: func(context.Context, RunSpec, Emit) (string, error) {
		return "", nil
	}})

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after shutdown request")
	}

	// The socket is gone; a fresh connect must fail.
	if probe, err := client.TryConnect(srv.cfg.SocketPath); err != nil || probe != nil {
		t.Fatalf("socket still accepting after shutdown: %v %v", probe, err)
	}
}

func TestListenRejectsLiveSocket(t *testing.T) {
	srv, _ := startServer(t, &fakeRunner{run: func(context.Context, RunSpec, Emit) (string, error) {
		return "", nil
	}})

	st, err := store.Open(filepath.Join(t.TempDir(), "other.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	second, err := New(Config{
		SocketPath: srv.cfg.SocketPath,
		Store:      st,
		Runner:     srv.runner,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := second.Start(); err == nil {
		second.Shutdown()
		t.Fatal("second daemon bound a live socket")
	}
}
