// Package server implements the worker daemon: a framed-IPC request server
// over a local socket that owns sessions, tasks, output buffers, and the
// agent runs behind them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/anvil/internal/worker/buffer"
	"github.com/haasonsaas/anvil/internal/worker/ipc"
	"github.com/haasonsaas/anvil/internal/worker/store"
	"github.com/haasonsaas/anvil/pkg/models"
)

// Config assembles a server's dependencies.
type Config struct {
	// SocketPath is the unix socket path. On Windows the server listens on
	// loopback TCP instead and writes the port to SocketPath + ".port".
	SocketPath string

	Store  *store.Store
	Runner Runner
	Logger *slog.Logger

	Version string

	// SessionRetention is how long terminal sessions are kept before the
	// maintenance job prunes them. Defaults to 7 days.
	SessionRetention time.Duration

	// MaintenanceSpec is the cron spec for the maintenance job. Defaults to
	// every 10 minutes.
	MaintenanceSpec string
}

// Server accepts connections, dispatches requests, and owns the lifecycle of
// running tasks. Requests on one connection are handled serially; separate
// connections are concurrent.
type Server struct {
	cfg     Config
	store   *store.Store
	buffers *buffer.Manager
	runner  Runner
	log     *slog.Logger
	cron    *cron.Cron

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  map[string]context.CancelFunc
	closed   bool

	wg   sync.WaitGroup
	done chan struct{}
}

// New validates the config and builds a server. Call Start to begin serving.
func New(cfg Config) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("server: socket path is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("server: runner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = 7 * 24 * time.Hour
	}
	if cfg.MaintenanceSpec == "" {
		cfg.MaintenanceSpec = "@every 10m"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		store:      cfg.Store,
		buffers:    buffer.NewManager(0),
		runner:     cfg.Runner,
		log:        cfg.Logger.With("component", "worker"),
		cron:       cron.New(),
		rootCtx:    ctx,
		rootCancel: cancel,
		conns:      make(map[net.Conn]struct{}),
		running:    make(map[string]context.CancelFunc),
		done:       make(chan struct{}),
	}, nil
}

// Start binds the socket, starts the accept loop and the maintenance
// schedule, and returns. Use Wait to block until shutdown.
func (s *Server) Start() error {
	listener, err := listen(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if _, err := s.cron.AddFunc(s.cfg.MaintenanceSpec, s.maintain); err != nil {
		listener.Close()
		return fmt.Errorf("server: maintenance schedule: %w", err)
	}
	s.cron.Start()

	s.log.Info("worker listening", "socket", s.cfg.SocketPath, "version", s.cfg.Version)

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Wait blocks until the server has fully shut down.
func (s *Server) Wait() {
	<-s.done
}

// listen binds the local endpoint, removing a stale socket left by a dead
// daemon. A socket with a live listener is an error: the daemon is already
// running.
func listen(socketPath string) (net.Listener, error) {
	if runtime.GOOS == "windows" {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("server: listen: %w", err)
		}
		port := listener.Addr().(*net.TCPAddr).Port
		if err := os.WriteFile(socketPath+".port", []byte(fmt.Sprintf("%d", port)), 0o600); err != nil {
			listener.Close()
			return nil, fmt.Errorf("server: write port file: %w", err)
		}
		return listener, nil
	}

	if _, err := os.Stat(socketPath); err == nil {
		conn, err := net.DialTimeout("unix", socketPath, time.Second)
		if err == nil {
			conn.Close()
			return nil, fmt.Errorf("server: daemon already listening on %s", socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("server: remove stale socket: %w", err)
		}
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}
	return listener, nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		req, err := ipc.ReadRequest(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && !errors.Is(err, ipc.ErrConnectionClosed) {
				s.log.Warn("read request failed", "error", err)
			}
			return
		}

		if req.Type == ipc.TypeShutdown {
			// Respond first so the client observes success, then stop.
			if err := ipc.WriteResponse(conn, ipc.OK(req.ID, nil)); err != nil {
				s.log.Warn("shutdown ack failed", "error", err)
			}
			go s.Shutdown()
			return
		}

		resp := s.dispatch(req)
		if err := ipc.WriteResponse(conn, resp); err != nil {
			s.log.Warn("write response failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(req *ipc.Request) *ipc.Response {
	switch req.Type {
	case ipc.TypePing:
		return ipc.OK(req.ID, ipc.PingResult{Version: s.cfg.Version, PID: os.Getpid()})
	case ipc.TypeCreateSession:
		return s.handleCreateSession(req)
	case ipc.TypeGetSession:
		return s.handleGetSession(req)
	case ipc.TypeListSessions:
		return s.handleListSessions(req)
	case ipc.TypeDeleteSession:
		return s.handleDeleteSession(req)
	case ipc.TypeCreateTask:
		return s.handleCreateTask(req)
	case ipc.TypeGetTask, ipc.TypeGetStatus:
		return s.handleGetTask(req)
	case ipc.TypeListTasks:
		return s.handleListTasks(req)
	case ipc.TypeExecute:
		return s.handleExecute(req)
	case ipc.TypeGetOutput:
		return s.handleGetOutput(req)
	case ipc.TypeCancel:
		return s.handleCancel(req)
	default:
		return ipc.Fail(req.ID, fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func (s *Server) handleCreateSession(req *ipc.Request) *ipc.Response {
	var params ipc.CreateSessionParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return ipc.Fail(req.ID, "malformed payload: "+err.Error())
	}
	session := newSession(params.ProjectRoot, params.Model, params.Metadata)
	if err := s.store.CreateSession(s.rootCtx, session); err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	return ipc.OK(req.ID, session)
}

func (s *Server) handleGetSession(req *ipc.Request) *ipc.Response {
	var params ipc.SessionParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return ipc.Fail(req.ID, "malformed payload: "+err.Error())
	}
	session, err := s.store.GetSession(s.rootCtx, params.SessionID)
	if err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	return ipc.OK(req.ID, session)
}

func (s *Server) handleListSessions(req *ipc.Request) *ipc.Response {
	sessions, err := s.store.ListSessions(s.rootCtx)
	if err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	return ipc.OK(req.ID, ipc.ListSessionsResult{Sessions: sessions})
}

func (s *Server) handleDeleteSession(req *ipc.Request) *ipc.Response {
	var params ipc.SessionParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return ipc.Fail(req.ID, "malformed payload: "+err.Error())
	}
	if err := s.store.DeleteSession(s.rootCtx, params.SessionID); err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	return ipc.OK(req.ID, nil)
}

func (s *Server) handleCreateTask(req *ipc.Request) *ipc.Response {
	var params ipc.CreateTaskParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return ipc.Fail(req.ID, "malformed payload: "+err.Error())
	}
	if _, err := s.store.GetSession(s.rootCtx, params.SessionID); err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	task := newTask(params.SessionID, params.Type, params.Description)
	if err := s.store.CreateTask(s.rootCtx, task); err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	return ipc.OK(req.ID, task)
}

func (s *Server) handleGetTask(req *ipc.Request) *ipc.Response {
	var params ipc.TaskParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return ipc.Fail(req.ID, "malformed payload: "+err.Error())
	}
	task, err := s.store.GetTask(s.rootCtx, params.TaskID)
	if err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	return ipc.OK(req.ID, ipc.StatusResult{Task: task})
}

func (s *Server) handleListTasks(req *ipc.Request) *ipc.Response {
	var params ipc.ListTasksParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return ipc.Fail(req.ID, "malformed payload: "+err.Error())
	}
	tasks, err := s.store.ListTasks(s.rootCtx, params.SessionID)
	if err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	return ipc.OK(req.ID, ipc.ListTasksResult{Tasks: tasks})
}

func (s *Server) handleExecute(req *ipc.Request) *ipc.Response {
	var params ipc.ExecuteParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return ipc.Fail(req.ID, "malformed payload: "+err.Error())
	}
	if params.Prompt == "" {
		return ipc.Fail(req.ID, "prompt is required")
	}

	var session *models.Session
	var err error
	if params.SessionID != "" {
		session, err = s.store.GetSession(s.rootCtx, params.SessionID)
		if err != nil {
			return ipc.Fail(req.ID, err.Error())
		}
	} else {
		session = newSession(params.ProjectRoot, params.Model, nil)
		if err := s.store.CreateSession(s.rootCtx, session); err != nil {
			return ipc.Fail(req.ID, err.Error())
		}
	}

	task := newTask(session.ID, "agent_run", params.Prompt)
	if err := s.store.CreateTask(s.rootCtx, task); err != nil {
		return ipc.Fail(req.ID, err.Error())
	}

	s.startTask(session, task, params)
	return ipc.OK(req.ID, ipc.ExecuteResult{
		TaskID:      task.ID,
		SessionID:   session.ID,
		Status:      task.Status,
		OutputCount: 0,
		StartedAt:   task.StartedAt,
	})
}

// startTask launches the agent run detached. The task transitions to running
// immediately; clients follow it through get_output.
func (s *Server) startTask(session *models.Session, task *models.Task, params ipc.ExecuteParams) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	s.mu.Lock()
	s.running[task.ID] = cancel
	s.mu.Unlock()

	buf := s.buffers.GetOrCreate(task.ID)
	now := time.Now()
	task.Status = models.TaskRunning
	task.StartedAt = &now
	if err := s.store.UpdateTask(s.rootCtx, task); err != nil {
		s.log.Error("mark task running failed", "task", task.ID, "error", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		emit := func(chunkType models.ChunkType, content string, attrs models.ChunkAttrs) {
			buf.Append(chunkType, content, attrs)
		}

		spec := RunSpec{
			ProjectRoot:  session.ProjectRoot,
			Model:        session.Model,
			Prompt:       params.Prompt,
			SystemPrompt: params.SystemPrompt,
			LLM:          params.LLM,
		}
		if params.Model != "" {
			spec.Model = params.Model
		}
		final, err := s.runner.Run(ctx, spec, emit)

		done := time.Now()
		task.CompletedAt = &done
		switch {
		case ctx.Err() != nil:
			task.Status = models.TaskCancelled
			task.Error = "task cancelled"
		case err != nil:
			task.Status = models.TaskFailed
			task.Error = err.Error()
			buf.Append(models.ChunkError, err.Error(), models.ChunkAttrs{})
		default:
			task.Status = models.TaskCompleted
			task.Result = final
		}

		if err := s.store.UpdateTask(context.Background(), task); err != nil {
			s.log.Error("finalize task failed", "task", task.ID, "error", err)
		}
		s.buffers.MarkDone(task.ID)

		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()

		s.log.Info("task finished", "task", task.ID, "status", task.Status)
	}()
}

func (s *Server) handleGetOutput(req *ipc.Request) *ipc.Response {
	var params ipc.GetOutputParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return ipc.Fail(req.ID, "malformed payload: "+err.Error())
	}
	task, err := s.store.GetTask(s.rootCtx, params.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ipc.Fail(req.ID, "task not found")
		}
		return ipc.Fail(req.ID, err.Error())
	}

	result := ipc.GetOutputResult{
		Status:  task.Status,
		HasMore: task.Status == models.TaskRunning,
	}
	if buf, ok := s.buffers.Get(params.TaskID); ok {
		result.Chunks = buf.ChunksFrom(params.FromID)
	}
	return ipc.OK(req.ID, result)
}

func (s *Server) handleCancel(req *ipc.Request) *ipc.Response {
	var params ipc.TaskParams
	if err := json.Unmarshal(req.Payload, &params); err != nil {
		return ipc.Fail(req.ID, "malformed payload: "+err.Error())
	}

	s.mu.Lock()
	cancel, ok := s.running[params.TaskID]
	s.mu.Unlock()
	if ok {
		cancel()
		return ipc.OK(req.ID, nil)
	}

	// Not in flight: cancel is still meaningful for a pending task.
	task, err := s.store.GetTask(s.rootCtx, params.TaskID)
	if err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	if models.TaskDone(task.Status) {
		return ipc.Fail(req.ID, fmt.Sprintf("task already %s", task.Status))
	}
	now := time.Now()
	task.Status = models.TaskCancelled
	task.Error = "task cancelled"
	task.CompletedAt = &now
	if err := s.store.UpdateTask(s.rootCtx, task); err != nil {
		return ipc.Fail(req.ID, err.Error())
	}
	s.buffers.MarkDone(task.ID)
	return ipc.OK(req.ID, nil)
}

// maintain prunes old terminal sessions and evicts stale output buffers.
func (s *Server) maintain() {
	pruned, err := s.store.PruneSessions(s.rootCtx, s.cfg.SessionRetention)
	if err != nil {
		s.log.Warn("session prune failed", "error", err)
	}
	evicted := s.buffers.Evict()
	if pruned > 0 || evicted > 0 {
		s.log.Info("maintenance", "sessions_pruned", pruned, "buffers_evicted", evicted)
	}
}

// Shutdown stops the server: no new connections, in-flight tasks cancelled,
// store closed, socket removed. Idempotent.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.log.Info("worker shutting down")

	if listener != nil {
		listener.Close()
	}
	s.rootCancel()
	for _, c := range conns {
		c.Close()
	}
	s.cron.Stop()
	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		s.log.Warn("store close failed", "error", err)
	}
	if runtime.GOOS == "windows" {
		os.Remove(s.cfg.SocketPath + ".port")
	} else {
		os.Remove(s.cfg.SocketPath)
	}
	close(s.done)
}

func newSession(projectRoot, model string, metadata map[string]string) *models.Session {
	now := time.Now()
	session := &models.Session{
		ID:          uuid.NewString(),
		ProjectRoot: projectRoot,
		Model:       model,
		Status:      models.SessionActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(metadata) > 0 {
		session.Metadata = make(map[string]any, len(metadata))
		for k, v := range metadata {
			session.Metadata[k] = v
		}
	}
	return session
}

func newTask(sessionID, taskType, description string) *models.Task {
	return &models.Task{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Type:        taskType,
		Description: description,
		Status:      models.TaskPending,
		CreatedAt:   time.Now(),
	}
}
