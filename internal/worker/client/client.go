// Package client is the in-process side of the worker IPC: it speaks the
// framed request protocol over the daemon's local socket and exposes typed
// calls for each request the daemon handles.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/anvil/internal/worker/ipc"
	"github.com/haasonsaas/anvil/pkg/models"
)

// defaultTimeout bounds a single request round trip.
const defaultTimeout = 30 * time.Second

// streamPollInterval is how often StreamOutput asks the daemon for new
// chunks while the task is still running.
const streamPollInterval = 200 * time.Millisecond

// ErrClientClosed is returned by calls made after Close, or whose responses
// were cut off by the connection dropping.
var ErrClientClosed = errors.New("client: connection closed")

// Client is a connection to the worker daemon. One client multiplexes
// concurrent requests over a single connection; responses are matched to
// requests by id.
type Client struct {
	conn    net.Conn
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *ipc.Response
	closed  bool

	writeMu sync.Mutex
}

// Connect dials the daemon socket and starts the response reader.
func Connect(socketPath string) (*Client, error) {
	conn, err := dial(socketPath)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		timeout: defaultTimeout,
		pending: make(map[string]chan *ipc.Response),
	}
	go c.readLoop()
	return c, nil
}

// TryConnect is Connect, except an absent or dead daemon yields (nil, nil)
// instead of an error. Callers use it to probe without starting one.
func TryConnect(socketPath string) (*Client, error) {
	c, err := Connect(socketPath)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) || errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func dial(socketPath string) (net.Conn, error) {
	if runtime.GOOS == "windows" {
		data, err := os.ReadFile(socketPath + ".port")
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("client: malformed port file: %w", err)
		}
		return net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	}
	return net.DialTimeout("unix", socketPath, 2*time.Second)
}

// Close shuts the connection down. In-flight calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// readLoop delivers responses to their waiting callers until the connection
// drops, then fails everything still pending.
func (c *Client) readLoop() {
	for {
		resp, err := ipc.ReadResponse(c.conn)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			c.conn.Close()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// call performs one request round trip and decodes the success payload into
// out (when out is non-nil). A daemon-reported failure becomes an error.
func (c *Client) call(ctx context.Context, reqType ipc.RequestType, params, out any) error {
	var payload json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("client: marshal %s params: %w", reqType, err)
		}
		payload = data
	}
	req := &ipc.Request{ID: uuid.NewString(), Type: reqType, Payload: payload}

	ch := make(chan *ipc.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := ipc.WriteRequest(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return fmt.Errorf("client: send %s: %w", reqType, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrClientClosed
		}
		if !resp.Success {
			return fmt.Errorf("worker: %s", resp.Error)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("client: decode %s response: %w", reqType, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Ping checks the daemon is alive and returns its version and pid.
func (c *Client) Ping(ctx context.Context) (*ipc.PingResult, error) {
	var result ipc.PingResult
	if err := c.call(ctx, ipc.TypePing, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateSession creates a new session.
func (c *Client) CreateSession(ctx context.Context, params ipc.CreateSessionParams) (*models.Session, error) {
	var session models.Session
	if err := c.call(ctx, ipc.TypeCreateSession, params, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	if err := c.call(ctx, ipc.TypeGetSession, ipc.SessionParams{SessionID: sessionID}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions lists all sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]*models.Session, error) {
	var result ipc.ListSessionsResult
	if err := c.call(ctx, ipc.TypeListSessions, nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// DeleteSession removes a session and its tasks.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, ipc.TypeDeleteSession, ipc.SessionParams{SessionID: sessionID}, nil)
}

// CreateTask records a task under an existing session.
func (c *Client) CreateTask(ctx context.Context, params ipc.CreateTaskParams) (*models.Task, error) {
	var task models.Task
	if err := c.call(ctx, ipc.TypeCreateTask, params, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var result ipc.StatusResult
	if err := c.call(ctx, ipc.TypeGetTask, ipc.TaskParams{TaskID: taskID}, &result); err != nil {
		return nil, err
	}
	return result.Task, nil
}

// ListTasks lists a session's tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	var result ipc.ListTasksResult
	if err := c.call(ctx, ipc.TypeListTasks, ipc.ListTasksParams{SessionID: sessionID}, &result); err != nil {
		return nil, err
	}
	return result.Tasks, nil
}

// Execute starts an agent run in the daemon and returns immediately with the
// session and task ids. Follow progress with GetOutput or StreamOutput.
func (c *Client) Execute(ctx context.Context, params ipc.ExecuteParams) (*ipc.ExecuteResult, error) {
	var result ipc.ExecuteResult
	if err := c.call(ctx, ipc.TypeExecute, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetOutput returns the task's output chunks from the given position onward,
// with hasMore reporting whether the task is still producing.
func (c *Client) GetOutput(ctx context.Context, taskID string, fromID int) (*ipc.GetOutputResult, error) {
	var result ipc.GetOutputResult
	params := ipc.GetOutputParams{TaskID: taskID, FromID: fromID}
	if err := c.call(ctx, ipc.TypeGetOutput, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel asks the daemon to stop a running or pending task.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	return c.call(ctx, ipc.TypeCancel, ipc.TaskParams{TaskID: taskID}, nil)
}

// Shutdown asks the daemon to stop. The daemon acks before exiting.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, ipc.TypeShutdown, nil, nil)
}

// StreamOutput polls the task's output until it reaches a terminal state,
// invoking fn for every chunk exactly once, in position order. It returns
// the task's final status.
func (c *Client) StreamOutput(ctx context.Context, taskID string, fn func(models.OutputChunk)) (models.TaskStatus, error) {
	cursor := 0
	for {
		result, err := c.GetOutput(ctx, taskID, cursor)
		if err != nil {
			return "", err
		}
		for _, chunk := range result.Chunks {
			fn(chunk)
			cursor = chunk.Position + 1
		}
		if !result.HasMore {
			return result.Status, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(streamPollInterval):
		}
	}
}
