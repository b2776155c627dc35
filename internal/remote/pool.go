package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/anvil/pkg/models"
)

// ExecResult is a remote command's outcome, stamped with the host it ran on.
type ExecResult struct {
	Host     string
	Stdout   string
	Stderr   string
	ExitCode int
}

type poolEntry struct {
	conn  *models.RemoteConnection
	http  *http.Client
	base  string
	token string

	// pending is closed once the bootstrapping Connect settles, letting
	// concurrent Connects for the same id wait without holding the pool lock.
	pending chan struct{}
}

// bootstrapper installs and launches the worker on a host. Satisfied by
// *Bootstrapper.
type bootstrapper interface {
	Bootstrap(ctx context.Context, host models.RemoteHost) (*models.DaemonInfo, error)
}

// Pool owns remote workers and the HTTP clients that reach them. Connects for
// the same id are idempotent and serialized; the pool lock guards only the
// entry map, so a slow bootstrap never blocks calls for other hosts.
type Pool struct {
	bootstrap bootstrapper

	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewPool returns a pool that bootstraps hosts with b.
func NewPool(b *Bootstrapper) *Pool {
	return &Pool{
		bootstrap: b,
		entries:   make(map[string]*poolEntry),
	}
}

// Connect bootstraps the host (unless already ready) and returns the
// connection id. The id is the host's explicit ID or user@host:port.
func (p *Pool) Connect(ctx context.Context, host models.RemoteHost) (string, error) {
	id := host.ConnectionID()

	for {
		p.mu.Lock()
		e, ok := p.entries[id]
		if ok && e.conn.State == models.ConnStateReady {
			p.mu.Unlock()
			return id, nil
		}
		if ok && e.pending != nil {
			// Another Connect owns the bootstrap; wait and re-check.
			wait := e.pending
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		e = &poolEntry{
			conn:    &models.RemoteConnection{ID: id, Host: host, State: models.ConnStateBootstrapping},
			pending: make(chan struct{}),
		}
		p.entries[id] = e
		p.mu.Unlock()
		return p.finishConnect(ctx, id, host, e)
	}
}

// finishConnect runs the bootstrap and health check without the pool lock,
// then publishes the outcome.
func (p *Pool) finishConnect(ctx context.Context, id string, host models.RemoteHost, e *poolEntry) (string, error) {
	info, err := p.bootstrap.Bootstrap(ctx, host)
	if err != nil {
		p.dropPending(id, e)
		return "", hostErr(host.Hostname, err)
	}

	e.base = fmt.Sprintf("http://%s:%d", host.Hostname, info.Port)
	e.token = info.Token
	e.http = &http.Client{Timeout: 60 * time.Second}

	var health HealthResponse
	if err := p.roundTrip(ctx, e, http.MethodGet, "/health", nil, &health); err != nil {
		p.dropPending(id, e)
		return "", err
	}

	p.mu.Lock()
	e.conn.DaemonPort = info.Port
	e.conn.PID = info.PID
	e.conn.State = models.ConnStateReady
	e.conn.LastActivity = time.Now()
	pending := e.pending
	e.pending = nil
	p.mu.Unlock()
	close(pending)
	return id, nil
}

// dropPending removes a failed entry and releases any waiters.
func (p *Pool) dropPending(id string, e *poolEntry) {
	p.mu.Lock()
	delete(p.entries, id)
	pending := e.pending
	e.pending = nil
	p.mu.Unlock()
	if pending != nil {
		close(pending)
	}
}

// Get returns a copy of the connection record.
func (p *Pool) Get(id string) (models.RemoteConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return models.RemoteConnection{}, false
	}
	return *e.conn, true
}

// List returns copies of all connection records.
func (p *Pool) List() []models.RemoteConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.RemoteConnection, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e.conn)
	}
	return out
}

// Execute runs a command on the remote worker.
func (p *Pool) Execute(ctx context.Context, id, command, cwd string, timeout time.Duration) (*ExecResult, error) {
	e, err := p.ready(id)
	if err != nil {
		return nil, err
	}
	req := ExecRequest{Command: command, Cwd: cwd}
	if timeout > 0 {
		req.Timeout = int(timeout.Seconds())
	}
	var resp ExecResponse
	if err := p.do(ctx, e, http.MethodPost, "/exec", req, &resp); err != nil {
		return nil, err
	}
	return &ExecResult{
		Host:     e.conn.Host.Hostname,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
	}, nil
}

// ReadFile reads a file from the remote host.
func (p *Pool) ReadFile(ctx context.Context, id, path string) (string, error) {
	e, err := p.ready(id)
	if err != nil {
		return "", err
	}
	var resp FileReadResponse
	if err := p.do(ctx, e, http.MethodPost, "/file/read", FileReadRequest{Path: path}, &resp); err != nil {
		return "", err
	}
	return resp.Content, nil
}

// WriteFile writes a file on the remote host.
func (p *Pool) WriteFile(ctx context.Context, id, path, content string) error {
	e, err := p.ready(id)
	if err != nil {
		return err
	}
	var resp FileWriteResponse
	return p.do(ctx, e, http.MethodPost, "/file/write", FileWriteRequest{Path: path, Content: content}, &resp)
}

// Disconnect tells the worker to shut down (best effort) and drops the
// entry. Unknown ids are a no-op.
func (p *Pool) Disconnect(ctx context.Context, id string) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok || e.http == nil {
		return
	}
	var resp ShutdownResponse
	_ = p.roundTrip(ctx, e, http.MethodPost, "/shutdown", nil, &resp)
}

// DisconnectAll drops every connection.
func (p *Pool) DisconnectAll(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.Disconnect(ctx, id)
	}
}

func (p *Pool) ready(id string) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, fmt.Errorf("remote: no connection %q", id)
	}
	if e.conn.State != models.ConnStateReady {
		return nil, hostErr(e.conn.Host.Hostname, fmt.Errorf("connection is %s", e.conn.State))
	}
	return e, nil
}

// do performs one authenticated request and stamps activity. Errors carry
// the [<host>] prefix so remote failures are never mistaken for local ones.
func (p *Pool) do(ctx context.Context, e *poolEntry, method, path string, body, out any) error {
	if err := p.roundTrip(ctx, e, method, path, body, out); err != nil {
		return err
	}
	p.mu.Lock()
	e.conn.LastActivity = time.Now()
	p.mu.Unlock()
	return nil
}

// roundTrip performs one authenticated request. It never takes the pool lock.
func (p *Pool) roundTrip(ctx context.Context, e *poolEntry, method, path string, body, out any) error {
	host := e.conn.Host.Hostname

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return hostErr(host, fmt.Errorf("encode %s request: %w", path, err))
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, reader)
	if err != nil {
		return hostErr(host, err)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return hostErr(host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return hostErr(host, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var remoteErr ErrorResponse
		if json.Unmarshal(data, &remoteErr) == nil && remoteErr.Error != "" {
			return hostErr(host, fmt.Errorf("%s: %s", path, remoteErr.Error))
		}
		return hostErr(host, fmt.Errorf("%s: status %d", path, resp.StatusCode))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return hostErr(host, fmt.Errorf("decode %s response: %w", path, err))
		}
	}
	return nil
}

func hostErr(host string, err error) error {
	return fmt.Errorf("[%s] %w", host, err)
}
