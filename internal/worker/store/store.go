// Package store persists worker sessions and tasks in an embedded SQLite
// database (pure Go driver). The schema is versioned through a _meta table
// with forward-only migrations applied on open.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/anvil/pkg/models"
)

// ErrNotFound is returned when the addressed row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the worker's persistence layer. Safe for concurrent use; SQLite
// serializes writers internally.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema. Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// The modernc driver is not safe for concurrent writes on multiple
	// connections to the same in-process handle; one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_root, model, status, metadata, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ProjectRoot, session.Model, string(session.Status),
		string(metadata), session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
		nullableMilli(session.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// GetSession returns the session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_root, model, status, metadata, created_at, updated_at, completed_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_root, model, status, metadata, created_at, updated_at, completed_at
		 FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus transitions a session, stamping updated_at and, for
// terminal states, completed_at.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	now := time.Now()
	var completedAt any
	if status != models.SessionActive {
		completedAt = now.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(status), now.UnixMilli(), completedAt, id)
	if err != nil {
		return fmt.Errorf("store: update session status: %w", err)
	}
	return requireRow(res)
}

// DeleteSession removes a session; the FK cascade removes its tasks.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return requireRow(res)
}

// PruneSessions deletes terminal sessions older than the given age and
// returns how many were removed.
func (s *Store) PruneSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status != ? AND created_at < ?`,
		string(models.SessionActive), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// CreateTask inserts a task row. The session must exist.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, session_id, type, description, status, result, error, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.SessionID, task.Type, task.Description, string(task.Status),
		task.Result, task.Error, nullableMilli(task.StartedAt), nullableMilli(task.CompletedAt),
		task.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

// GetTask returns the task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, type, description, status, result, error, started_at, completed_at, created_at
		 FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns a session's tasks newest first.
func (s *Store) ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, type, description, status, result, error, started_at, completed_at, created_at
		 FROM tasks WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTask rewrites a task's mutable fields.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, error = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		string(task.Status), task.Result, task.Error,
		nullableMilli(task.StartedAt), nullableMilli(task.CompletedAt), task.ID)
	if err != nil {
		return fmt.Errorf("store: update task: %w", err)
	}
	return requireRow(res)
}

// SchemaVersion exposes the recorded schema version, mainly for diagnostics.
func (s *Store) SchemaVersion() (int, error) {
	return schemaVersion(s.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session     models.Session
		status      string
		metadata    string
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&session.ID, &session.ProjectRoot, &session.Model, &status,
		&metadata, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	session.Status = models.SessionStatus(status)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
			return nil, fmt.Errorf("store: session metadata: %w", err)
		}
	}
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	session.CompletedAt = milliPtr(completedAt)
	return &session, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task        models.Task
		status      string
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		createdAt   int64
	)
	err := row.Scan(&task.ID, &task.SessionID, &task.Type, &task.Description,
		&status, &task.Result, &task.Error, &startedAt, &completedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	task.Status = models.TaskStatus(status)
	task.StartedAt = milliPtr(startedAt)
	task.CompletedAt = milliPtr(completedAt)
	task.CreatedAt = time.UnixMilli(createdAt)
	return &task, nil
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func milliPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
