package store

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step. Steps run in order inside a
// transaction each; the recorded schema_version advances after each step.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "sessions_and_tasks",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id           TEXT PRIMARY KEY,
				project_root TEXT NOT NULL,
				model        TEXT NOT NULL DEFAULT '',
				status       TEXT NOT NULL,
				metadata     TEXT NOT NULL DEFAULT '{}',
				created_at   INTEGER NOT NULL,
				updated_at   INTEGER NOT NULL,
				completed_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_project_root ON sessions(project_root)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id           TEXT PRIMARY KEY,
				session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				type         TEXT NOT NULL,
				description  TEXT NOT NULL DEFAULT '',
				status       TEXT NOT NULL,
				result       TEXT NOT NULL DEFAULT '',
				error        TEXT NOT NULL DEFAULT '',
				started_at   INTEGER,
				completed_at INTEGER,
				created_at   INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status)`,
		},
	},
}

// migrate brings the schema to the latest version. It is idempotent: a step
// already recorded in _meta is skipped, so applying twice equals applying
// once.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS _meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("store: create _meta: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("store: migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO _meta (key, value) VALUES ('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			fmt.Sprintf("%d", m.version),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", m.version, err)
		}
		current = m.version
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read schema_version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, fmt.Errorf("store: malformed schema_version %q", value)
	}
	return v, nil
}
