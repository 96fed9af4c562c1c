package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS kv_store (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS sync_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  permanent INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  finished_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sync_attempts_action ON sync_attempts(action_id);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteKV struct{ db *sql.DB }

// NewSQLiteKV stores values in the kv_store table.
func NewSQLiteKV(db *sql.DB) KV { return &sqliteKV{db: db} }

func (s *sqliteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *sqliteKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv_store (key,value,updated_at) VALUES (?,?,CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`, key, value)
	return err
}

func (s *sqliteKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key=?`, key)
	return err
}

// Attempt is one processing attempt of a queued action.
type Attempt struct {
	ActionID   string    `json:"actionId"`
	Kind       string    `json:"kind"`
	Attempt    int       `json:"attempt"`
	Success    bool      `json:"success"`
	Permanent  bool      `json:"permanent"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Journal records processing attempts.
type Journal interface {
	Record(ctx context.Context, a Attempt) error
	Recent(ctx context.Context, limit int) ([]Attempt, error)
}

type sqliteJournal struct{ db *sql.DB }

func NewSQLiteJournal(db *sql.DB) Journal { return &sqliteJournal{db: db} }

func (j *sqliteJournal) Record(ctx context.Context, a Attempt) error {
	if a.FinishedAt.IsZero() {
		a.FinishedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO sync_attempts(action_id, kind, attempt, success, permanent, error, finished_at) VALUES (?,?,?,?,?,?,?)`,
		a.ActionID, a.Kind, a.Attempt, a.Success, a.Permanent, a.Error, a.FinishedAt)
	return err
}

func (j *sqliteJournal) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT action_id,kind,attempt,success,permanent,error,finished_at
FROM sync_attempts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var errStr sql.NullString
		if err := rows.Scan(&a.ActionID, &a.Kind, &a.Attempt, &a.Success, &a.Permanent, &errStr, &a.FinishedAt); err != nil {
			return nil, err
		}
		a.Error = errStr.String
		out = append(out, a)
	}
	return out, rows.Err()
}
