package exlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists finished executions and their logs to SQLite for audit.
// The engine treats it as best-effort: a nil *Store disables persistence
// without changing engine behavior.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	variables   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS execution_log (
	execution_id TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	at           TEXT NOT NULL,
	node_id      TEXT,
	level        TEXT NOT NULL,
	message      TEXT NOT NULL,
	PRIMARY KEY (execution_id, seq)
);
`

// Open opens (or creates) the audit database. WAL mode keeps readers from
// blocking the engine's writes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Record is the terminal snapshot of one execution.
type Record struct {
	ID         string
	WorkflowID string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Variables  map[string]any
}

// Save writes an execution record and its full log in one transaction.
func (s *Store) Save(ctx context.Context, rec Record, entries []Entry) error {
	if s == nil {
		return nil
	}
	varsJSON, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions (id, workflow_id, status, started_at, finished_at, variables)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, rec.Status,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(varsJSON),
	); err != nil {
		return fmt.Errorf("insert execution %s: %w", rec.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO execution_log (execution_id, seq, at, node_id, level, message)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare log insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			rec.ID, i, e.Time.UTC().Format(time.RFC3339Nano), e.Node, string(e.Level), e.Message,
		); err != nil {
			return fmt.Errorf("insert log entry %d for %s: %w", i, rec.ID, err)
		}
	}

	return tx.Commit()
}

// Entries reads back the persisted log for one execution, ordered by seq.
func (s *Store) Entries(ctx context.Context, executionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, node_id, level, message FROM execution_log
		 WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query log for %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var at, node, level, message string
		if err := rows.Scan(&at, &node, &level, &message); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse log timestamp: %w", err)
		}
		out = append(out, Entry{Time: t, Node: node, Level: Level(level), Message: message})
	}
	return out, rows.Err()
}
