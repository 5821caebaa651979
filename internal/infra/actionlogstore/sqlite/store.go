// Package sqlite is the embedded-database actionlogstore.Store adapter.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"orchestrator/internal/domain/actionlog"
	"orchestrator/internal/infra/actionlogstore"
)

const table = "action_log"

// Store implements actionlogstore.Store backed by SQLite. It shares a
// database handle with taskstore/sqlite.Store — call EnsureSchema once per
// handle, or rely on the shared migrations.Run in that package.
type Store struct {
	db *sql.DB
}

var _ actionlogstore.Store = (*Store)(nil)

// New wraps an already-open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			timestamp      INTEGER NOT NULL,
			tool           TEXT NOT NULL,
			action         TEXT NOT NULL,
			input          TEXT NOT NULL,
			output_summary TEXT NOT NULL,
			duration_ms    INTEGER NOT NULL,
			success        INTEGER NOT NULL,
			error          TEXT NOT NULL DEFAULT '',
			message_id     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_action_log_session ON `+table+` (session_id, timestamp DESC)`)
	if err != nil {
		return fmt.Errorf("ensure action log schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, sessionID string, e actionlog.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, session_id, timestamp, tool, action, input, output_summary,
			duration_ms, success, error, message_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, sessionID, e.Timestamp, e.Tool, e.Action, e.Input, e.OutputSummary,
		e.DurationMs, e.Success, e.Error, e.MessageID)
	if err != nil {
		return fmt.Errorf("append action log entry: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, sessionID string, q actionlog.Query) ([]actionlog.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session_id, timestamp, tool, action, input, output_summary, duration_ms,
			success, error, message_id
		FROM ` + table + `
		WHERE session_id = ?`
	args := []any{sessionID}

	if q.Tool != "" {
		query += " AND tool = ?"
		args = append(args, q.Tool)
	}
	if q.Since != 0 {
		query += " AND timestamp >= ?"
		args = append(args, q.Since)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list action log: %w", err)
	}
	defer rows.Close()

	var out []actionlog.Entry
	for rows.Next() {
		var e actionlog.Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.Tool, &e.Action, &e.Input,
			&e.OutputSummary, &e.DurationMs, &e.Success, &e.Error, &e.MessageID); err != nil {
			return nil, fmt.Errorf("scan action log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE session_id = ?`, sessionID)
	return err
}
