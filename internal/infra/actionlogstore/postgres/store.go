// Package postgres is the Postgres-backed actionlogstore.Store adapter.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"orchestrator/internal/domain/actionlog"
	"orchestrator/internal/infra/actionlogstore"
)

const table = "action_log"

// Store implements actionlogstore.Store backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ actionlogstore.Store = (*Store)(nil)

// New creates a Postgres-backed action log store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			timestamp      BIGINT NOT NULL,
			tool           TEXT NOT NULL,
			action         TEXT NOT NULL,
			input          TEXT NOT NULL,
			output_summary TEXT NOT NULL,
			duration_ms    BIGINT NOT NULL,
			success        BOOLEAN NOT NULL,
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+table+` (id, session_id, timestamp, tool, action, input, output_summary,
			duration_ms, success, error, message_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
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
		WHERE session_id = $1`
	args := []any{sessionID}
	argN := 2

	if q.Tool != "" {
		query += fmt.Sprintf(" AND tool = $%d", argN)
		args = append(args, q.Tool)
		argN++
	}
	if q.Since != 0 {
		query += fmt.Sprintf(" AND timestamp >= $%d", argN)
		args = append(args, q.Since)
		argN++
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
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
	_, err := s.pool.Exec(ctx, `DELETE FROM `+table+` WHERE session_id = $1`, sessionID)
	return err
}
