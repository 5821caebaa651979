// Package postgres is the Postgres-backed subagentstore.Store adapter.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orchestrator/internal/infra/subagentstore"
)

const table = "active_subagents"

// Store implements subagentstore.Store backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ subagentstore.Store = (*Store)(nil)

// New creates a Postgres-backed subagent tracking store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			task_id     TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			facet_name  TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  BIGINT NOT NULL,
			last_check  BIGINT NOT NULL DEFAULT 0,
			attempts    INTEGER NOT NULL DEFAULT 0,
			props_json  TEXT NOT NULL DEFAULT '',
			result      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_active_subagents_session ON `+table+` (session_id)`)
	if err != nil {
		return fmt.Errorf("ensure active_subagents schema: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, row subagentstore.Row) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+table+` (task_id, session_id, facet_name, status, started_at, last_check,
			attempts, props_json, result, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (task_id) DO UPDATE SET
			session_id = excluded.session_id,
			facet_name = excluded.facet_name,
			status = excluded.status,
			started_at = excluded.started_at,
			last_check = excluded.last_check,
			attempts = excluded.attempts,
			props_json = excluded.props_json,
			result = excluded.result,
			error = excluded.error`,
		row.TaskID, row.SessionID, row.FacetName, row.Status, row.StartedAt, row.LastCheck,
		row.Attempts, row.PropsJSON, row.Result, row.Error)
	if err != nil {
		return fmt.Errorf("save subagent row: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, taskID string) (subagentstore.Row, bool, error) {
	var r subagentstore.Row
	err := s.pool.QueryRow(ctx, `
		SELECT task_id, session_id, facet_name, status, started_at, last_check, attempts,
			props_json, result, error
		FROM `+table+` WHERE task_id = $1`, taskID).Scan(
		&r.TaskID, &r.SessionID, &r.FacetName, &r.Status, &r.StartedAt, &r.LastCheck,
		&r.Attempts, &r.PropsJSON, &r.Result, &r.Error)
	if err == pgx.ErrNoRows {
		return subagentstore.Row{}, false, nil
	}
	if err != nil {
		return subagentstore.Row{}, false, fmt.Errorf("get subagent row: %w", err)
	}
	return r, true, nil
}

func (s *Store) Running(ctx context.Context, sessionID string) ([]subagentstore.Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, session_id, facet_name, status, started_at, last_check, attempts,
			props_json, result, error
		FROM `+table+` WHERE session_id = $1 AND status = 'running'`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query running subagents: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *Store) AllRunning(ctx context.Context) ([]subagentstore.Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, session_id, facet_name, status, started_at, last_check, attempts,
			props_json, result, error
		FROM `+table+` WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("query all running subagents: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows pgx.Rows) ([]subagentstore.Row, error) {
	var out []subagentstore.Row
	for rows.Next() {
		var r subagentstore.Row
		if err := rows.Scan(&r.TaskID, &r.SessionID, &r.FacetName, &r.Status, &r.StartedAt,
			&r.LastCheck, &r.Attempts, &r.PropsJSON, &r.Result, &r.Error); err != nil {
			return nil, fmt.Errorf("scan subagent row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
