// Package postgres is the Postgres-backed taskstore.Store adapter.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"orchestrator/internal/domain/task"
	"orchestrator/internal/infra/taskstore"
	"orchestrator/internal/logging"
)

const (
	tasksTable       = "tasks"
	transitionsTable = "task_transitions"
)

// Store implements taskstore.Store backed by Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ taskstore.Store = (*Store)(nil)

// New creates a Postgres-backed task store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: logging.NewComponentLogger("taskstore-postgres")}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
			session_id    TEXT NOT NULL,
			id            TEXT NOT NULL,
			parent_id     TEXT NOT NULL DEFAULT '',
			type          TEXT NOT NULL,
			title         TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			dependencies  JSONB NOT NULL DEFAULT '[]',
			status        TEXT NOT NULL,
			result        TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			assigned_to   TEXT NOT NULL DEFAULT '',
			created_at    BIGINT NOT NULL,
			started_at    BIGINT NOT NULL DEFAULT 0,
			completed_at  BIGINT NOT NULL DEFAULT 0,
			metadata      JSONB NOT NULL DEFAULT '{}',
			lease_owner   TEXT NOT NULL DEFAULT '',
			lease_until   TIMESTAMPTZ,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON ` + tasksTable + ` (lease_until) WHERE lease_until IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS ` + transitionsTable + ` (
			id           BIGSERIAL PRIMARY KEY,
			session_id   TEXT NOT NULL,
			task_id      TEXT NOT NULL,
			from_status  TEXT NOT NULL,
			to_status    TEXT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			created_at   BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_task ON ` + transitionsTable + ` (session_id, task_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveGraph(ctx context.Context, sessionID string, g task.Graph) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save graph tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, t := range g.All() {
		row := taskstore.TaskToRow(sessionID, t)
		depsJSON, err := taskstore.MarshalDependencies(row.Dependencies)
		if err != nil {
			return err
		}
		metaJSON, err := taskstore.MarshalMetadata(row.Metadata)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO `+tasksTable+` (session_id, id, parent_id, type, title, description,
				dependencies, status, result, error, assigned_to, created_at, started_at,
				completed_at, metadata)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (session_id, id) DO UPDATE SET
				status = EXCLUDED.status, result = EXCLUDED.result, error = EXCLUDED.error,
				assigned_to = EXCLUDED.assigned_to, started_at = EXCLUDED.started_at,
				completed_at = EXCLUDED.completed_at, metadata = EXCLUDED.metadata`,
			row.SessionID, row.ID, row.ParentID, row.Type, row.Title, row.Description,
			depsJSON, row.Status, row.Result, row.Error, row.AssignedTo, row.CreatedAt,
			row.StartedAt, row.CompletedAt, metaJSON,
		)
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", t.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) LoadGraph(ctx context.Context, sessionID string, limits task.Limits) (task.Graph, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, parent_id, type, title, description, dependencies, status, result, error,
			assigned_to, created_at, started_at, completed_at, metadata
		FROM `+tasksTable+` WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return task.Graph{}, fmt.Errorf("load graph: %w", err)
	}
	defer rows.Close()

	g := task.NewGraph(limits)
	for rows.Next() {
		var r taskstore.Row
		var depsJSON, metaJSON []byte
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Type, &r.Title, &r.Description, &depsJSON,
			&r.Status, &r.Result, &r.Error, &r.AssignedTo, &r.CreatedAt, &r.StartedAt,
			&r.CompletedAt, &metaJSON); err != nil {
			return task.Graph{}, fmt.Errorf("scan task row: %w", err)
		}
		if r.Dependencies, err = taskstore.UnmarshalDependencies(depsJSON); err != nil {
			return task.Graph{}, err
		}
		if r.Metadata, err = taskstore.UnmarshalMetadata(metaJSON); err != nil {
			return task.Graph{}, err
		}

		next, err := task.AddTask(g, taskstore.RowToTask(r))
		if err != nil {
			return task.Graph{}, fmt.Errorf("replay task %s: %w", r.ID, err)
		}
		g = next
	}
	if err := rows.Err(); err != nil {
		return task.Graph{}, err
	}
	return g, nil
}

func (s *Store) RecordTransition(ctx context.Context, t taskstore.Transition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+transitionsTable+` (session_id, task_id, from_status, to_status, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.SessionID, t.TaskID, t.FromStatus, t.ToStatus, t.Reason, t.CreatedAt)
	return err
}

func (s *Store) Transitions(ctx context.Context, sessionID, taskID string) ([]taskstore.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, task_id, from_status, to_status, reason, created_at
		FROM `+transitionsTable+` WHERE session_id = $1 AND task_id = $2 ORDER BY created_at ASC`,
		sessionID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []taskstore.Transition
	for rows.Next() {
		var t taskstore.Transition
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TaskID, &t.FromStatus, &t.ToStatus, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) TryClaimTask(ctx context.Context, sessionID, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+tasksTable+` SET lease_owner = $1, lease_until = $2
		WHERE session_id = $3 AND id = $4
		AND (lease_owner = '' OR lease_until IS NULL OR lease_until < now())`,
		ownerID, leaseUntil, sessionID, taskID)
	if err != nil {
		return false, fmt.Errorf("try claim task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RenewTaskLease(ctx context.Context, sessionID, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+tasksTable+` SET lease_until = $1
		WHERE session_id = $2 AND id = $3 AND lease_owner = $4`,
		leaseUntil, sessionID, taskID, ownerID)
	if err != nil {
		return false, fmt.Errorf("renew task lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseTaskLease(ctx context.Context, sessionID, taskID, ownerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+tasksTable+` SET lease_owner = '', lease_until = NULL
		WHERE session_id = $1 AND id = $2 AND lease_owner = $3`,
		sessionID, taskID, ownerID)
	return err
}

func (s *Store) ClaimResumableTasks(ctx context.Context, ownerID string, leaseUntil time.Time, limit int) ([]taskstore.ClaimedTask, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE `+tasksTable+` SET lease_owner = $1, lease_until = $2
		WHERE (session_id, id) IN (
			SELECT session_id, id FROM `+tasksTable+`
			WHERE status IN ('pending', 'in_progress')
			AND (lease_owner = '' OR lease_until IS NULL OR lease_until < now())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING session_id, id, parent_id, type, title, description, dependencies, status,
			result, error, assigned_to, created_at, started_at, completed_at, metadata`,
		ownerID, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("claim resumable tasks: %w", err)
	}
	defer rows.Close()

	var out []taskstore.ClaimedTask
	for rows.Next() {
		var r taskstore.Row
		var depsJSON, metaJSON []byte
		if err := rows.Scan(&r.SessionID, &r.ID, &r.ParentID, &r.Type, &r.Title, &r.Description,
			&depsJSON, &r.Status, &r.Result, &r.Error, &r.AssignedTo, &r.CreatedAt, &r.StartedAt,
			&r.CompletedAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan claimed row: %w", err)
		}
		if r.Dependencies, err = taskstore.UnmarshalDependencies(depsJSON); err != nil {
			return nil, err
		}
		if r.Metadata, err = taskstore.UnmarshalMetadata(metaJSON); err != nil {
			return nil, err
		}
		out = append(out, taskstore.ClaimedTask{SessionID: r.SessionID, Task: taskstore.RowToTask(r)})
	}
	return out, rows.Err()
}
