// Package sqlite is the embedded-database taskstore.Store adapter, for
// single-process deployments that don't want a separate Postgres instance.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"orchestrator/internal/domain/task"
	"orchestrator/internal/infra/taskstore"
	"orchestrator/internal/infra/taskstore/sqlite/migrations"
	"orchestrator/internal/logging"
)

const (
	tasksTable       = "tasks"
	transitionsTable = "task_transitions"
)

// Store implements taskstore.Store backed by an embedded SQLite database.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

var _ taskstore.Store = (*Store)(nil)

// Open opens (or creates) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one conn avoids SQLITE_BUSY
	if err := migrations.Run(db); err != nil {
		return nil, fmt.Errorf("run sqlite migrations: %w", err)
	}
	return &Store{db: db, logger: logging.NewComponentLogger("taskstore-sqlite")}, nil
}

// New wraps an already-open database handle (tests, or a caller managing
// the pool itself). It runs no migrations; cmd/orchestrator-server creates
// the schema by calling EnsureSchema after New.
func New(db *sql.DB) *Store {
	return &Store{db: db, logger: logging.NewComponentLogger("taskstore-sqlite")}
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
			dependencies  TEXT NOT NULL DEFAULT '[]',
			status        TEXT NOT NULL,
			result        TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			assigned_to   TEXT NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			started_at    INTEGER NOT NULL DEFAULT 0,
			completed_at  INTEGER NOT NULL DEFAULT 0,
			metadata      TEXT NOT NULL DEFAULT '{}',
			lease_owner   TEXT NOT NULL DEFAULT '',
			lease_until   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON ` + tasksTable + ` (lease_until)`,
		`CREATE TABLE IF NOT EXISTS ` + transitionsTable + ` (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL,
			task_id      TEXT NOT NULL,
			from_status  TEXT NOT NULL,
			to_status    TEXT NOT NULL,
			reason       TEXT NOT NULL DEFAULT '',
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_task ON ` + transitionsTable + ` (session_id, task_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

func (s *Store) SaveGraph(ctx context.Context, sessionID string, g task.Graph) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save graph tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

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

		_, err = tx.ExecContext(ctx, `
			INSERT INTO `+tasksTable+` (session_id, id, parent_id, type, title, description,
				dependencies, status, result, error, assigned_to, created_at, started_at,
				completed_at, metadata)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (session_id, id) DO UPDATE SET
				status = excluded.status, result = excluded.result, error = excluded.error,
				assigned_to = excluded.assigned_to, started_at = excluded.started_at,
				completed_at = excluded.completed_at, metadata = excluded.metadata`,
			row.SessionID, row.ID, row.ParentID, row.Type, row.Title, row.Description,
			string(depsJSON), row.Status, row.Result, row.Error, row.AssignedTo, row.CreatedAt,
			row.StartedAt, row.CompletedAt, string(metaJSON),
		)
		if err != nil {
			return fmt.Errorf("upsert task %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) LoadGraph(ctx context.Context, sessionID string, limits task.Limits) (task.Graph, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, type, title, description, dependencies, status, result, error,
			assigned_to, created_at, started_at, completed_at, metadata
		FROM `+tasksTable+` WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return task.Graph{}, fmt.Errorf("load graph: %w", err)
	}
	defer rows.Close()

	g := task.NewGraph(limits)
	for rows.Next() {
		var r taskstore.Row
		var depsJSON, metaJSON string
		if err := rows.Scan(&r.ID, &r.ParentID, &r.Type, &r.Title, &r.Description, &depsJSON,
			&r.Status, &r.Result, &r.Error, &r.AssignedTo, &r.CreatedAt, &r.StartedAt,
			&r.CompletedAt, &metaJSON); err != nil {
			return task.Graph{}, fmt.Errorf("scan task row: %w", err)
		}
		if r.Dependencies, err = taskstore.UnmarshalDependencies([]byte(depsJSON)); err != nil {
			return task.Graph{}, err
		}
		if r.Metadata, err = taskstore.UnmarshalMetadata([]byte(metaJSON)); err != nil {
			return task.Graph{}, err
		}

		next, err := task.AddTask(g, taskstore.RowToTask(r))
		if err != nil {
			return task.Graph{}, fmt.Errorf("replay task %s: %w", r.ID, err)
		}
		g = next
	}
	return g, rows.Err()
}

func (s *Store) RecordTransition(ctx context.Context, t taskstore.Transition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+transitionsTable+` (session_id, task_id, from_status, to_status, reason, created_at)
		VALUES (?,?,?,?,?,?)`,
		t.SessionID, t.TaskID, t.FromStatus, t.ToStatus, t.Reason, t.CreatedAt)
	return err
}

func (s *Store) Transitions(ctx context.Context, sessionID, taskID string) ([]taskstore.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, task_id, from_status, to_status, reason, created_at
		FROM `+transitionsTable+` WHERE session_id = ? AND task_id = ? ORDER BY created_at ASC`,
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+tasksTable+` SET lease_owner = ?, lease_until = ?
		WHERE session_id = ? AND id = ?
		AND (lease_owner = '' OR lease_until < ?)`,
		ownerID, leaseUntil.UnixMilli(), sessionID, taskID, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("try claim task: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) RenewTaskLease(ctx context.Context, sessionID, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+tasksTable+` SET lease_until = ?
		WHERE session_id = ? AND id = ? AND lease_owner = ?`,
		leaseUntil.UnixMilli(), sessionID, taskID, ownerID)
	if err != nil {
		return false, fmt.Errorf("renew task lease: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) ReleaseTaskLease(ctx context.Context, sessionID, taskID, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+tasksTable+` SET lease_owner = '', lease_until = 0
		WHERE session_id = ? AND id = ? AND lease_owner = ?`,
		sessionID, taskID, ownerID)
	return err
}

func (s *Store) ClaimResumableTasks(ctx context.Context, ownerID string, leaseUntil time.Time, limit int) ([]taskstore.ClaimedTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT session_id, id FROM `+tasksTable+`
		WHERE status IN ('pending', 'in_progress')
		AND (lease_owner = '' OR lease_until < ?)
		ORDER BY created_at ASC
		LIMIT ?`, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("select resumable tasks: %w", err)
	}
	type key struct{ sessionID, id string }
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.sessionID, &k.id); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]taskstore.ClaimedTask, 0, len(keys))
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			UPDATE `+tasksTable+` SET lease_owner = ?, lease_until = ?
			WHERE session_id = ? AND id = ?`,
			ownerID, leaseUntil.UnixMilli(), k.sessionID, k.id); err != nil {
			return nil, fmt.Errorf("claim task %s: %w", k.id, err)
		}

		var r taskstore.Row
		var depsJSON, metaJSON string
		err := tx.QueryRowContext(ctx, `
			SELECT id, parent_id, type, title, description, dependencies, status, result, error,
				assigned_to, created_at, started_at, completed_at, metadata
			FROM `+tasksTable+` WHERE session_id = ? AND id = ?`, k.sessionID, k.id,
		).Scan(&r.ID, &r.ParentID, &r.Type, &r.Title, &r.Description, &depsJSON, &r.Status,
			&r.Result, &r.Error, &r.AssignedTo, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &metaJSON)
		if err != nil {
			return nil, fmt.Errorf("reload claimed task %s: %w", k.id, err)
		}
		if r.Dependencies, err = taskstore.UnmarshalDependencies([]byte(depsJSON)); err != nil {
			return nil, err
		}
		if r.Metadata, err = taskstore.UnmarshalMetadata([]byte(metaJSON)); err != nil {
			return nil, err
		}
		out = append(out, taskstore.ClaimedTask{SessionID: k.sessionID, Task: taskstore.RowToTask(r)})
	}

	return out, tx.Commit()
}
