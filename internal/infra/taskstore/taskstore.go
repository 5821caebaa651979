// Package taskstore implements L4: row <-> task conversion, whole-graph
// load/save, and the crash-safe claim/lease machinery recovery (L8) needs to
// resume orphaned tasks after a process restart (spec §4.4, §4.8, §6.3).
package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"orchestrator/internal/domain/task"
)

// Row is the flat, column-shaped form of a task.Task plus the session scope
// and lease bookkeeping that live at the persistence layer only (spec
// §6.3's tasks table; lease columns are store-internal, not part of the
// domain Task).
type Row struct {
	SessionID    string
	ID           string
	ParentID     string
	Type         string
	Title        string
	Description  string
	Dependencies []string
	Status       string
	Result       string
	Error        string
	AssignedTo   string
	CreatedAt    int64
	StartedAt    int64
	CompletedAt  int64
	Metadata     map[string]string

	LeaseOwner string
	LeaseUntil time.Time
}

// TaskToRow converts a domain task into its persisted row shape.
func TaskToRow(sessionID string, t task.Task) Row {
	return Row{
		SessionID:    sessionID,
		ID:           t.ID,
		ParentID:     t.ParentID,
		Type:         string(t.Type),
		Title:        t.Title,
		Description:  t.Description,
		Dependencies: append([]string(nil), t.Dependencies...),
		Status:       string(t.Status),
		Result:       t.Result,
		Error:        t.Error,
		AssignedTo:   t.AssignedTo,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		Metadata:     t.Metadata,
	}
}

// RowToTask converts a persisted row back into a domain task. RowToTask and
// TaskToRow must be exact inverses on the fields they share (law L1:
// deserialize(serialize(g)) == g).
func RowToTask(r Row) task.Task {
	return task.Task{
		ID:           r.ID,
		ParentID:     r.ParentID,
		Type:         task.Type(r.Type),
		Title:        r.Title,
		Description:  r.Description,
		Dependencies: append([]string(nil), r.Dependencies...),
		Status:       task.Status(r.Status),
		Result:       r.Result,
		Error:        r.Error,
		AssignedTo:   r.AssignedTo,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		Metadata:     r.Metadata,
	}
}

// MarshalDependencies/UnmarshalDependencies let SQL adapters store
// Dependencies and Metadata as JSON columns.
func MarshalDependencies(deps []string) ([]byte, error) { return json.Marshal(deps) }

func UnmarshalDependencies(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	return out, nil
}

func MarshalMetadata(meta map[string]string) ([]byte, error) { return json.Marshal(meta) }

func UnmarshalMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return map[string]string{}, nil
	}
	out := map[string]string{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return out, nil
}

// Transition is one row of the audit trail supplemented feature
// (SPEC_FULL.md §C): every legal status change a Graph transition commits,
// recorded independently of the Graph itself so history survives restarts.
type Transition struct {
	ID         int64
	SessionID  string
	TaskID     string
	FromStatus string
	ToStatus   string
	Reason     string
	CreatedAt  int64
}

// ClaimedTask is one row ClaimResumableTasks hands back, already
// lease-stamped for the claiming owner.
type ClaimedTask struct {
	SessionID string
	Task      task.Task
}

// Store is the L4 persistence port. Implementations: postgres, sqlite.
type Store interface {
	// EnsureSchema creates or migrates the backing schema.
	EnsureSchema(ctx context.Context) error

	// SaveGraph upserts every task currently in g under sessionID. It is
	// the sole write path for task rows; callers pass the full graph after
	// each mutation batch rather than diffing individual tasks.
	SaveGraph(ctx context.Context, sessionID string, g task.Graph) error

	// LoadGraph reconstructs a task.Graph for sessionID from persisted
	// rows, for ordered recovery replay (spec §4.8).
	LoadGraph(ctx context.Context, sessionID string, limits task.Limits) (task.Graph, error)

	// RecordTransition appends one audit row (SPEC_FULL.md §C).
	RecordTransition(ctx context.Context, t Transition) error

	// Transitions returns the audit trail for one task, oldest first.
	Transitions(ctx context.Context, sessionID, taskID string) ([]Transition, error)

	// TryClaimTask claims a task for ownerID until leaseUntil. Returns
	// false (no error) if another live owner already holds the lease.
	TryClaimTask(ctx context.Context, sessionID, taskID, ownerID string, leaseUntil time.Time) (bool, error)

	// RenewTaskLease extends a lease already held by ownerID.
	RenewTaskLease(ctx context.Context, sessionID, taskID, ownerID string, leaseUntil time.Time) (bool, error)

	// ReleaseTaskLease releases a lease held by ownerID.
	ReleaseTaskLease(ctx context.Context, sessionID, taskID, ownerID string) error

	// ClaimResumableTasks atomically claims up to limit tasks whose lease
	// has expired (or was never held) across every session, in readiness
	// order, for L8's startup recovery sweep.
	ClaimResumableTasks(ctx context.Context, ownerID string, leaseUntil time.Time, limit int) ([]ClaimedTask, error)
}
