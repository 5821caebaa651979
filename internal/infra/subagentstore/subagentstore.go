// Package subagentstore persists subagent tracking rows (spec §4.7.1's
// "tracking row {taskId, facetName, sessionId, startedAt, status, propsJson}")
// so a restarted process can find every row still "running" and mark it
// "interrupted" per §4.7.3.
package subagentstore

import "context"

// Row mirrors the active_subagents table (spec §6.3).
type Row struct {
	TaskID     string
	SessionID  string
	FacetName  string
	Status     string
	StartedAt  int64
	LastCheck  int64
	Attempts   int
	PropsJSON  string
	Result     string
	Error      string
}

// Store is the persistence port for subagent tracking rows.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Save upserts a tracking row.
	Save(ctx context.Context, row Row) error

	// Get returns the tracking row for taskID, or ok=false if absent.
	Get(ctx context.Context, taskID string) (Row, bool, error)

	// Running returns every row with status "running" for sessionID.
	Running(ctx context.Context, sessionID string) ([]Row, error)

	// AllRunning returns every row with status "running" across every
	// session. Called once at process startup (spec §4.8 step 3), before
	// any session is loaded into memory, so the sweep cannot be scoped to
	// one sessionID the way Running is.
	AllRunning(ctx context.Context) ([]Row, error)
}
