// Package actionlogstore persists L5's action log (spec §6.3's action_log
// table): append-only, session-scoped, queryable by tool/since/limit.
package actionlogstore

import (
	"context"

	"orchestrator/internal/domain/actionlog"
)

// Store is the action log persistence port.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Append writes one entry under sessionID. Entries are never updated
	// or deleted individually; Clear removes a whole session's log.
	Append(ctx context.Context, sessionID string, e actionlog.Entry) error

	// List returns entries for sessionID matching q, newest first.
	List(ctx context.Context, sessionID string, q actionlog.Query) ([]actionlog.Entry, error)

	// Clear empties the log for sessionID (spec §6.1 POST /actions/clear).
	Clear(ctx context.Context, sessionID string) error
}
