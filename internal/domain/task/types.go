// Package task implements the task graph engine (L3): entities, invariants,
// mutation primitives, and queries. See spec §3.1–§3.2 and §4.3.
package task

import (
	"github.com/google/uuid"
)

// Type classifies a task. Classification only; no behavioral effect.
type Type string

const (
	TypeExplore Type = "explore"
	TypeCode    Type = "code"
	TypeTest    Type = "test"
	TypeReview  Type = "review"
	TypePlan    Type = "plan"
	TypeFix     Type = "fix"
)

// Status is the task state machine value (spec §4.3.3).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether s is one of {complete, failed, cancelled}.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s is one of {pending, in_progress, blocked}.
func (s Status) IsActive() bool {
	return !s.IsTerminal()
}

// Task is the unit of work (spec §3.1). All fields beyond construction are
// mutated only through Graph transition methods, which are value-returning;
// a Task value retrieved from a Graph must be treated as immutable by
// callers.
type Task struct {
	ID           string
	ParentID     string // empty iff root
	Type         Type
	Title        string
	Description  string
	Dependencies []string // frozen at creation; never mutated after insertion

	Status Status
	Result string
	Error  string

	AssignedTo string

	CreatedAt   int64 // epoch ms
	StartedAt   int64 // epoch ms, 0 if unset
	CompletedAt int64 // epoch ms, 0 if unset

	Metadata map[string]string
}

// CreateInput are the caller-supplied fields for CreateTask.
type CreateInput struct {
	ID           string // optional; minted when absent
	ParentID     string
	Type         Type
	Title        string
	Description  string
	Dependencies []string
	Metadata     map[string]string
}

// NowFunc returns the current epoch-millisecond timestamp. Injectable for
// deterministic tests.
type NowFunc func() int64

// CreateTask mints an id when absent and sets status = pending (spec
// §4.3.1).
func CreateTask(input CreateInput, now NowFunc) Task {
	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	deps := append([]string(nil), input.Dependencies...)
	meta := input.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return Task{
		ID:           id,
		ParentID:     input.ParentID,
		Type:         input.Type,
		Title:        input.Title,
		Description:  input.Description,
		Dependencies: deps,
		Status:       StatusPending,
		CreatedAt:    now(),
		Metadata:     meta,
	}
}

// ValidationKind enumerates the distinct rejection reasons for AddTask
// (spec §4.3.1 table, and §7 "Validation" taxonomy).
type ValidationKind string

const (
	ErrDuplicateID        ValidationKind = "duplicate_id"
	ErrMissingParent      ValidationKind = "missing_parent"
	ErrMissingDependency  ValidationKind = "missing_dependency"
	ErrMaxTotalExceeded   ValidationKind = "max_total_exceeded"
	ErrMaxDepthExceeded   ValidationKind = "max_depth_exceeded"
	ErrMaxSubtasksExceeded ValidationKind = "max_subtasks_exceeded"
	ErrCycleDetected      ValidationKind = "cycle_detected"
)

// ValidationError is returned by AddTask on any check failure. The graph is
// guaranteed unchanged when this is returned (spec §4.3.1: "All checks
// occur before mutation; on failure the graph is unchanged").
type ValidationError struct {
	Kind   ValidationKind
	TaskID string
}

func (e *ValidationError) Error() string {
	return string(e.Kind) + ": " + e.TaskID
}

// Limits bounds the graph per spec §3.1 invariants I4–I6 / §6.4 config.
type Limits struct {
	MaxDepth    int
	MaxSubtasks int
	MaxTotal    int
}

// DefaultLimits returns the spec §6.4 defaults.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 3, MaxSubtasks: 10, MaxTotal: 50}
}
