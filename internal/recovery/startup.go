package recovery

import (
	"context"
	"time"
)

// MessageStore is the narrow persistence port the startup recovery path
// needs: load every streaming message, then either requeue it with a
// recovery payload or mark it failed (spec §4.8 steps 1-2). Grounded on
// the teacher's bridge.Resumer, which plays the same role against its
// own task store.
type MessageStore interface {
	LoadStreaming(ctx context.Context) ([]Message, error)
	Requeue(ctx context.Context, payload RecoveryPayload, backoff time.Duration) error
	MarkError(ctx context.Context, messageID, reason string) error
}

// SubagentInterrupter marks every still-running tracked subagent
// interrupted (spec §4.7.3, §4.8 step 3). The session wiring layer adapts
// internal/subagent.Supervisor.InterruptAll to this shape, keeping
// recovery decoupled from the subagent package.
type SubagentInterrupter interface {
	InterruptAll() []TrackingRow
}

// TrackingRow is the subset of a subagent tracking row the startup path
// needs to fail the matching graph task. It mirrors
// internal/subagent.TrackingRow without importing that package, so
// recovery and subagent stay decoupled — the caller adapts between them.
// SessionID is required: failing the task means mutating the graph
// persisted under that session, and at process startup there is no live
// session to infer it from.
type TrackingRow struct {
	SessionID string
	TaskID    string
	Error     string
}

// Report summarizes one startup recovery pass.
type Report struct {
	Resumed           int
	Retried           int
	Failed            int
	SubagentsInterrupted int
}

// Run executes the startup recovery path (spec §4.8):
//  1. Load streaming messages, find orphans, decide and requeue/fail each.
//  2. Mark every running subagent tracking row interrupted and fail its
//     linked task.
func Run(ctx context.Context, store MessageStore, now int64, cfg Config, interrupter SubagentInterrupter, failTask func(sessionID, taskID, reason string)) (Report, error) {
	messages, err := store.LoadStreaming(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, action := range Plan(messages, now, cfg.HeartbeatTimeoutSeconds, cfg.MaxAttempts, cfg.BaseBackoffSeconds, cfg.MaxBackoffSeconds) {
		switch action.Decision {
		case DecisionFail:
			if err := store.MarkError(ctx, action.Message.ID, "orphaned: exhausted attempts"); err != nil {
				return report, err
			}
			report.Failed++
		case DecisionResume:
			if err := store.Requeue(ctx, action.Payload, time.Duration(action.BackoffMs)*time.Millisecond); err != nil {
				return report, err
			}
			report.Resumed++
		case DecisionRetry:
			if err := store.Requeue(ctx, action.Payload, time.Duration(action.BackoffMs)*time.Millisecond); err != nil {
				return report, err
			}
			report.Retried++
		}
	}

	if interrupter != nil {
		for _, row := range interrupter.InterruptAll() {
			if failTask != nil {
				failTask(row.SessionID, row.TaskID, "interrupted")
			}
			report.SubagentsInterrupted++
		}
	}

	return report, nil
}

// Config bounds Run's decision thresholds; callers pass the relevant
// slice of internal/config.Config.
type Config struct {
	HeartbeatTimeoutSeconds int
	MaxAttempts             int
	BaseBackoffSeconds      int
	MaxBackoffSeconds       int
}
