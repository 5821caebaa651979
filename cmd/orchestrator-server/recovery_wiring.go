package main

import (
	"context"
	"fmt"
	"time"

	"orchestrator/internal/config"
	"orchestrator/internal/domain/task"
	"orchestrator/internal/infra/chatstore"
	"orchestrator/internal/infra/subagentstore"
	"orchestrator/internal/infra/taskstore"
	"orchestrator/internal/logging"
	"orchestrator/internal/recovery"
)

// recoveryOwnerID tags the lease this process holds on every task it
// claims metadata for during its startup sweep (spec §4.8, SPEC_FULL.md §C).
const recoveryOwnerID = "orchestrator-server-startup"

// chatMessageStore adapts chatstore.Store and taskstore.Store onto
// recovery.MessageStore (spec §4.8 steps 1-2), enriching each streaming
// message with its task's prior-attempt metadata via the same cross-session
// lease claim taskstore already exposes for crash-safe execution
// (SPEC_FULL.md §C), grounded on the teacher's bridge.Resumer reading task
// state before rebuilding its resume prompt.
type chatMessageStore struct {
	chats chatstore.Store
	tasks taskstore.Store
}

func (a *chatMessageStore) LoadStreaming(ctx context.Context) ([]recovery.Message, error) {
	msgs, err := a.chats.Streaming(ctx)
	if err != nil {
		return nil, fmt.Errorf("load streaming messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	claimed, err := a.tasks.ClaimResumableTasks(ctx, recoveryOwnerID, time.Now().Add(time.Hour), len(msgs))
	if err != nil {
		return nil, fmt.Errorf("claim resumable tasks: %w", err)
	}
	metaByTask := make(map[string]map[string]string, len(claimed))
	for _, c := range claimed {
		metaByTask[c.Task.ID] = c.Task.Metadata
	}

	out := make([]recovery.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, recovery.Message{
			ID:           m.ID,
			Status:       recovery.MessageStatus(m.Status),
			HeartbeatAt:  m.HeartbeatAt,
			Checkpoint:   m.Checkpoint,
			Attempt:      m.Attempt,
			TaskID:       m.TaskID,
			Content:      m.Content,
			TaskMetadata: metaByTask[m.TaskID],
		})
	}
	return out, nil
}

func (a *chatMessageStore) Requeue(ctx context.Context, payload recovery.RecoveryPayload, backoff time.Duration) error {
	if payload.ResumeText != "" {
		if err := a.chats.UpdateContent(ctx, payload.MessageID, payload.ResumeText); err != nil {
			return fmt.Errorf("update resume content: %w", err)
		}
	}
	return a.chats.IncrementAttempt(ctx, payload.MessageID)
}

func (a *chatMessageStore) MarkError(ctx context.Context, messageID, reason string) error {
	return a.chats.SetStatus(ctx, messageID, chatstore.StatusError)
}

var _ recovery.MessageStore = (*chatMessageStore)(nil)

// subagentInterrupter adapts subagentstore.Store onto
// recovery.SubagentInterrupter (spec §4.8 step 3). Unlike
// internal/subagent.Supervisor.InterruptAll, which only knows about workers
// spawned during the current process's lifetime, this sweeps the persisted
// tracking table so a crash-restarted process still finds and fails work
// orphaned by the previous one.
type subagentInterrupter struct {
	store subagentstore.Store
}

func (a *subagentInterrupter) InterruptAll() []recovery.TrackingRow {
	rows, err := a.store.AllRunning(context.Background())
	if err != nil {
		return nil
	}
	out := make([]recovery.TrackingRow, 0, len(rows))
	for _, row := range rows {
		row.Status = "interrupted"
		row.Error = "interrupted"
		if err := a.store.Save(context.Background(), row); err != nil {
			continue
		}
		out = append(out, recovery.TrackingRow{SessionID: row.SessionID, TaskID: row.TaskID, Error: "interrupted"})
	}
	return out
}

var _ recovery.SubagentInterrupter = (*subagentInterrupter)(nil)

// failTaskFunc loads sessionID's persisted graph, fails taskID in it, and
// saves the graph back, used as recovery.Run's failTask callback (spec
// §4.8 step 3: "fail the linked task in its session's graph").
func failTaskFunc(tasks taskstore.Store, logger logging.Logger) func(sessionID, taskID, reason string) {
	return func(sessionID, taskID, reason string) {
		if sessionID == "" {
			logger.Warn("recovery: interrupted subagent row has no session", "task_id", taskID)
			return
		}
		ctx := context.Background()
		g, err := tasks.LoadGraph(ctx, sessionID, task.DefaultLimits())
		if err != nil {
			logger.Warn("recovery: load graph failed", "session_id", sessionID, "task_id", taskID, "err", err)
			return
		}
		g, ok := task.Fail(g, taskID, reason, time.Now().UnixMilli())
		if !ok {
			return
		}
		if err := tasks.SaveGraph(ctx, sessionID, g); err != nil {
			logger.Warn("recovery: save graph failed", "session_id", sessionID, "task_id", taskID, "err", err)
		}
	}
}

// runStartupRecovery executes the spec §4.8 startup recovery path once,
// before the HTTP surface starts accepting traffic.
func runStartupRecovery(ctx context.Context, stores storeBundle, cfg config.Config, logger logging.Logger) error {
	msgStore := &chatMessageStore{chats: stores.chats, tasks: stores.tasks}
	interrupter := &subagentInterrupter{store: stores.subagents}

	report, err := recovery.Run(ctx, msgStore, time.Now().UnixMilli(), recovery.Config{
		HeartbeatTimeoutSeconds: cfg.HeartbeatTimeoutSeconds,
		MaxAttempts:             cfg.MaxAttempts,
		BaseBackoffSeconds:      cfg.BaseBackoffSeconds,
		MaxBackoffSeconds:       cfg.MaxBackoffSeconds,
	}, interrupter, failTaskFunc(stores.tasks, logger))
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	logger.Info("startup recovery complete",
		"resumed", report.Resumed, "retried", report.Retried, "failed", report.Failed,
		"subagents_interrupted", report.SubagentsInterrupted)
	return nil
}
