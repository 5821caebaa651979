package session

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"orchestrator/internal/domain/task"
	"orchestrator/internal/ports"
	"orchestrator/internal/subagent"
)

// compositeRegistry layers the session's task/subagent tools (spec §6.2's
// "only available when orchestration is active" / "feature-gated" sets)
// over whatever generic capability registry the caller injected. Lookup
// checks the session-owned tools first so they can't be shadowed.
type compositeRegistry struct {
	base  ports.ToolRegistry
	extra map[string]ports.Tool
	descs []ports.ToolDescriptor
}

func newCompositeRegistry(base ports.ToolRegistry, extra ...ports.Tool) *compositeRegistry {
	r := &compositeRegistry{base: base, extra: make(map[string]ports.Tool, len(extra))}
	if base != nil {
		r.descs = append(r.descs, base.Descriptors()...)
	}
	for _, t := range extra {
		r.extra[t.Name()] = t
		r.descs = append(r.descs, t.Descriptor())
	}
	return r
}

func (r *compositeRegistry) Lookup(name string) (ports.Tool, bool) {
	if t, ok := r.extra[name]; ok {
		return t, true
	}
	if r.base == nil {
		return nil, false
	}
	return r.base.Lookup(name)
}

func (r *compositeRegistry) Descriptors() []ports.ToolDescriptor { return r.descs }

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSliceField(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// --- Task tools (spec §6.2 "only available when orchestration is active") ---

type createSubtaskTool struct{ s *Session }

func (createSubtaskTool) Name() string { return "createSubtask" }

func (createSubtaskTool) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{
		Name:        "createSubtask",
		Description: "Create a subtask in the current task graph.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"parentId":     map[string]any{"type": "string"},
				"type":         map[string]any{"type": "string"},
				"title":        map[string]any{"type": "string"},
				"description":  map[string]any{"type": "string"},
				"dependencies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"title"},
		},
	}
}

func (t createSubtaskTool) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	created, err := t.s.orch.CreateSubtask(ctx, task.CreateInput{
		ParentID:     stringField(input, "parentId"),
		Type:         task.Type(stringField(input, "type")),
		Title:        stringField(input, "title"),
		Description:  stringField(input, "description"),
		Dependencies: stringSliceField(input, "dependencies"),
	})
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	return ports.ToolResult{Output: map[string]any{"taskId": created.ID, "status": string(created.Status)}}, nil
}

type listTasksTool struct{ s *Session }

func (listTasksTool) Name() string { return "listTasks" }

func (listTasksTool) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{
		Name:        "listTasks",
		Description: "List every task in the current task graph.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}
}

func (t listTasksTool) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	tasks := t.s.orch.Graph().All()
	out := make([]map[string]any, 0, len(tasks))
	for _, tk := range tasks {
		out = append(out, map[string]any{
			"id": tk.ID, "parentId": tk.ParentID, "title": tk.Title,
			"type": string(tk.Type), "status": string(tk.Status),
		})
	}
	return ports.ToolResult{Output: map[string]any{"tasks": out}}, nil
}

type completeTaskTool struct{ s *Session }

func (completeTaskTool) Name() string { return "completeTask" }

func (completeTaskTool) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{
		Name:        "completeTask",
		Description: "Mark a task in the current task graph complete.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"taskId": map[string]any{"type": "string"},
				"result": map[string]any{"type": "string"},
			},
			"required": []any{"taskId"},
		},
	}
}

func (t completeTaskTool) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	taskID := stringField(input, "taskId")
	if err := t.s.orch.CompleteTask(ctx, taskID, stringField(input, "result")); err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	return ports.ToolResult{Output: map[string]any{"taskId": taskID, "status": "complete"}}, nil
}

// --- Subagent tools (spec §6.2 "feature-gated") ---

type delegateToSubagentTool struct{ s *Session }

func (delegateToSubagentTool) Name() string { return "delegateToSubagent" }

func (delegateToSubagentTool) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{
		Name:        "delegateToSubagent",
		Description: "Create a subtask and spawn an isolated subagent to work it (spec §4.7).",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"parentId":    map[string]any{"type": "string"},
				"title":       map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"context":     map[string]any{"type": "string"},
			},
			"required": []any{"title", "description"},
		},
	}
}

func (t delegateToSubagentTool) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	created, err := t.s.orch.CreateSubtask(ctx, task.CreateInput{
		ParentID:    stringField(input, "parentId"),
		Type:        task.TypeCode,
		Title:       stringField(input, "title"),
		Description: stringField(input, "description"),
	})
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}

	facet, err := t.s.spawnSubagent(ctx, subagent.Props{
		TaskID:          created.ID,
		Title:           created.Title,
		Description:     created.Description,
		Context:         stringField(input, "context"),
		ParentSessionID: t.s.id,
		ParentID:        created.ParentID,
	})
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	return ports.ToolResult{Output: map[string]any{"taskId": created.ID, "facetName": facet}}, nil
}

type checkSubagentStatusTool struct{ s *Session }

func (checkSubagentStatusTool) Name() string { return "checkSubagentStatus" }

func (checkSubagentStatusTool) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{
		Name:        "checkSubagentStatus",
		Description: "Check a delegated subtask's subagent tracking row.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"taskId": map[string]any{"type": "string"}},
			"required":   []any{"taskId"},
		},
	}
}

func (t checkSubagentStatusTool) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	row, ok, err := t.s.subagentStatus(ctx, stringField(input, "taskId"))
	if err != nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}
	if !ok {
		return ports.ToolResult{Error: "unknown subagent task"}, nil
	}
	return ports.ToolResult{Output: map[string]any{
		"taskId": row.TaskID, "status": string(row.Status), "result": row.Result, "error": row.Error,
	}}, nil
}

type waitForSubagentsTool struct{ s *Session }

func (waitForSubagentsTool) Name() string { return "waitForSubagents" }

func (waitForSubagentsTool) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{
		Name:        "waitForSubagents",
		Description: "Block until every listed delegated task's subagent reaches a terminal state.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"taskIds": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"taskIds"},
		},
	}
}

// Execute polls each taskID concurrently (one goroutine per facet, bounded
// by errgroup, mirroring the teacher's ExecuteParallel/SubAgentOrchestrator
// fan-in) until every one reaches a terminal status or the session's
// subagent execution-time bound elapses.
func (t waitForSubagentsTool) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	taskIDs := stringSliceField(input, "taskIds")
	if len(taskIDs) == 0 {
		return ports.ToolResult{Output: map[string]any{"results": map[string]any{}}}, nil
	}

	deadline := time.Duration(t.s.cfg.MaxExecutionTimeSecondsSubagent) * time.Second
	if deadline <= 0 {
		deadline = 600 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make([]subagent.TrackingRow, len(taskIDs))
	g, gctx := errgroup.WithContext(waitCtx)
	for i, id := range taskIDs {
		i, id := i, id
		g.Go(func() error {
			row, err := t.s.waitForSubagent(gctx, id)
			if err != nil {
				return err
			}
			results[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil && waitCtx.Err() == nil {
		return ports.ToolResult{Error: err.Error()}, nil
	}

	out := make(map[string]any, len(results))
	for _, row := range results {
		if row.TaskID == "" {
			continue
		}
		out[row.TaskID] = map[string]any{"status": string(row.Status), "result": row.Result, "error": row.Error}
	}
	return ports.ToolResult{Output: map[string]any{"results": out}}, nil
}

// waitForSubagent polls the subagent's status every 500ms until
// row.Status.IsTerminal() or ctx expires.
func (s *Session) waitForSubagent(ctx context.Context, taskID string) (subagent.TrackingRow, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		row, ok, err := s.subagentStatus(ctx, taskID)
		if err != nil {
			return subagent.TrackingRow{}, err
		}
		if ok && row.Status.IsTerminal() {
			return row, nil
		}
		select {
		case <-ctx.Done():
			return subagent.TrackingRow{}, fmt.Errorf("waiting for subagent %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}
