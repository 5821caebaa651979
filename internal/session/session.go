// Package session implements L9: the per-session façade (spec §4.9). One
// Session owns exactly one orchestrator.Orchestrator and one
// subagent.Supervisor, dispatches every operation in §6.1's HTTP table,
// and is the sole writer to its document store. internal/server adapts
// this façade onto the wire; internal/session/manager.go bounds how many
// live in memory at once.
package session

import (
	"context"

	"orchestrator/internal/config"
	"orchestrator/internal/domain/actionlog"
	"orchestrator/internal/domain/task"
	"orchestrator/internal/infra/actionlogstore"
	"orchestrator/internal/infra/chatstore"
	"orchestrator/internal/infra/subagentstore"
	"orchestrator/internal/infra/taskstore"
	"orchestrator/internal/logging"
	"orchestrator/internal/orchestrator"
	"orchestrator/internal/ports"
	"orchestrator/internal/subagent"
)

// Deps bundles one session's collaborators. Tasks/Chats/Actions/Subagents
// are process-wide stores shared across every session (already keyed by
// sessionID); Driver/Registry/Documents/Capabilities are the out-of-scope
// external collaborators a wiring layer injects per spec §1.
type Deps struct {
	Driver       ports.LLMDriver
	Registry     ports.ToolRegistry // generic capability set; may be nil
	Documents    ports.DocumentStore
	Capabilities Capabilities

	Tasks        taskstore.Store
	Chats        chatstore.Store
	Actions      actionlogstore.Store
	SubagentRows subagentstore.Store

	Clock        ports.Clock
	Logger       logging.Logger
	SystemPrompt string
}

// Session is a per-session single-writer actor: it owns the graph (via its
// Orchestrator), chat history, action log, and subagent tracking, and
// dispatches every §6.1 operation (spec §4.9).
type Session struct {
	id  string
	cfg config.Config

	orch  *orchestrator.Orchestrator
	super *subagent.Supervisor
	hub   *hub

	chats     chatstore.Store
	actions   actionlogstore.Store
	subagents subagentstore.Store
	documents ports.DocumentStore
	clock     ports.Clock
	logger    logging.Logger
}

// State is the §6.1 GET /state response shape.
type State struct {
	SessionID string              `json:"sessionId"`
	Status    orchestrator.Status `json:"status"`
	Tasks     []task.Task         `json:"tasks"`
}

// State returns the session's current orchestrator status and task graph.
func (s *Session) State() State {
	return State{SessionID: s.id, Status: s.orch.Status(), Tasks: s.orch.Graph().All()}
}

// Chat submits text and blocks until that turn's own terminal event (chat
// or error) arrives, returning every event the turn emitted along the way
// (spec §6.1 POST /chat's "buffered responses"). Submit's single-flight,
// capacity-1 queue means the very next chat/error event observed after a
// successful Submit is guaranteed to belong to this call: at most one
// other turn can be ahead of it, and none can cut in line.
func (s *Session) Chat(ctx context.Context, text string) ([]orchestrator.Event, error) {
	events, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	if err := s.orch.Submit(text); err != nil {
		return nil, err
	}

	var collected []orchestrator.Event
	for {
		select {
		case <-ctx.Done():
			return collected, ctx.Err()
		case e := <-events:
			collected = append(collected, e)
			if e.Type == orchestrator.EventChat || e.Type == orchestrator.EventError {
				return collected, nil
			}
		}
	}
}

// Subscribe registers a new listener on the session's event stream (the
// websocket transport's source for tool_call/tool_result/chat events),
// returning the channel and an unsubscribe function.
func (s *Session) Subscribe() (<-chan orchestrator.Event, func()) {
	return s.hub.subscribe()
}

// History returns the session's recent chat messages (spec §6.1 GET
// /chat/history), bounded by limit (0 defers to the store's own default).
func (s *Session) History(ctx context.Context, limit int) ([]chatstore.Message, error) {
	return s.chats.Recent(ctx, s.id, limit)
}

// ClearChat implements spec §6.1 POST /chat/clear. Chat history is
// append-only by design (the same "never updated or deleted individually"
// invariant spec §4.5 states for the action log applies here), so there is
// nothing to truncate at the store layer; a client-visible "clear" means
// "stop reading before this point", which is a client-side concern.
func (s *Session) ClearChat(ctx context.Context) error {
	return nil
}

// Tasks returns the live task graph (spec §6.1 GET /tasks).
func (s *Session) Tasks() task.Graph {
	return s.orch.Graph()
}

// Actions returns action log entries matching q (spec §6.1 GET /actions).
func (s *Session) Actions(ctx context.Context, q actionlog.Query) ([]actionlog.Entry, error) {
	return s.actions.List(ctx, s.id, q)
}

// ClearActions empties the action log (spec §6.1 POST /actions/clear).
func (s *Session) ClearActions(ctx context.Context) error {
	return s.actions.Clear(ctx, s.id)
}

// Files lists every path in the document store (spec §6.1 GET /files).
func (s *Session) Files(ctx context.Context) ([]string, int, error) {
	return s.documents.List(ctx)
}

// GetFile reads one path (spec §6.1 GET /file/{path}).
func (s *Session) GetFile(ctx context.Context, path string) (string, int, bool) {
	return s.documents.Get(ctx, path)
}

// PutFile writes one path (spec §6.1 PUT /file/{path}).
func (s *Session) PutFile(ctx context.Context, path, content string) (int, error) {
	return s.documents.Put(ctx, path, content)
}

// DeleteFile removes one path (spec §6.1 DELETE /file/{path}).
func (s *Session) DeleteFile(ctx context.Context, path string) (int, error) {
	return s.documents.Delete(ctx, path)
}

// Cancel cancels taskID and every active descendant (spec §6.1, delegates
// to the orchestrator's own Cancel).
func (s *Session) Cancel(taskID string) {
	s.orch.Cancel(taskID)
}

// SpawnSubagentRequest is the §6.1 POST /subagents/spawn request body.
type SpawnSubagentRequest struct {
	ParentID    string `json:"parentId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Context     string `json:"context"`
}

// SpawnSubagent creates a subtask and spawns a worker for it directly from
// the HTTP surface (spec §6.1 POST /subagents/spawn), independent of the
// delegateToSubagent tool the LLM itself can call mid-turn.
func (s *Session) SpawnSubagent(ctx context.Context, req SpawnSubagentRequest) (taskID, facetName string, err error) {
	created, err := s.orch.CreateSubtask(ctx, task.CreateInput{
		ParentID:    req.ParentID,
		Type:        task.TypeCode,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		return "", "", err
	}
	facet, err := s.spawnSubagent(ctx, subagent.Props{
		TaskID:          created.ID,
		Title:           created.Title,
		Description:     created.Description,
		Context:         req.Context,
		ParentSessionID: s.id,
		ParentID:        created.ParentID,
	})
	return created.ID, facet, err
}

// Subagents returns every subagent tracking row currently running for this
// session (spec §6.1 GET /subagents).
func (s *Session) Subagents(ctx context.Context) ([]subagentstore.Row, error) {
	return s.subagents.Running(ctx, s.id)
}

// spawnSubagent starts a worker via the supervisor and immediately persists
// its tracking row, so a crash between Spawn and the first poll doesn't
// lose the row L8's startup sweep needs.
func (s *Session) spawnSubagent(ctx context.Context, props subagent.Props) (string, error) {
	facet, err := s.super.Spawn(props)
	if err != nil {
		return "", err
	}
	propsJSON, err := subagent.MarshalProps(props)
	if err != nil {
		s.logger.Warn("marshal subagent props failed", "err", err)
	}
	row := subagentstore.Row{
		TaskID:    props.TaskID,
		SessionID: s.id,
		FacetName: facet,
		Status:    string(subagent.StatusRunning),
		StartedAt: s.clock.NowMillis(),
		PropsJSON: propsJSON,
	}
	if err := s.subagents.Save(ctx, row); err != nil {
		s.logger.Warn("persist subagent tracking row failed", "err", err)
	}
	return facet, nil
}

// subagentStatus prefers the supervisor's live in-memory row (fresher),
// falling back to the persisted row for a subagent this process didn't
// spawn itself (e.g. resumed by another instance).
func (s *Session) subagentStatus(ctx context.Context, taskID string) (subagent.TrackingRow, bool, error) {
	if row, ok := s.super.Status(taskID); ok {
		return row, true, nil
	}
	persisted, ok, err := s.subagents.Get(ctx, taskID)
	if err != nil || !ok {
		return subagent.TrackingRow{}, ok, err
	}
	return subagent.TrackingRow{
		TaskID: persisted.TaskID, FacetName: persisted.FacetName, SessionID: persisted.SessionID,
		StartedAt: persisted.StartedAt, Status: subagent.Status(persisted.Status),
		Result: persisted.Result, Error: persisted.Error,
	}, true, nil
}

// newSession builds a Session, wiring its Orchestrator, Supervisor, and
// ParentRPC/Capabilities around the same sessionID.
func newSession(ctx context.Context, id string, limits task.Limits, deps Deps, orchCfg orchestrator.Config, subCfg subagent.Config, cfg config.Config) (*Session, error) {
	logger := logging.OrNop(deps.Logger).With("session_id", id)
	h := newHub()

	docs := deps.Documents
	if docs == nil {
		docs = nopDocuments{}
	}
	rpc := newParentRPC(docs, deps.Capabilities)
	registry := newCompositeRegistry(deps.Registry)

	sess := &Session{
		id: id, cfg: cfg, hub: h,
		chats: deps.Chats, actions: deps.Actions, subagents: deps.SubagentRows,
		documents: docs, clock: deps.Clock, logger: logger,
	}

	runner := subagent.DefaultRunner{
		Driver: deps.Driver,
		Registry: func(subagent.Props) ports.ToolRegistry {
			return subagent.NewScopedRegistry(rpc)
		},
		Clock: deps.Clock,
	}
	sess.super = subagent.NewSupervisor(runner, deps.Clock, subCfg, subagent.Callbacks{
		OnTerminal: sess.onSubagentTerminal,
	}, logger)

	orch, err := orchestrator.New(ctx, id, limits, orchCfg, orchestrator.Deps{
		Driver:       deps.Driver,
		Registry:     registry,
		Tasks:        deps.Tasks,
		Chats:        deps.Chats,
		Actions:      deps.Actions,
		Subagents:    sess.super,
		Clock:        deps.Clock,
		Events:       h,
		Logger:       logger,
		SystemPrompt: deps.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}
	sess.orch = orch

	registry.extra["createSubtask"] = createSubtaskTool{sess}
	registry.extra["listTasks"] = listTasksTool{sess}
	registry.extra["completeTask"] = completeTaskTool{sess}
	registry.extra["delegateToSubagent"] = delegateToSubagentTool{sess}
	registry.extra["checkSubagentStatus"] = checkSubagentStatusTool{sess}
	registry.extra["waitForSubagents"] = waitForSubagentsTool{sess}
	registry.descs = append(registry.descs,
		createSubtaskTool{}.Descriptor(), listTasksTool{}.Descriptor(), completeTaskTool{}.Descriptor(),
		delegateToSubagentTool{}.Descriptor(), checkSubagentStatusTool{}.Descriptor(), waitForSubagentsTool{}.Descriptor(),
	)

	return sess, nil
}

// onSubagentTerminal applies a tracking row's terminal status to the
// matching graph task (spec §4.7.3) and persists the final row.
func (s *Session) onSubagentTerminal(row subagent.TrackingRow) {
	ctx := context.Background()
	persisted := subagentstore.Row{
		TaskID: row.TaskID, SessionID: row.SessionID, FacetName: row.FacetName,
		Status: string(row.Status), StartedAt: row.StartedAt, Result: row.Result, Error: row.Error,
	}
	if err := s.subagents.Save(ctx, persisted); err != nil {
		s.logger.Warn("persist terminal subagent row failed", "err", err)
	}

	switch row.Status {
	case subagent.StatusComplete:
		if err := s.orch.CompleteTask(ctx, row.TaskID, row.Result); err != nil {
			s.logger.Warn("complete task for terminal subagent failed", "err", err)
		}
	case subagent.StatusFailed, subagent.StatusTimeout, subagent.StatusInterrupted:
		errMsg := row.Error
		if errMsg == "" {
			errMsg = string(row.Status)
		}
		if err := s.orch.FailTask(ctx, row.TaskID, errMsg); err != nil {
			s.logger.Warn("fail task for terminal subagent failed", "err", err)
		}
	}
}
