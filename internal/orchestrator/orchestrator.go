// Package orchestrator implements the per-session turn loop (L6): one user
// message drives chat history, the task graph, the action log, and the
// LLM/tool round-trip to completion, single-flight per session (spec
// §4.6).
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"orchestrator/internal/async"
	"orchestrator/internal/domain/actionlog"
	"orchestrator/internal/domain/task"
	"orchestrator/internal/errorsx"
	"orchestrator/internal/infra/actionlogstore"
	"orchestrator/internal/infra/chatstore"
	"orchestrator/internal/infra/taskstore"
	"orchestrator/internal/logging"
	"orchestrator/internal/ports"
	"orchestrator/internal/subagent"
)

// Status is the session's single-flight gate (spec §4.6 step 9, §5
// "backpressure").
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// EventType enumerates the client-visible events a turn emits (spec §4.6
// steps 6-8).
type EventType string

const (
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventChat       EventType = "chat"
	EventError      EventType = "error"
)

// Event is one client-visible occurrence during a turn.
type Event struct {
	Type      EventType
	SessionID string
	TaskID    string
	ToolName  string
	ToolCall  string // the tool call's own id, for pairing call/result
	Input     map[string]any
	Output    map[string]any
	Text      string
	Error     string
}

// EventSink receives every Event a turn emits. The server's websocket
// transport implements this; tests can substitute a recording fake.
type EventSink interface {
	Emit(Event)
}

// nopSink discards every event.
type nopSink struct{}

func (nopSink) Emit(Event) {}

// Config bounds one turn (spec §6.4's maxToolRounds/maxContextMessages).
type Config struct {
	MaxToolRounds      int
	MaxContextMessages int
	Retry              errorsx.RetryConfig
}

// DefaultConfig returns the spec §6.4 defaults.
func DefaultConfig() Config {
	return Config{
		MaxToolRounds:      20,
		MaxContextMessages: 50,
		Retry:              errorsx.DefaultRetryConfig(),
	}
}

// Deps bundles an Orchestrator's collaborators (spec §1's "out of scope"
// ports plus the L4/L5/L6-adjacent persistence adapters).
type Deps struct {
	Driver       ports.LLMDriver
	Registry     ports.ToolRegistry
	Tasks        taskstore.Store
	Chats        chatstore.Store
	Actions      actionlogstore.Store
	Subagents    *subagent.Supervisor
	Clock        ports.Clock
	Events       EventSink
	Logger       logging.Logger
	SystemPrompt string
}

// Orchestrator drives turns for one session. It is the session's single
// writer: graph, chat history, and action log mutations all happen inside
// runTurn, which single-flights per instance (spec §5 "single-writer
// actor").
type Orchestrator struct {
	sessionID string
	cfg       Config
	deps      Deps
	breaker   *errorsx.CircuitBreaker
	logger    logging.Logger

	mu             sync.Mutex
	status         Status
	graph          task.Graph
	queued         []string // bounded to len 1 (spec §5 backpressure)
	completedTurns int64
	turnCancel     context.CancelFunc // cancels the in-flight runTurn's ctx, if any
}

// New builds an Orchestrator for sessionID, loading its graph from
// persistence. cfg's zero value is replaced by DefaultConfig.
func New(ctx context.Context, sessionID string, limits task.Limits, cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.MaxToolRounds == 0 {
		cfg = DefaultConfig()
	}
	if deps.Events == nil {
		deps.Events = nopSink{}
	}
	logger := logging.OrNop(deps.Logger).With("session_id", sessionID)

	g, err := deps.Tasks.LoadGraph(ctx, sessionID, limits)
	if err != nil {
		return nil, fmt.Errorf("load graph for session %s: %w", sessionID, err)
	}

	return &Orchestrator{
		sessionID: sessionID,
		cfg:       cfg,
		deps:      deps,
		breaker:   errorsx.NewCircuitBreaker("llm-driver-"+sessionID, errorsx.DefaultCircuitBreakerConfig(), logger),
		logger:    logger,
		status:    StatusIdle,
		graph:     g,
	}, nil
}

// Status returns the session's current single-flight state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Graph returns the orchestrator's current in-memory graph snapshot.
func (o *Orchestrator) Graph() task.Graph {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.graph
}

// CompletedTurns returns how many turns this orchestrator has finished
// (spec §4.6 step 9's "idle" transition).
func (o *Orchestrator) CompletedTurns() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completedTurns
}

// ErrQueueFull is returned by Submit when the bounded backpressure queue
// (spec §5, default 1) is already holding a message.
var ErrQueueFull = fmt.Errorf("session busy: message queue full")

// Submit starts a turn for message text, or queues it if a turn is already
// in flight, or rejects it if the queue (capacity 1) is already full (spec
// §4.6 "single-flight per session", §5 "backpressure"). The turn's context
// is detached from any request context (its events are delivered
// asynchronously via EventSink rather than as a request/response), but it
// is still cancellable: Cancel calls the stored CancelFunc to abort the
// LLM/tool loop at its next boundary (spec §5 "cancellation").
func (o *Orchestrator) Submit(text string) error {
	o.mu.Lock()
	if o.status == StatusIdle {
		o.status = StatusBusy
		ctx, cancel := context.WithCancel(context.Background())
		o.turnCancel = cancel
		o.mu.Unlock()
		async.Go(o.logger, "orchestrator-turn-"+o.sessionID, func() {
			o.runTurn(ctx, text)
		})
		return nil
	}
	if len(o.queued) >= 1 {
		o.mu.Unlock()
		return ErrQueueFull
	}
	o.queued = append(o.queued, text)
	o.mu.Unlock()
	return nil
}

// Cancel flips the root task and every active descendant to cancelled,
// aborts any subagent working on them, stops the in-flight LLM/tool loop at
// its next boundary, and returns the session to idle (spec §5
// "cancellation": abort the current LLM step, abort subagents, cancel the
// root + active descendants, return to idle — all four, not just the
// graph-level two).
func (o *Orchestrator) Cancel(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.deps.Clock.NowMillis()
	before, ok := o.graph.Get(taskID)
	if !ok {
		return
	}
	g, ok := task.Cancel(o.graph, taskID, now)
	if !ok {
		return
	}
	cancelled := []task.Task{before}

	for _, d := range task.Descendants(g, taskID) {
		if !d.Status.IsActive() {
			continue
		}
		var cok bool
		g, cok = task.Cancel(g, d.ID, now)
		if cok {
			cancelled = append(cancelled, d)
		}
	}
	o.graph = g

	if o.deps.Subagents != nil {
		for _, t := range cancelled {
			o.deps.Subagents.Abort(t.ID)
		}
	}
	for _, t := range cancelled {
		o.recordTransition(t.ID, string(t.Status), string(task.StatusCancelled), "cancelled")
	}
	o.persistGraphAsync(context.Background(), g)

	if o.turnCancel != nil {
		o.turnCancel()
		o.turnCancel = nil
	}
	o.status = StatusIdle
}

// CreateSubtask adds a task to the live graph (spec §6.2's createSubtask
// tool). Safe to call from within a turn's tool loop, which already runs
// on the orchestrator's own goroutine but outside any held lock.
func (o *Orchestrator) CreateSubtask(ctx context.Context, input task.CreateInput) (task.Task, error) {
	o.mu.Lock()
	now := o.deps.Clock.NowMillis()
	t := task.CreateTask(input, func() int64 { return now })
	g, err := task.AddTask(o.graph, t)
	if err != nil {
		o.mu.Unlock()
		return task.Task{}, err
	}
	o.graph = g
	o.mu.Unlock()

	o.persistGraphAsync(ctx, g)
	o.recordTransition(t.ID, "", string(task.StatusPending), "created")
	return t, nil
}

// CompleteTask marks taskID complete with result (spec §6.2's completeTask
// tool).
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID, result string) error {
	o.mu.Lock()
	before, ok := o.graph.Get(taskID)
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("complete task: unknown task %q", taskID)
	}
	g, ok := task.Complete(o.graph, taskID, result, o.deps.Clock.NowMillis())
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("complete task: invalid transition from %s", before.Status)
	}
	o.graph = g
	o.mu.Unlock()

	o.persistGraphAsync(ctx, g)
	o.recordTransition(taskID, string(before.Status), string(task.StatusComplete), "")
	return nil
}

// FailTask marks taskID failed with errMsg. Used by the session's subagent
// terminal callback (spec §4.7.3: timeout/interrupt "fail the
// corresponding task").
func (o *Orchestrator) FailTask(ctx context.Context, taskID, errMsg string) error {
	o.mu.Lock()
	before, ok := o.graph.Get(taskID)
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("fail task: unknown task %q", taskID)
	}
	g, ok := task.Fail(o.graph, taskID, errMsg, o.deps.Clock.NowMillis())
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("fail task: invalid transition from %s", before.Status)
	}
	o.graph = g
	o.mu.Unlock()

	o.persistGraphAsync(ctx, g)
	o.recordTransition(taskID, string(before.Status), string(task.StatusFailed), errMsg)
	return nil
}

// runTurn executes spec §4.6 steps 1-9 for one user message, then drains
// the queue (at most one pending message) before going idle.
func (o *Orchestrator) runTurn(ctx context.Context, text string) {
	defer o.finishOrDequeue(ctx)

	now := o.deps.Clock.NowMillis()

	// Step 1: bounded chat history.
	history, err := o.deps.Chats.Recent(ctx, o.sessionID, o.cfg.MaxContextMessages)
	if err != nil {
		o.emitError(err)
		return
	}

	// Step 2: append and persist the user message.
	userMsg := chatstore.Message{
		ID:        uuid.NewString(),
		SessionID: o.sessionID,
		Role:      "user",
		Content:   text,
		Timestamp: now,
		Status:    chatstore.StatusComplete,
		Attempt:   1,
	}
	if err := o.deps.Chats.Append(ctx, userMsg); err != nil {
		o.emitError(err)
		return
	}

	// Step 3-4: create and start the root task.
	rootID, err := o.createAndStartRoot(ctx, text, now)
	if err != nil {
		o.emitError(err)
		return
	}

	// Step 5-7: drive the LLM/tool loop to a final text or an error.
	messages := buildDriverMessages(o.deps.SystemPrompt, history, text)
	finalText, turnErr := o.driveToolLoop(ctx, rootID, messages)

	if turnErr != nil {
		// Step 8: leave root in_progress for recovery (L8) to reclaim.
		o.emitError(turnErr)
		return
	}

	// Step 7: persist final text, emit chat, complete the root task.
	assistantMsg := chatstore.Message{
		ID:        uuid.NewString(),
		SessionID: o.sessionID,
		Role:      "assistant",
		Content:   finalText,
		Timestamp: o.deps.Clock.NowMillis(),
		Status:    chatstore.StatusComplete,
		Attempt:   1,
	}
	if err := o.deps.Chats.Append(ctx, assistantMsg); err != nil {
		o.emitError(err)
		return
	}
	o.deps.Events.Emit(Event{Type: EventChat, SessionID: o.sessionID, TaskID: rootID, Text: finalText})

	o.mu.Lock()
	g, ok := task.Complete(o.graph, rootID, truncate(finalText, 200), o.deps.Clock.NowMillis())
	if ok {
		o.graph = g
	}
	o.mu.Unlock()
	if ok {
		o.persistGraphAsync(ctx, g)
		o.recordTransition(rootID, string(task.StatusInProgress), string(task.StatusComplete), "")
	}
}

// createAndStartRoot implements spec §4.6 steps 3-4.
func (o *Orchestrator) createAndStartRoot(ctx context.Context, text string, now int64) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	root := task.CreateTask(task.CreateInput{
		Type:  task.TypeCode,
		Title: truncate(text, 47),
	}, func() int64 { return now })

	g, err := task.AddTask(o.graph, root)
	if err != nil {
		return "", fmt.Errorf("create root task: %w", err)
	}
	g, _ = task.Start(g, root.ID, o.sessionID, now)
	o.graph = g

	if err := o.deps.Tasks.SaveGraph(ctx, o.sessionID, g); err != nil {
		return "", fmt.Errorf("persist root task: %w", err)
	}
	o.recordTransition(root.ID, string(task.StatusPending), string(task.StatusInProgress), "")
	return root.ID, nil
}

// driveToolLoop implements spec §4.6 steps 5-6: repeatedly drive the LLM
// through the full tool set, bounded by MaxToolRounds, until it returns a
// final text with no further tool calls.
func (o *Orchestrator) driveToolLoop(ctx context.Context, rootID string, messages []ports.Message) (string, error) {
	for round := 0; round < o.cfg.MaxToolRounds; round++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		resp, err := o.drive(ctx, messages)
		if err != nil {
			return "", fmt.Errorf("llm drive: %w", err)
		}
		if resp.Done {
			return resp.Text, nil
		}

		messages = append(messages, ports.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			o.deps.Events.Emit(Event{
				Type: EventToolCall, SessionID: o.sessionID, TaskID: rootID,
				ToolName: call.Name, ToolCall: call.ID, Input: call.Input,
			})
			result := o.executeAndLog(ctx, rootID, call)
			messages = append(messages, ports.Message{
				Role: "tool", Content: toolResultText(result), ToolCallID: call.ID,
			})
		}
	}
	return "", fmt.Errorf("tool rounds exceeded (%d)", o.cfg.MaxToolRounds)
}

func (o *Orchestrator) drive(ctx context.Context, messages []ports.Message) (ports.DriverResponse, error) {
	return errorsx.ExecuteFunc(o.breaker, ctx, func(ctx context.Context) (ports.DriverResponse, error) {
		var resp ports.DriverResponse
		err := errorsx.Retry(ctx, o.cfg.Retry, o.logger, func(ctx context.Context) error {
			var innerErr error
			resp, innerErr = o.deps.Driver.Drive(ctx, ports.DriverRequest{
				Messages:   messages,
				Tools:      o.deps.Registry.Descriptors(),
				StepBudget: o.cfg.MaxToolRounds,
			})
			return innerErr
		})
		return resp, err
	})
}

// executeAndLog invokes one tool call, records an action log entry (spec
// §4.5), and emits tool_result.
func (o *Orchestrator) executeAndLog(ctx context.Context, taskID string, call ports.ToolCall) ports.ToolResult {
	tool, ok := o.deps.Registry.Lookup(call.Name)
	start := o.deps.Clock.NowMillis()

	var result ports.ToolResult
	if !ok {
		result = ports.ToolResult{Error: fmt.Sprintf("unknown tool %q", call.Name)}
	} else {
		var err error
		result, err = tool.Execute(ctx, call.Input)
		if err != nil && result.Error == "" {
			result.Error = err.Error()
		}
	}
	duration := o.deps.Clock.NowMillis() - start

	entry := actionlog.Entry{
		ID:            uuid.NewString(),
		SessionID:     o.sessionID,
		Timestamp:     start,
		Tool:          call.Name,
		Action:        call.Name,
		Input:         actionlog.TruncateInput(fmt.Sprintf("%v", call.Input)),
		OutputSummary: summarizeToolOutput(call.Name, result),
		DurationMs:    duration,
		Success:       !resultHasError(result),
		Error:         result.Error,
		MessageID:     call.ID,
	}
	if err := o.deps.Actions.Append(ctx, o.sessionID, entry); err != nil {
		o.logger.Warn("append action log entry failed", "err", err)
	}

	o.deps.Events.Emit(Event{
		Type: EventToolResult, SessionID: o.sessionID, TaskID: taskID,
		ToolName: call.Name, ToolCall: call.ID, Output: result.Output, Error: result.Error,
	})
	return result
}

func (o *Orchestrator) finishOrDequeue(ctx context.Context) {
	o.mu.Lock()
	o.completedTurns++
	o.turnCancel = nil
	var next string
	var nextCtx context.Context
	if len(o.queued) > 0 {
		next = o.queued[0]
		o.queued = o.queued[1:]
		var cancel context.CancelFunc
		nextCtx, cancel = context.WithCancel(context.Background())
		o.turnCancel = cancel
	} else {
		o.status = StatusIdle
	}
	o.mu.Unlock()

	if next != "" {
		async.Go(o.logger, "orchestrator-turn-"+o.sessionID, func() {
			o.runTurn(nextCtx, next)
		})
	}
}

func (o *Orchestrator) emitError(err error) {
	o.logger.Warn("turn failed", "err", err)
	o.deps.Events.Emit(Event{Type: EventError, SessionID: o.sessionID, Error: err.Error()})
}

func (o *Orchestrator) persistGraphAsync(ctx context.Context, g task.Graph) {
	if err := o.deps.Tasks.SaveGraph(ctx, o.sessionID, g); err != nil {
		o.logger.Warn("persist graph failed", "err", err)
	}
}

func (o *Orchestrator) recordTransition(taskID, from, to, reason string) {
	t := taskstore.Transition{
		SessionID:  o.sessionID,
		TaskID:     taskID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		CreatedAt:  o.deps.Clock.NowMillis(),
	}
	async.Go(o.logger, "record-transition-"+taskID, func() {
		if err := o.deps.Tasks.RecordTransition(context.Background(), t); err != nil {
			o.logger.Warn("record transition failed", "err", err)
		}
	})
}

func buildDriverMessages(systemPrompt string, history []chatstore.Message, userText string) []ports.Message {
	out := make([]ports.Message, 0, len(history)+2)
	if systemPrompt != "" {
		out = append(out, ports.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		out = append(out, ports.Message{Role: m.Role, Content: m.Content})
	}
	out = append(out, ports.Message{Role: "user", Content: userText})
	return out
}

func toolResultText(r ports.ToolResult) string {
	if r.Error != "" {
		return "error: " + r.Error
	}
	return fmt.Sprintf("%v", r.Output)
}

// resultHasError reports whether a tool call failed, per spec §4.6 step 6:
// "success derived from the absence of an error field in the output".
// Most tools surface failure via ToolResult.Error; self-describing tools
// like executeCode instead embed an "error" key in their own Output map.
func resultHasError(r ports.ToolResult) bool {
	if r.Error != "" {
		return true
	}
	_, ok := r.Output["error"]
	return ok
}

// summarizeToolOutput adapts a ports.ToolResult into the per-tool fields
// actionlog.Summarize's table switches on (spec §4.5). Tools report their
// shape through well-known keys in Output; unrecognized tools fall through
// to Summarize's generic JSON shape via Raw.
func summarizeToolOutput(name string, r ports.ToolResult) string {
	out := actionlog.ToolOutput{Error: r.Error, Raw: r.Output}
	m := r.Output
	if resultHasError(r) {
		out.CodeError = r.Error
		if out.CodeError == "" {
			if e, ok := m["error"].(string); ok {
				out.CodeError = e
			}
		}
	} else {
		out.CodeSuccess = true
	}
	out.ExitCode = intField(m, "exitCode")
	out.Stdout, _ = m["stdout"].(string)
	out.Stderr, _ = m["stderr"].(string)
	out.Lines = intField(m, "lines")
	out.Bytes = intField(m, "bytes")
	out.Status = intField(m, "status")
	out.StatusText, _ = m["statusText"].(string)
	out.ResultCount = intField(m, "resultCount")
	out.URL, _ = m["url"].(string)
	out.Title, _ = m["title"].(string)
	if output, ok := m["output"].(string); ok {
		out.CodeOutput = output
	}
	return actionlog.Summarize(name, out)
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}
