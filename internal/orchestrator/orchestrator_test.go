package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/domain/actionlog"
	"orchestrator/internal/domain/task"
	"orchestrator/internal/infra/chatstore"
	"orchestrator/internal/infra/taskstore"
	"orchestrator/internal/ports"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) NowMillis() int64 { return atomic.AddInt64(&c.now, 1) }

type fakeTaskStore struct {
	mu          sync.Mutex
	graph       task.Graph
	limits      task.Limits
	transitions []taskstore.Transition
}

func newFakeTaskStore(limits task.Limits) *fakeTaskStore {
	return &fakeTaskStore{graph: task.NewGraph(limits), limits: limits}
}

func (s *fakeTaskStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *fakeTaskStore) SaveGraph(ctx context.Context, sessionID string, g task.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = g
	return nil
}

func (s *fakeTaskStore) LoadGraph(ctx context.Context, sessionID string, limits task.Limits) (task.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph, nil
}

func (s *fakeTaskStore) RecordTransition(ctx context.Context, t taskstore.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *fakeTaskStore) Transitions(ctx context.Context, sessionID, taskID string) ([]taskstore.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []taskstore.Transition
	for _, t := range s.transitions {
		if t.TaskID == taskID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeTaskStore) TryClaimTask(ctx context.Context, sessionID, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	return true, nil
}

func (s *fakeTaskStore) RenewTaskLease(ctx context.Context, sessionID, taskID, ownerID string, leaseUntil time.Time) (bool, error) {
	return true, nil
}

func (s *fakeTaskStore) ReleaseTaskLease(ctx context.Context, sessionID, taskID, ownerID string) error {
	return nil
}

func (s *fakeTaskStore) ClaimResumableTasks(ctx context.Context, ownerID string, leaseUntil time.Time, limit int) ([]taskstore.ClaimedTask, error) {
	return nil, nil
}

func (s *fakeTaskStore) transitionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transitions)
}

type fakeChatStore struct {
	mu       sync.Mutex
	messages []chatstore.Message
}

func newFakeChatStore() *fakeChatStore { return &fakeChatStore{} }

func (s *fakeChatStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *fakeChatStore) Append(ctx context.Context, msg chatstore.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeChatStore) Recent(ctx context.Context, sessionID string, limit int) ([]chatstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatstore.Message(nil), s.messages...), nil
}

func (s *fakeChatStore) Heartbeat(ctx context.Context, messageID string, heartbeatAt int64, checkpoint string) error {
	return nil
}

func (s *fakeChatStore) SetStatus(ctx context.Context, messageID string, status chatstore.Status) error {
	return nil
}

func (s *fakeChatStore) IncrementAttempt(ctx context.Context, messageID string) error { return nil }

func (s *fakeChatStore) UpdateContent(ctx context.Context, messageID, content string) error { return nil }

func (s *fakeChatStore) Streaming(ctx context.Context) ([]chatstore.Message, error) { return nil, nil }

func (s *fakeChatStore) roleCounts() (user, assistant int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		switch m.Role {
		case "user":
			user++
		case "assistant":
			assistant++
		}
	}
	return
}

type fakeActionStore struct {
	mu      sync.Mutex
	entries []actionlog.Entry
}

func newFakeActionStore() *fakeActionStore { return &fakeActionStore{} }

func (s *fakeActionStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *fakeActionStore) Append(ctx context.Context, sessionID string, e actionlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *fakeActionStore) List(ctx context.Context, sessionID string, q actionlog.Query) ([]actionlog.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]actionlog.Entry(nil), s.entries...), nil
}

func (s *fakeActionStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

func (s *fakeActionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type scriptedDriver struct {
	mu        sync.Mutex
	responses []ports.DriverResponse
	calls     int
	gate      chan struct{} // optional: blocks the first call until closed
}

func (d *scriptedDriver) Drive(ctx context.Context, req ports.DriverRequest) (ports.DriverResponse, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := d.responses[d.calls]
	if d.calls < len(d.responses)-1 {
		d.calls++
	}
	return resp, nil
}

type fakeTool struct {
	name string
	fn   func(ctx context.Context, input map[string]any) (ports.ToolResult, error)
}

func (t fakeTool) Name() string { return t.name }
func (t fakeTool) Descriptor() ports.ToolDescriptor {
	return ports.ToolDescriptor{Name: t.name}
}
func (t fakeTool) Execute(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
	return t.fn(ctx, input)
}

type fakeRegistry struct {
	tools map[string]ports.Tool
}

func newFakeRegistry(tools ...ports.Tool) fakeRegistry {
	m := map[string]ports.Tool{}
	for _, t := range tools {
		m[t.Name()] = t
	}
	return fakeRegistry{tools: m}
}

func (r fakeRegistry) Lookup(name string) (ports.Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r fakeRegistry) Descriptors() []ports.ToolDescriptor {
	var out []ports.ToolDescriptor
	for _, t := range r.tools {
		out = append(out, t.Descriptor())
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) byType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestOrchestrator(t *testing.T, driver ports.LLMDriver, registry ports.ToolRegistry) (*Orchestrator, *fakeTaskStore, *fakeChatStore, *fakeActionStore, *recordingSink) {
	t.Helper()
	tasks := newFakeTaskStore(task.DefaultLimits())
	chats := newFakeChatStore()
	actions := newFakeActionStore()
	sink := &recordingSink{}

	o, err := New(context.Background(), "session-1", task.DefaultLimits(), Config{}, Deps{
		Driver:   driver,
		Registry: registry,
		Tasks:    tasks,
		Chats:    chats,
		Actions:  actions,
		Clock:    &fakeClock{},
		Events:   sink,
	})
	require.NoError(t, err)
	return o, tasks, chats, actions, sink
}

func TestSubmit_FinalTextImmediately_CompletesRootAndPersistsChat(t *testing.T) {
	driver := &scriptedDriver{responses: []ports.DriverResponse{{Done: true, Text: "all done"}}}
	o, tasks, chats, _, sink := newTestOrchestrator(t, driver, newFakeRegistry())

	require.NoError(t, o.Submit("build a thing"))

	require.Eventually(t, func() bool { return o.Status() == StatusIdle }, time.Second, time.Millisecond)

	user, assistant := chats.roleCounts()
	assert.Equal(t, 1, user)
	assert.Equal(t, 1, assistant)

	g := o.Graph()
	require.Equal(t, 1, g.Len())
	root := g.All()[0]
	assert.Equal(t, task.StatusComplete, root.Status)
	assert.Equal(t, "all done", root.Result)

	chatEvents := sink.byType(EventChat)
	require.Len(t, chatEvents, 1)
	assert.Equal(t, "all done", chatEvents[0].Text)

	assert.GreaterOrEqual(t, tasks.transitionCount(), 2) // pending->in_progress, in_progress->complete
}

func TestSubmit_ToolCallThenFinalText_LogsActionAndEmitsEvents(t *testing.T) {
	tool := fakeTool{name: "readFile", fn: func(ctx context.Context, input map[string]any) (ports.ToolResult, error) {
		return ports.ToolResult{Output: map[string]any{"content": "hi"}}, nil
	}}
	driver := &scriptedDriver{responses: []ports.DriverResponse{
		{ToolCalls: []ports.ToolCall{{ID: "c1", Name: "readFile", Input: map[string]any{"path": "a.txt"}}}},
		{Done: true, Text: "read it"},
	}}
	o, _, _, actions, sink := newTestOrchestrator(t, driver, newFakeRegistry(tool))

	require.NoError(t, o.Submit("read a.txt"))
	require.Eventually(t, func() bool { return o.Status() == StatusIdle }, time.Second, time.Millisecond)

	assert.Equal(t, 1, actions.count())
	assert.Len(t, sink.byType(EventToolCall), 1)
	assert.Len(t, sink.byType(EventToolResult), 1)
	assert.Len(t, sink.byType(EventChat), 1)
}

func TestSubmit_QueuesOneAdditionalMessage_RunsAfterFirstCompletes(t *testing.T) {
	gate := make(chan struct{})
	driver := &scriptedDriver{gate: gate, responses: []ports.DriverResponse{{Done: true, Text: "first"}}}
	o, _, chats, _, _ := newTestOrchestrator(t, driver, newFakeRegistry())

	require.NoError(t, o.Submit("first message"))
	require.Eventually(t, func() bool { return o.Status() == StatusBusy }, time.Second, time.Millisecond)

	require.NoError(t, o.Submit("second message"))
	assert.ErrorIs(t, o.Submit("third message"), ErrQueueFull)

	close(gate)
	require.Eventually(t, func() bool {
		user, _ := chats.roleCounts()
		return user == 2 && o.Status() == StatusIdle
	}, time.Second, time.Millisecond)
}

// gatedCtxDriver blocks its first Drive call on gate, then records whether
// the request context was already cancelled once unblocked.
type gatedCtxDriver struct {
	gate        chan struct{}
	ctxErrAfter chan error
}

func (d *gatedCtxDriver) Drive(ctx context.Context, req ports.DriverRequest) (ports.DriverResponse, error) {
	<-d.gate
	d.ctxErrAfter <- ctx.Err()
	<-ctx.Done()
	return ports.DriverResponse{}, ctx.Err()
}

func TestCancel_AbortsInFlightTurnAndReturnsToIdle(t *testing.T) {
	gate := make(chan struct{})
	driver := &gatedCtxDriver{gate: gate, ctxErrAfter: make(chan error, 1)}
	o, _, _, _, _ := newTestOrchestrator(t, driver, newFakeRegistry())

	require.NoError(t, o.Submit("do something"))
	require.Eventually(t, func() bool { return o.Status() == StatusBusy }, time.Second, time.Millisecond)

	var root task.Task
	require.Eventually(t, func() bool {
		g := o.Graph()
		if g.Len() == 0 {
			return false
		}
		root = g.All()[0]
		return true
	}, time.Second, time.Millisecond)

	// Cancel while the turn is still blocked inside its own Drive call: the
	// driver hasn't observed ctx.Done() yet, so this exercises Cancel's
	// effect independent of the in-flight call noticing it.
	o.Cancel(root.ID)
	assert.Equal(t, StatusIdle, o.Status())

	close(gate)
	select {
	case err := <-driver.ctxErrAfter:
		assert.ErrorIs(t, err, context.Canceled, "Cancel cancels the turn's ctx before the driver unblocks")
	case <-time.After(time.Second):
		t.Fatal("driver never unblocked")
	}

	require.Eventually(t, func() bool { return o.Graph().All()[0].Status == task.StatusCancelled }, time.Second, time.Millisecond)
}

func TestCancel_FlipsRootAndActiveDescendantsToCancelled(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t, &scriptedDriver{responses: []ports.DriverResponse{{Done: true}}}, newFakeRegistry())

	root := task.CreateTask(task.CreateInput{Title: "root"}, func() int64 { return 1 })
	g, err := task.AddTask(o.Graph(), root)
	require.NoError(t, err)
	g, ok := task.Start(g, root.ID, "session-1", 2)
	require.True(t, ok)

	child := task.CreateTask(task.CreateInput{ParentID: root.ID, Title: "child"}, func() int64 { return 3 })
	g, err = task.AddTask(g, child)
	require.NoError(t, err)
	g, ok = task.Start(g, child.ID, "session-1", 4)
	require.True(t, ok)

	o.mu.Lock()
	o.graph = g
	o.mu.Unlock()

	o.Cancel(root.ID)

	final := o.Graph()
	rootTask, _ := final.Get(root.ID)
	childTask, _ := final.Get(child.ID)
	assert.Equal(t, task.StatusCancelled, rootTask.Status)
	assert.Equal(t, task.StatusCancelled, childTask.Status)
	assert.Equal(t, StatusIdle, o.Status())
}

func TestCancel_UnknownTaskIsNoOp(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t, &scriptedDriver{responses: []ports.DriverResponse{{Done: true}}}, newFakeRegistry())
	before := o.Graph()
	o.Cancel("does-not-exist")
	assert.Equal(t, before.Len(), o.Graph().Len())
}
