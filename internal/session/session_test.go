package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/config"
	"orchestrator/internal/domain/actionlog"
	"orchestrator/internal/domain/task"
	"orchestrator/internal/infra/chatstore"
	"orchestrator/internal/infra/subagentstore"
	"orchestrator/internal/infra/taskstore"
	"orchestrator/internal/orchestrator"
	"orchestrator/internal/ports"
	"orchestrator/internal/subagent"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) NowMillis() int64 { return atomic.AddInt64(&c.now, 1) }

type fakeTaskStore struct {
	mu    sync.Mutex
	graph task.Graph
}

func newFakeTaskStore(limits task.Limits) *fakeTaskStore {
	return &fakeTaskStore{graph: task.NewGraph(limits)}
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

func (s *fakeTaskStore) RecordTransition(ctx context.Context, t taskstore.Transition) error { return nil }

func (s *fakeTaskStore) Transitions(ctx context.Context, sessionID, taskID string) ([]taskstore.Transition, error) {
	return nil, nil
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

type fakeSubagentStore struct {
	mu   sync.Mutex
	rows map[string]subagentstore.Row
}

func newFakeSubagentStore() *fakeSubagentStore {
	return &fakeSubagentStore{rows: make(map[string]subagentstore.Row)}
}

func (s *fakeSubagentStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *fakeSubagentStore) Save(ctx context.Context, row subagentstore.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.TaskID] = row
	return nil
}

func (s *fakeSubagentStore) Get(ctx context.Context, taskID string) (subagentstore.Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[taskID]
	return row, ok, nil
}

func (s *fakeSubagentStore) Running(ctx context.Context, sessionID string) ([]subagentstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subagentstore.Row
	for _, row := range s.rows {
		if row.SessionID == sessionID && row.Status == string(subagent.StatusRunning) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeSubagentStore) AllRunning(ctx context.Context) ([]subagentstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subagentstore.Row
	for _, row := range s.rows {
		if row.Status == string(subagent.StatusRunning) {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakeDocuments struct {
	mu      sync.Mutex
	content map[string]string
	version int
}

func newFakeDocuments() *fakeDocuments { return &fakeDocuments{content: make(map[string]string)} }

func (d *fakeDocuments) Get(ctx context.Context, path string) (string, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.content[path]
	return c, d.version, ok
}

func (d *fakeDocuments) Put(ctx context.Context, path, content string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.content[path] = content
	d.version++
	return d.version, nil
}

func (d *fakeDocuments) Delete(ctx context.Context, path string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.content, path)
	d.version++
	return d.version, nil
}

func (d *fakeDocuments) List(ctx context.Context) ([]string, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.content))
	for p := range d.content {
		out = append(out, p)
	}
	return out, d.version, nil
}

type scriptedDriver struct {
	mu        sync.Mutex
	responses []ports.DriverResponse
	calls     int
}

func (d *scriptedDriver) Drive(ctx context.Context, req ports.DriverRequest) (ports.DriverResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := d.responses[d.calls]
	if d.calls < len(d.responses)-1 {
		d.calls++
	}
	return resp, nil
}

func newTestSession(t *testing.T, driver ports.LLMDriver) (*Session, *fakeChatStore, *fakeActionStore, *fakeDocuments) {
	t.Helper()
	chats := newFakeChatStore()
	actions := newFakeActionStore()
	docs := newFakeDocuments()

	sess, err := newSession(context.Background(), "session-1", task.DefaultLimits(), Deps{
		Driver:       driver,
		Documents:    docs,
		Tasks:        newFakeTaskStore(task.DefaultLimits()),
		Chats:        chats,
		Actions:      actions,
		SubagentRows: newFakeSubagentStore(),
		Clock:        &fakeClock{},
		SystemPrompt: "be helpful",
	}, orchestrator.Config{}, subagent.Config{CheckInterval: time.Hour}, config.Config{MaxExecutionTimeSecondsSubagent: 5})
	require.NoError(t, err)
	return sess, chats, actions, docs
}

func TestSession_Chat_ReturnsThisTurnsEventsOnly(t *testing.T) {
	driver := &scriptedDriver{responses: []ports.DriverResponse{{Done: true, Text: "hello back"}}}
	sess, chats, _, _ := newTestSession(t, driver)

	events, err := sess.Chat(context.Background(), "hi")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, orchestrator.EventChat, last.Type)
	assert.Equal(t, "hello back", last.Text)

	msgs, err := chats.Recent(context.Background(), "session-1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestSession_State_ReflectsGraphAfterChat(t *testing.T) {
	driver := &scriptedDriver{responses: []ports.DriverResponse{{Done: true, Text: "done"}}}
	sess, _, _, _ := newTestSession(t, driver)

	_, err := sess.Chat(context.Background(), "do it")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := sess.State()
		return len(st.Tasks) == 1 && st.Tasks[0].Status == task.StatusComplete && st.Status == orchestrator.StatusIdle
	}, time.Second, time.Millisecond)
}

func TestSession_Files_RoundTripsThroughDocumentStore(t *testing.T) {
	driver := &scriptedDriver{responses: []ports.DriverResponse{{Done: true, Text: "ok"}}}
	sess, _, _, _ := newTestSession(t, driver)

	v, err := sess.PutFile(context.Background(), "notes.md", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	content, _, ok := sess.GetFile(context.Background(), "notes.md")
	require.True(t, ok)
	assert.Equal(t, "hello", content)

	files, _, err := sess.Files(context.Background())
	require.NoError(t, err)
	assert.Contains(t, files, "notes.md")

	_, err = sess.DeleteFile(context.Background(), "notes.md")
	require.NoError(t, err)
	_, _, ok = sess.GetFile(context.Background(), "notes.md")
	assert.False(t, ok)
}

func TestSession_Actions_ClearEmptiesLog(t *testing.T) {
	driver := &scriptedDriver{responses: []ports.DriverResponse{{Done: true, Text: "ok"}}}
	sess, _, actions, _ := newTestSession(t, driver)

	actions.Append(context.Background(), "session-1", actionlog.Entry{Tool: "readFile"})
	entries, err := sess.Actions(context.Background(), actionlog.Query{})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, sess.ClearActions(context.Background()))
	entries, err = sess.Actions(context.Background(), actionlog.Query{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateSubtaskTool_AddsTaskToLiveGraph(t *testing.T) {
	driver := &scriptedDriver{responses: []ports.DriverResponse{{Done: true}}}
	sess, _, _, _ := newTestSession(t, driver)

	tool := createSubtaskTool{sess}
	result, err := tool.Execute(context.Background(), map[string]any{"title": "sub one"})
	require.NoError(t, err)
	require.Empty(t, result.Error)
	taskID, _ := result.Output["taskId"].(string)
	require.NotEmpty(t, taskID)

	created, ok := sess.orch.Graph().Get(taskID)
	require.True(t, ok)
	assert.Equal(t, "sub one", created.Title)
	assert.Equal(t, task.StatusPending, created.Status)
}

func TestListTasksTool_ReflectsGraphContents(t *testing.T) {
	driver := &scriptedDriver{responses: []ports.DriverResponse{{Done: true}}}
	sess, _, _, _ := newTestSession(t, driver)

	_, err := createSubtaskTool{sess}.Execute(context.Background(), map[string]any{"title": "a"})
	require.NoError(t, err)

	result, err := listTasksTool{sess}.Execute(context.Background(), nil)
	require.NoError(t, err)
	tasks, _ := result.Output["tasks"].([]map[string]any)
	assert.Len(t, tasks, 1)
}

func TestCompleteTaskTool_TransitionsTaskToComplete(t *testing.T) {
	driver := &scriptedDriver{responses: []ports.DriverResponse{{Done: true}}}
	sess, _, _, _ := newTestSession(t, driver)

	created, err := sess.orch.CreateSubtask(context.Background(), task.CreateInput{Title: "work"})
	require.NoError(t, err)

	result, err := completeTaskTool{sess}.Execute(context.Background(), map[string]any{"taskId": created.ID, "result": "done!"})
	require.NoError(t, err)
	require.Empty(t, result.Error)

	got, ok := sess.orch.Graph().Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusComplete, got.Status)
	assert.Equal(t, "done!", got.Result)
}

func TestCompleteTaskTool_UnknownTaskReturnsToolError(t *testing.T) {
	driver := &scriptedDriver{responses: []ports.DriverResponse{{Done: true}}}
	sess, _, _, _ := newTestSession(t, driver)

	result, err := completeTaskTool{sess}.Execute(context.Background(), map[string]any{"taskId": "missing"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Error)
}

type fakeRunner struct {
	result subagent.Result
	delay  time.Duration
}

func (r fakeRunner) Run(ctx context.Context, props subagent.Props) subagent.Result {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
		}
	}
	res := r.result
	res.TaskID = props.TaskID
	return res
}

func newTestSessionWithRunner(t *testing.T, runner subagent.Runner) *Session {
	t.Helper()
	sess, err := newSession(context.Background(), "session-1", task.DefaultLimits(), Deps{
		Driver:       &scriptedDriver{responses: []ports.DriverResponse{{Done: true}}},
		Documents:    newFakeDocuments(),
		Tasks:        newFakeTaskStore(task.DefaultLimits()),
		Chats:        newFakeChatStore(),
		Actions:      newFakeActionStore(),
		SubagentRows: newFakeSubagentStore(),
		Clock:        &fakeClock{},
	}, orchestrator.Config{}, subagent.Config{InitialCheckDelay: time.Hour, CheckInterval: time.Hour}, config.Config{MaxExecutionTimeSecondsSubagent: 5})
	require.NoError(t, err)
	sess.super = subagent.NewSupervisor(runner, sess.clock, subagent.Config{InitialCheckDelay: time.Hour, CheckInterval: time.Hour}, subagent.Callbacks{OnTerminal: sess.onSubagentTerminal}, sess.logger)
	return sess
}

func TestDelegateToSubagentTool_SpawnsWorkerAndCompletesTaskOnSuccess(t *testing.T) {
	sess := newTestSessionWithRunner(t, fakeRunner{result: subagent.Result{Success: true, Result: "subagent output"}})

	tool := delegateToSubagentTool{sess}
	result, err := tool.Execute(context.Background(), map[string]any{"title": "delegated", "description": "do a thing"})
	require.NoError(t, err)
	require.Empty(t, result.Error)
	taskID, _ := result.Output["taskId"].(string)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		got, ok := sess.orch.Graph().Get(taskID)
		return ok && got.Status == task.StatusComplete
	}, time.Second, time.Millisecond)
}

func TestDelegateToSubagentTool_FailsTaskOnWorkerFailure(t *testing.T) {
	sess := newTestSessionWithRunner(t, fakeRunner{result: subagent.Result{Success: false, Error: "boom"}})

	tool := delegateToSubagentTool{sess}
	result, err := tool.Execute(context.Background(), map[string]any{"title": "delegated", "description": "do a thing"})
	require.NoError(t, err)
	taskID, _ := result.Output["taskId"].(string)

	require.Eventually(t, func() bool {
		got, ok := sess.orch.Graph().Get(taskID)
		return ok && got.Status == task.StatusFailed
	}, time.Second, time.Millisecond)
}

func TestCheckSubagentStatusTool_ReportsLiveRow(t *testing.T) {
	sess := newTestSessionWithRunner(t, fakeRunner{result: subagent.Result{Success: true, Result: "ok"}, delay: 50 * time.Millisecond})

	spawned, err := delegateToSubagentTool{sess}.Execute(context.Background(), map[string]any{"title": "t", "description": "d"})
	require.NoError(t, err)
	taskID, _ := spawned.Output["taskId"].(string)

	result, err := checkSubagentStatusTool{sess}.Execute(context.Background(), map[string]any{"taskId": taskID})
	require.NoError(t, err)
	assert.Equal(t, string(subagent.StatusRunning), result.Output["status"])
}

func TestWaitForSubagentsTool_BlocksUntilTerminalThenReturnsResults(t *testing.T) {
	sess := newTestSessionWithRunner(t, fakeRunner{result: subagent.Result{Success: true, Result: "finished"}, delay: 20 * time.Millisecond})

	spawned, err := delegateToSubagentTool{sess}.Execute(context.Background(), map[string]any{"title": "t", "description": "d"})
	require.NoError(t, err)
	taskID, _ := spawned.Output["taskId"].(string)

	result, err := waitForSubagentsTool{sess}.Execute(context.Background(), map[string]any{"taskIds": []any{taskID}})
	require.NoError(t, err)
	results, _ := result.Output["results"].(map[string]any)
	require.Contains(t, results, taskID)
	row, _ := results[taskID].(map[string]any)
	assert.Equal(t, string(subagent.StatusComplete), row["status"])
	assert.Equal(t, "finished", row["result"])
}

func TestManager_Get_CachesSessionAcrossCalls(t *testing.T) {
	driverCalls := 0
	mgr, err := NewManager(ManagerDeps{
		Driver: func(sessionID string) ports.LLMDriver {
			driverCalls++
			return &scriptedDriver{responses: []ports.DriverResponse{{Done: true, Text: "hi"}}}
		},
		Tasks:        newFakeTaskStore(task.DefaultLimits()),
		Chats:        newFakeChatStore(),
		Actions:      newFakeActionStore(),
		SubagentRows: newFakeSubagentStore(),
		Clock:        &fakeClock{},
		Config:       config.Config{MaxDepth: 3, MaxSubtasks: 10, MaxTotalTasks: 50},
	}, 4)
	require.NoError(t, err)

	s1, err := mgr.Get(context.Background(), "session-1")
	require.NoError(t, err)
	s2, err := mgr.Get(context.Background(), "session-1")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, driverCalls)
}

func TestManager_Get_BuildsDistinctSessionsPerID(t *testing.T) {
	mgr, err := NewManager(ManagerDeps{
		Driver: func(sessionID string) ports.LLMDriver {
			return &scriptedDriver{responses: []ports.DriverResponse{{Done: true, Text: "hi"}}}
		},
		Tasks:        newFakeTaskStore(task.DefaultLimits()),
		Chats:        newFakeChatStore(),
		Actions:      newFakeActionStore(),
		SubagentRows: newFakeSubagentStore(),
		Clock:        &fakeClock{},
		Config:       config.Config{MaxDepth: 3, MaxSubtasks: 10, MaxTotalTasks: 50},
	}, 4)
	require.NoError(t, err)

	s1, err := mgr.Get(context.Background(), "session-1")
	require.NoError(t, err)
	s2, err := mgr.Get(context.Background(), "session-2")
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
}
