package subagent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) NowMillis() int64     { return atomic.LoadInt64(&c.now) }
func (c *fakeClock) Advance(delta int64)  { atomic.AddInt64(&c.now, delta) }

type funcRunner func(ctx context.Context, props Props) Result

func (f funcRunner) Run(ctx context.Context, props Props) Result { return f(ctx, props) }

func collectTerminal() (Callbacks, func() []TrackingRow) {
	var mu sync.Mutex
	var rows []TrackingRow
	cb := Callbacks{OnTerminal: func(row TrackingRow) {
		mu.Lock()
		defer mu.Unlock()
		rows = append(rows, row)
	}}
	get := func() []TrackingRow {
		mu.Lock()
		defer mu.Unlock()
		return append([]TrackingRow(nil), rows...)
	}
	return cb, get
}

func fastPollConfig() Config {
	return Config{
		InitialCheckDelay: time.Millisecond,
		CheckInterval:     time.Millisecond,
		MaxCheckAttempts:  50,
		MaxExecutionTime:  time.Hour,
	}
}

func TestSupervisor_Spawn_SuccessReachesComplete(t *testing.T) {
	clock := &fakeClock{}
	runner := funcRunner(func(ctx context.Context, props Props) Result {
		return Result{TaskID: props.TaskID, Success: true, Result: "done"}
	})
	cb, terminals := collectTerminal()
	sup := NewSupervisor(runner, clock, fastPollConfig(), cb, nil)

	facet, err := sup.Spawn(Props{TaskID: "t1", Title: "Explore", ParentSessionID: "s1"})
	require.NoError(t, err)
	assert.NotEmpty(t, facet)

	require.Eventually(t, func() bool {
		row, ok := sup.Status("t1")
		return ok && row.Status == StatusComplete
	}, time.Second, time.Millisecond)

	row, _ := sup.Status("t1")
	assert.Equal(t, "done", row.Result)

	require.Eventually(t, func() bool { return len(terminals()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatusComplete, terminals()[0].Status)
}

func TestSupervisor_Spawn_FailureReachesFailed(t *testing.T) {
	clock := &fakeClock{}
	runner := funcRunner(func(ctx context.Context, props Props) Result {
		return Result{TaskID: props.TaskID, Success: false, Error: "boom"}
	})
	sup := NewSupervisor(runner, clock, fastPollConfig(), Callbacks{}, nil)

	_, err := sup.Spawn(Props{TaskID: "t2", ParentSessionID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		row, ok := sup.Status("t2")
		return ok && row.Status == StatusFailed
	}, time.Second, time.Millisecond)

	row, _ := sup.Status("t2")
	assert.Equal(t, "boom", row.Error)
}

func TestSupervisor_Timeout_CancelsWorkerAndMarksTimeout(t *testing.T) {
	clock := &fakeClock{}
	started := make(chan struct{})
	runner := funcRunner(func(ctx context.Context, props Props) Result {
		close(started)
		<-ctx.Done()
		return Result{TaskID: props.TaskID, Success: false, Error: "aborted"}
	})
	cfg := Config{InitialCheckDelay: time.Millisecond, CheckInterval: time.Millisecond, MaxCheckAttempts: 50, MaxExecutionTime: 5 * time.Millisecond}
	cb, terminals := collectTerminal()
	sup := NewSupervisor(runner, clock, cfg, cb, nil)

	_, err := sup.Spawn(Props{TaskID: "t3", ParentSessionID: "s1"})
	require.NoError(t, err)
	<-started

	clock.Advance(1000)

	require.Eventually(t, func() bool {
		row, ok := sup.Status("t3")
		return ok && row.Status == StatusTimeout
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return len(terminals()) >= 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatusTimeout, terminals()[0].Status)
}

func TestSupervisor_InterruptAll_MarksRunningRowsInterrupted(t *testing.T) {
	clock := &fakeClock{}
	block := make(chan struct{})
	runner := funcRunner(func(ctx context.Context, props Props) Result {
		<-block
		return Result{TaskID: props.TaskID, Success: false, Error: "aborted"}
	})
	defer close(block)

	cb, terminals := collectTerminal()
	sup := NewSupervisor(runner, clock, fastPollConfig(), cb, nil)

	_, err := sup.Spawn(Props{TaskID: "t4", ParentSessionID: "s1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := sup.Status("t4")
		return ok
	}, time.Second, time.Millisecond)

	changed := sup.InterruptAll()
	require.Len(t, changed, 1)
	assert.Equal(t, StatusInterrupted, changed[0].Status)

	row, ok := sup.Status("t4")
	require.True(t, ok)
	assert.Equal(t, StatusInterrupted, row.Status)

	require.Eventually(t, func() bool { return len(terminals()) == 1 }, time.Second, time.Millisecond)
}

func TestSupervisor_Status_UnknownTaskReturnsFalse(t *testing.T) {
	sup := NewSupervisor(funcRunner(func(ctx context.Context, props Props) Result { return Result{} }), &fakeClock{}, fastPollConfig(), Callbacks{}, nil)
	_, ok := sup.Status("missing")
	assert.False(t, ok)
}

func TestMarshalProps_RoundTripsFields(t *testing.T) {
	props := Props{TaskID: "t5", Title: "Title", Description: "Desc", Context: "ctx", ParentSessionID: "s1", ParentID: "p1"}
	out, err := MarshalProps(props)
	require.NoError(t, err)
	assert.Contains(t, out, `"taskId":"t5"`)
	assert.Contains(t, out, `"parentSessionId":"s1"`)
}
