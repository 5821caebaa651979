// Package subagent implements the subagent supervisor (L7): an isolated
// worker with its own focused LLM context and a scoped RPC back to the
// parent's capabilities, tracked by the parent via a polling schedule
// (spec §4.7).
package subagent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/async"
	"orchestrator/internal/logging"
	"orchestrator/internal/ports"
)

// Status is the tracking row's lifecycle value (spec §4.7.1, §4.7.3).
type Status string

const (
	StatusRunning     Status = "running"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
	StatusTimeout     Status = "timeout"
	StatusInterrupted Status = "interrupted"
)

// IsTerminal reports whether no further transition is expected.
func (s Status) IsTerminal() bool {
	return s != StatusRunning
}

// Props are the caller-supplied fields captured at spawn time (spec
// §4.7.1 step 1).
type Props struct {
	TaskID          string `json:"taskId"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	Context         string `json:"context,omitempty"`
	ParentSessionID string `json:"parentSessionId"`
	ParentID        string `json:"parentId"`
}

// Result is what a worker returns to its parent transport (spec §4.7.2).
type Result struct {
	TaskID     string
	Success    bool
	Result     string
	Error      string
	DurationMs int64
}

// TrackingRow is the in-memory shape of the §6.3 active_subagents row.
type TrackingRow struct {
	TaskID    string
	FacetName string
	SessionID string
	StartedAt int64
	Status    Status
	Result    string
	Error     string
}

// Runner drives one worker's lifecycle to completion (spec §4.7.2): build
// the focused prompt, drive the LLM through the scoped tool set, and
// return a terminal Result. Implementations must respect ctx cancellation
// as an abort signal.
type Runner interface {
	Run(ctx context.Context, props Props) Result
}

// Config bounds the supervision schedule (spec §4.7.1, §4.7.3).
type Config struct {
	InitialCheckDelay time.Duration
	CheckInterval     time.Duration
	MaxCheckAttempts  int
	MaxExecutionTime  time.Duration
}

// DefaultConfig returns the spec §6.4 defaults.
func DefaultConfig() Config {
	return Config{
		InitialCheckDelay: 30 * time.Second,
		CheckInterval:     60 * time.Second,
		MaxCheckAttempts:  10,
		MaxExecutionTime:  600 * time.Second,
	}
}

// Callbacks notifies the parent (the graph's single writer) when a
// tracking row reaches a terminal state, so it can apply the matching
// task transition (spec §4.7.3: timeout/interrupt "fail the corresponding
// task in the graph").
type Callbacks struct {
	OnTerminal func(row TrackingRow)
}

type entry struct {
	row    TrackingRow
	cancel context.CancelFunc
}

// Supervisor tracks every in-flight subagent for one session. It is safe
// for concurrent use; every tracked worker runs in its own goroutine.
type Supervisor struct {
	mu     sync.Mutex
	rows   map[string]*entry
	runner Runner
	clock  ports.Clock
	cfg    Config
	cb     Callbacks
	logger logging.Logger
}

// NewSupervisor builds a Supervisor. cfg's zero value is replaced by
// DefaultConfig.
func NewSupervisor(runner Runner, clock ports.Clock, cfg Config, cb Callbacks, logger logging.Logger) *Supervisor {
	if cfg.CheckInterval == 0 {
		cfg = DefaultConfig()
	}
	return &Supervisor{
		rows:   make(map[string]*entry),
		runner: runner,
		clock:  clock,
		cfg:    cfg,
		cb:     cb,
		logger: logging.OrNop(logger),
	}
}

// Spawn starts a worker for props and returns immediately with a facet
// name (spec §4.7.1 steps 2-3). The worker runs fire-and-forget; its
// result arrives via the Callbacks.OnTerminal hook or a later Status
// poll.
func (s *Supervisor) Spawn(props Props) (facetName string, err error) {
	facet := uuid.NewString()
	now := s.clock.NowMillis()

	workerCtx, cancel := context.WithCancel(context.Background())
	row := TrackingRow{
		TaskID:    props.TaskID,
		FacetName: facet,
		SessionID: props.ParentSessionID,
		StartedAt: now,
		Status:    StatusRunning,
	}

	s.mu.Lock()
	s.rows[props.TaskID] = &entry{row: row, cancel: cancel}
	s.mu.Unlock()

	async.Go(s.logger, "subagent-worker-"+facet, func() {
		s.runWorker(workerCtx, props, now)
	})
	async.Go(s.logger, "subagent-poll-"+facet, func() {
		s.pollLoop(props.TaskID)
	})

	return facet, nil
}

func (s *Supervisor) runWorker(ctx context.Context, props Props, startedAt int64) {
	result := s.runner.Run(ctx, props)
	result.DurationMs = s.clock.NowMillis() - startedAt

	status := StatusComplete
	if !result.Success {
		status = StatusFailed
	}
	s.finish(props.TaskID, status, result.Result, result.Error)
}

func (s *Supervisor) pollLoop(taskID string) {
	timer := time.NewTimer(s.cfg.InitialCheckDelay)
	defer timer.Stop()
	<-timer.C

	for attempt := 0; attempt < s.cfg.MaxCheckAttempts; attempt++ {
		row, ok := s.Status(taskID)
		if !ok || row.Status.IsTerminal() {
			return
		}
		if s.isTimedOut(row) {
			s.timeout(taskID)
			return
		}
		time.Sleep(s.cfg.CheckInterval)
	}
}

// Status returns the tracking row for taskID, querying the worker's
// terminal state if it already finished (spec §4.7.3).
func (s *Supervisor) Status(taskID string) (TrackingRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[taskID]
	if !ok {
		return TrackingRow{}, false
	}
	return e.row, true
}

func (s *Supervisor) isTimedOut(row TrackingRow) bool {
	if row.Status != StatusRunning {
		return false
	}
	return s.clock.NowMillis()-row.StartedAt > s.cfg.MaxExecutionTime.Milliseconds()
}

// IsTimedOut reports whether taskID's worker has exceeded MaxExecutionTime
// and is still running (spec §4.7.3).
func (s *Supervisor) IsTimedOut(taskID string) bool {
	row, ok := s.Status(taskID)
	return ok && s.isTimedOut(row)
}

func (s *Supervisor) timeout(taskID string) {
	s.mu.Lock()
	e, ok := s.rows[taskID]
	if !ok || e.row.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	e.cancel()
	e.row.Status = StatusTimeout
	e.row.Error = "subagent exceeded maximum execution time"
	row := e.row
	s.mu.Unlock()

	s.notify(row)
}

func (s *Supervisor) finish(taskID string, status Status, result, errMsg string) {
	s.mu.Lock()
	e, ok := s.rows[taskID]
	if !ok || e.row.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	e.row.Status = status
	e.row.Result = result
	e.row.Error = errMsg
	row := e.row
	s.mu.Unlock()

	s.notify(row)
}

func (s *Supervisor) notify(row TrackingRow) {
	if s.cb.OnTerminal != nil {
		s.cb.OnTerminal(row)
	}
}

// Abort cancels taskID's worker if still running (spec §5 cancellation:
// "issues abort to every running subagent").
func (s *Supervisor) Abort(taskID string) {
	s.mu.Lock()
	e, ok := s.rows[taskID]
	if !ok || e.row.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	e.cancel()
	s.mu.Unlock()
}

// InterruptAll marks every still-running tracked worker "interrupted"
// (spec §4.7.3: "On parent restart: every tracking row still running is
// marked interrupted"). It returns the rows that changed so the caller
// can fail the matching graph tasks.
func (s *Supervisor) InterruptAll() []TrackingRow {
	s.mu.Lock()
	var changed []TrackingRow
	for _, e := range s.rows {
		if e.row.Status == StatusRunning {
			e.cancel()
			e.row.Status = StatusInterrupted
			e.row.Error = "interrupted"
			changed = append(changed, e.row)
		}
	}
	s.mu.Unlock()

	for _, row := range changed {
		s.notify(row)
	}
	return changed
}

// MarshalProps serializes props for the tracking row's propsJson column
// (spec §4.7.1 step 2).
func MarshalProps(props Props) (string, error) {
	b, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
