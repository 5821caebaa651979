package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"orchestrator/internal/config"
	"orchestrator/internal/domain/task"
	"orchestrator/internal/errorsx"
	"orchestrator/internal/infra/actionlogstore"
	"orchestrator/internal/infra/chatstore"
	"orchestrator/internal/infra/subagentstore"
	"orchestrator/internal/infra/taskstore"
	"orchestrator/internal/logging"
	"orchestrator/internal/orchestrator"
	"orchestrator/internal/ports"
	"orchestrator/internal/subagent"
)

// DriverFactory, RegistryFactory, DocumentStoreFactory, and
// CapabilitiesFactory mint a session's external collaborators by session
// ID, so a single Manager can hand every session its own scoped instance
// (e.g. a document store rooted at that session's own directory) without
// this package ever constructing one itself.
type (
	DriverFactory        func(sessionID string) ports.LLMDriver
	RegistryFactory      func(sessionID string) ports.ToolRegistry
	DocumentStoreFactory func(sessionID string) ports.DocumentStore
	CapabilitiesFactory  func(sessionID string) Capabilities
)

// ManagerDeps bundles the process-wide collaborators every session shares,
// plus the per-session factories above.
type ManagerDeps struct {
	Driver       DriverFactory
	Registry     RegistryFactory
	Documents    DocumentStoreFactory
	Capabilities CapabilitiesFactory

	Tasks        taskstore.Store
	Chats        chatstore.Store
	Actions      actionlogstore.Store
	SubagentRows subagentstore.Store

	Clock  ports.Clock
	Logger logging.Logger
	Config config.Config

	SystemPrompt string
}

// Manager is a bounded, lazily-populated cache of live Sessions (spec
// §4.9's "a per-session actor"; the bound itself is SPEC_FULL.md §B's
// wiring note for golang-lru, not a spec requirement). Evicting an idle
// session is safe: its graph, chat history, and action log are already
// durable, so the next Get reloads it from persistence.
type Manager struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Session]
	deps  ManagerDeps
}

// DefaultCacheSize bounds how many session actors stay warm in memory at
// once (spec §B wiring note).
const DefaultCacheSize = 256

// NewManager builds a Manager. cacheSize <= 0 uses DefaultCacheSize.
func NewManager(deps ManagerDeps, cacheSize int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Session](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("build session cache: %w", err)
	}
	return &Manager{cache: cache, deps: deps}, nil
}

// Get returns the Session for id, building and caching it on first access.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.cache.Get(id); ok {
		return sess, nil
	}

	sess, err := m.build(ctx, id)
	if err != nil {
		return nil, err
	}
	m.cache.Add(id, sess)
	return sess, nil
}

func (m *Manager) build(ctx context.Context, id string) (*Session, error) {
	deps := Deps{
		Tasks: m.deps.Tasks, Chats: m.deps.Chats, Actions: m.deps.Actions, SubagentRows: m.deps.SubagentRows,
		Clock: m.deps.Clock, Logger: m.deps.Logger, SystemPrompt: m.deps.SystemPrompt,
	}
	if m.deps.Driver != nil {
		deps.Driver = m.deps.Driver(id)
	}
	if m.deps.Registry != nil {
		deps.Registry = m.deps.Registry(id)
	}
	if m.deps.Documents != nil {
		deps.Documents = m.deps.Documents(id)
	}
	if m.deps.Capabilities != nil {
		deps.Capabilities = m.deps.Capabilities(id)
	}

	limits := task.Limits{
		MaxDepth: m.deps.Config.MaxDepth, MaxSubtasks: m.deps.Config.MaxSubtasks, MaxTotal: m.deps.Config.MaxTotalTasks,
	}
	orchCfg := orchestrator.Config{
		MaxToolRounds:      m.deps.Config.MaxToolRounds,
		MaxContextMessages: m.deps.Config.MaxContextMessages,
		Retry: errorsx.RetryConfig{
			MaxAttempts: m.deps.Config.MaxAttempts,
			BaseDelay:   time.Duration(m.deps.Config.BaseBackoffSeconds) * time.Second,
			MaxDelay:    time.Duration(m.deps.Config.MaxBackoffSeconds) * time.Second,
		},
	}
	subCfg := subagent.Config{
		InitialCheckDelay: secondsOrDefault(m.deps.Config.SubagentInitialCheckDelay, subagent.DefaultConfig().InitialCheckDelay),
		CheckInterval:     secondsOrDefault(m.deps.Config.SubagentCheckInterval, subagent.DefaultConfig().CheckInterval),
		MaxCheckAttempts:  m.deps.Config.SubagentMaxCheckAttempts,
		MaxExecutionTime:  secondsOrDefault(m.deps.Config.MaxExecutionTimeSecondsSubagent, subagent.DefaultConfig().MaxExecutionTime),
	}

	return newSession(ctx, id, limits, deps, orchCfg, subCfg, m.deps.Config)
}

// secondsOrDefault converts a config seconds value to a duration, falling
// back to def when seconds is zero (an unconfigured field).
func secondsOrDefault(seconds int, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}
