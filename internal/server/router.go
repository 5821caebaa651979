package server

import (
	"net/http"
	"time"

	"orchestrator/internal/logging"
	"orchestrator/internal/observability"
	"orchestrator/internal/session"
)

// Config bundles the HTTP-transport-specific settings spec §6.4's
// configuration table doesn't cover (that table is exclusively the
// orchestrator-core knobs consumed by internal/config.Config); these are
// ambient-stack settings the teacher's own RouterConfig carries
// (AllowedOrigins, MaxTaskBodyBytes, NonStreamTimeout, RateLimit).
type Config struct {
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	RateLimitPerMin int
}

// DefaultConfig returns reasonable defaults for local/dev use.
func DefaultConfig() Config {
	return Config{RequestTimeout: 30 * time.Second, RateLimitPerMin: 120}
}

// NewRouter builds the full spec §6.1 HTTP surface over mgr, wrapped in the
// teacher's middleware chain shape (router.go): each successive
// assignment wraps the previous handler, so the last-applied middleware
// (CORS) ends up outermost and sees the request first. The websocket event
// stream is registered on its own mux and skips RequestTimeoutMiddleware
// and CompressionMiddleware, neither of which tolerates a long-lived
// hijacked connection (http.TimeoutHandler buffers the whole response;
// gzip has nothing to flush usefully over a frame-at-a-time socket).
func NewRouter(mgr *session.Manager, metrics RequestMetrics, logger logging.Logger, cfg Config) http.Handler {
	logger = logging.OrNop(logger)
	h := NewAPIHandler(mgr, logger)

	api := http.NewServeMux()
	api.Handle("GET /sessions/{session_id}/state", http.HandlerFunc(h.HandleGetState))
	api.Handle("POST /sessions/{session_id}/chat", http.HandlerFunc(h.HandleChat))
	api.Handle("GET /sessions/{session_id}/chat/history", http.HandlerFunc(h.HandleChatHistory))
	api.Handle("POST /sessions/{session_id}/chat/clear", http.HandlerFunc(h.HandleChatClear))
	api.Handle("GET /sessions/{session_id}/tasks", http.HandlerFunc(h.HandleListTasks))
	api.Handle("GET /sessions/{session_id}/actions", http.HandlerFunc(h.HandleListActions))
	api.Handle("POST /sessions/{session_id}/actions/clear", http.HandlerFunc(h.HandleActionsClear))
	api.Handle("GET /sessions/{session_id}/files", http.HandlerFunc(h.HandleListFiles))
	api.Handle("GET /sessions/{session_id}/file/{path...}", http.HandlerFunc(h.HandleGetFile))
	api.Handle("PUT /sessions/{session_id}/file/{path...}", http.HandlerFunc(h.HandlePutFile))
	api.Handle("DELETE /sessions/{session_id}/file/{path...}", http.HandlerFunc(h.HandleDeleteFile))
	api.Handle("POST /sessions/{session_id}/subagents/spawn", http.HandlerFunc(h.HandleSpawnSubagent))
	api.Handle("GET /sessions/{session_id}/subagents", http.HandlerFunc(h.HandleListSubagents))
	api.Handle("GET /health", http.HandlerFunc(h.HandleHealth))
	api.Handle("GET /metrics", observability.Handler())

	var apiHandler http.Handler = api
	apiHandler = ObservabilityMiddleware(metrics)(apiHandler)
	apiHandler = LoggingMiddleware(logger)(apiHandler)
	apiHandler = RateLimitMiddleware(cfg.RateLimitPerMin)(apiHandler)
	apiHandler = RequestTimeoutMiddleware(cfg.RequestTimeout)(apiHandler)
	apiHandler = CompressionMiddleware()(apiHandler)
	apiHandler = CORSMiddleware(cfg.AllowedOrigins)(apiHandler)

	top := http.NewServeMux()
	top.Handle("/", apiHandler)

	var eventsHandler http.Handler = http.HandlerFunc(h.HandleEvents)
	eventsHandler = ObservabilityMiddleware(metrics)(eventsHandler)
	eventsHandler = LoggingMiddleware(logger)(eventsHandler)
	eventsHandler = RateLimitMiddleware(cfg.RateLimitPerMin)(eventsHandler)
	eventsHandler = CORSMiddleware(cfg.AllowedOrigins)(eventsHandler)
	top.Handle("GET /sessions/{session_id}/events", eventsHandler)

	return top
}
