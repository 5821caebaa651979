package server

import (
	"compress/gzip"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orchestrator/internal/logging"
)

// Middleware is an http.Handler decorator, matching the teacher's router.go
// middleware chain shape.
type Middleware func(http.Handler) http.Handler

// --- compression, adapted near-verbatim from the teacher's
// middleware_compress.go; isStreamRequest/appendVary/responseRecorderFlusher
// aren't present anywhere in the retrieved pack, so this version drops the
// websocket special case (handled by a dedicated route, never reaching this
// chain) and writes the Vary header directly. ---

type gzipResponseWriter struct {
	http.ResponseWriter
	writer      *gzip.Writer
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.writer.Write(b)
}

func (w *gzipResponseWriter) Flush() {
	if w.writer != nil {
		_ = w.writer.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Accept-Encoding")), "gzip")
}

// CompressionMiddleware gzip-encodes responses when the client accepts it.
func CompressionMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !acceptsGzip(r) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Accept-Encoding")
			w.Header().Set("Content-Encoding", "gzip")

			gz := gzip.NewWriter(w)
			defer gz.Close()
			next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, writer: gz}, r)
		})
	}
}

// --- logging, adapted from the teacher's middleware_logging.go; this
// module has no id.LogIDFromContext/NewLogID helper in the pack, so log IDs
// are minted with google/uuid instead. ---

func resolveLogID(r *http.Request) string {
	for _, header := range []string{"X-Log-Id", "X-Request-Id", "X-Correlation-Id"} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
	}
	return ""
}

type logIDKey struct{}

// LoggingMiddleware logs each request's method, path, remote address, and
// a log ID threaded onto the request context for downstream handlers.
func LoggingMiddleware(logger logging.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logID := resolveLogID(r)
			if logID == "" {
				logID = uuid.NewString()
			}
			w.Header().Set("X-Log-Id", logID)
			ctx := context.WithValue(r.Context(), logIDKey{}, logID)

			start := time.Now()
			logger.Info("http request start", "method", r.Method, "path", r.URL.Path, "remote", clientIP(r), "log_id", logID)
			next.ServeHTTP(w, r.WithContext(ctx))
			logger.Info("http request done", "method", r.Method, "path", r.URL.Path, "log_id", logID, "elapsed_ms", time.Since(start).Milliseconds())
		})
	}
}

// --- CORS, authored fresh against spec §6.4's allowed-origins config;
// gin-contrib/cors doesn't appear anywhere in the retrieval pack (see
// DESIGN.md), so this is a stdlib-only equivalent of its allow-list
// behavior rather than an adaptation of teacher code. ---

// CORSMiddleware allows requests from the configured origins (or any origin
// when allowed is empty), mirroring a typical browser-facing dev/prod split.
func CORSMiddleware(allowed []string) Middleware {
	allowAll := len(allowed) == 0
	allowSet := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		allowSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if _, ok := allowSet[origin]; allowAll || ok {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					w.Header().Set("Access-Control-Allow-Credentials", "true")
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id, X-Log-Id, X-Correlation-Id")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- rate limiting, grounded on vanducng-goclaw's
// internal/channels/ratelimit.go WebhookRateLimiter: a mutex-guarded,
// bounded, sliding-window per-key limiter with stale-entry pruning. Here
// the key is the client IP instead of a webhook identity. ---

const (
	rateLimitMaxTrackedKeys = 4096
	rateLimitWindow         = 60 * time.Second
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

type rateLimiter struct {
	mu      sync.Mutex
	maxHits int
	entries map[string]*rateLimitEntry
}

func newRateLimiter(maxHits int) *rateLimiter {
	if maxHits <= 0 {
		maxHits = 120
	}
	return &rateLimiter{maxHits: maxHits, entries: make(map[string]*rateLimitEntry)}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[key]
	if !ok || now.Sub(e.windowStart) >= rateLimitWindow {
		if !ok && len(l.entries) >= rateLimitMaxTrackedKeys {
			l.evictStale(now)
		}
		l.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	if e.count >= l.maxHits {
		return false
	}
	e.count++
	return true
}

// evictStale drops windows that have already expired, and if the map is
// still at capacity, removes one arbitrary entry so the map never grows
// unbounded under a flood of distinct keys.
func (l *rateLimiter) evictStale(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.windowStart) >= rateLimitWindow {
			delete(l.entries, k)
		}
	}
	if len(l.entries) >= rateLimitMaxTrackedKeys {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}

// RateLimitMiddleware rejects with 429 once a client IP exceeds maxHits
// requests per 60s window.
func RateLimitMiddleware(maxHits int) Middleware {
	limiter := newRateLimiter(maxHits)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientIP(r)) {
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- request timeout, authored fresh: spec §5's non-streaming request
// timeout bound, applied via context + http.TimeoutHandler. ---

// RequestTimeoutMiddleware bounds non-streaming handlers to d, matching
// spec §5's request timeout behavior. Streaming endpoints should be
// registered outside this middleware's scope.
func RequestTimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		d = 30 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
	}
}

// --- observability, authored fresh: records request counts/latency via
// internal/observability (grounded on the teacher's prometheus-based
// context_metrics_test.go shape; see internal/observability/metrics.go). ---

// RequestMetrics is the narrow port ObservabilityMiddleware reports
// through, implemented by internal/observability.Metrics.
type RequestMetrics interface {
	ObserveHTTPRequest(method, route string, status int, elapsed time.Duration)
}

// ObservabilityMiddleware records per-request metrics keyed by the request's
// canonical route pattern (ServeMux's r.Pattern), not the raw path, so
// path-parameterized routes like GET /file/{path} aggregate correctly.
func ObservabilityMiddleware(metrics RequestMetrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			route := r.Pattern
			if route == "" {
				route = r.URL.Path
			}
			metrics.ObserveHTTPRequest(r.Method, route, rec.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// parseIntOr parses s as an int, returning def on failure or an empty
// string (used by handlers for ?limit=/?since= query params).
func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
