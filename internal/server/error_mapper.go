package server

import (
	"errors"
	"net/http"
	"strings"

	"orchestrator/internal/orchestrator"
)

// mapDomainError maps a domain error onto an HTTP status and message,
// teacher's error_mapper.go mapDomainError pattern of errors.Is against
// sentinel errors. Most of this module's domain errors aren't sentinel
// values (orchestrator.go mostly returns ad hoc fmt.Errorf strings for
// "unknown task"/"invalid transition"), so the fallback checks substrings
// of the error text for the handful of conditions the HTTP layer needs to
// distinguish; this is noted as a deliberate deviation from the teacher's
// pure errors.Is style, not an oversight. Returns status 0 when err isn't
// recognized, signaling the caller should use its own default.
func mapDomainError(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	if errors.Is(err, orchestrator.ErrQueueFull) {
		return http.StatusTooManyRequests, err.Error()
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unknown task"):
		return http.StatusNotFound, msg
	case strings.Contains(msg, "invalid transition"):
		return http.StatusConflict, msg
	case strings.Contains(msg, "not configured"):
		return http.StatusServiceUnavailable, msg
	case strings.Contains(msg, "exceeded"):
		return http.StatusBadRequest, msg
	}
	return 0, ""
}
