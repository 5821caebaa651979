// Package actionlog implements the action log (L5): an append-only,
// session-scoped, filterable audit trail with bounded output summaries.
// See spec §3.4 and §4.5.
package actionlog

import "strconv"

// Entry is one action log record (spec §3.4).
type Entry struct {
	ID             string
	SessionID      string
	Timestamp      int64 // epoch ms
	Tool           string
	Action         string
	Input          string // truncated <= 1000 chars, see TruncateInput
	OutputSummary  string // <= 500 chars, see Summarize
	DurationMs     int64
	Success        bool
	Error          string
	MessageID      string
}

const (
	maxInputChars  = 1000
	maxOutputChars = 500
)

// TruncateInput stores input as-is if <= 1000 chars, else truncates with an
// ellipsis marker plus original length (spec §4.5).
func TruncateInput(input string) string {
	if len(input) <= maxInputChars {
		return input
	}
	runes := []rune(input)
	if len(runes) <= maxInputChars {
		return input
	}
	truncated := string(runes[:maxInputChars])
	return truncated + ellipsisSuffix(len(runes))
}

func ellipsisSuffix(originalLen int) string {
	return "… [truncated, original length " + strconv.Itoa(originalLen) + "]"
}
