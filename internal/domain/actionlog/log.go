package actionlog

import "sort"

// Log is an in-memory, append-only action log (spec §3.4, §4.5). It is the
// reference implementation the persisted adapters in
// internal/infra/actionlogstore wrap; callers needing durability should use
// one of those instead.
type Log struct {
	entries []Entry
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{}
}

// Record appends entry, truncating Input and OutputSummary to their
// documented limits if the caller has not already done so.
func (l *Log) Record(e Entry) Entry {
	e.Input = TruncateInput(e.Input)
	if len(e.OutputSummary) > maxOutputChars {
		runes := []rune(e.OutputSummary)
		if len(runes) > maxOutputChars {
			e.OutputSummary = string(runes[:maxOutputChars])
		}
	}
	l.entries = append(l.entries, e)
	return e
}

// Query filters List results. A zero value matches every entry.
type Query struct {
	Tool  string // exact match, ignored if empty
	Since int64  // epoch ms, inclusive lower bound, ignored if zero
	Limit int    // 0 means 100 (spec default)
}

const defaultLimit = 100

// List returns entries matching q, newest first (descending timestamp, spec
// §4.5), capped at q.Limit (default 100).
func (l *Log) List(q Query) []Entry {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	matched := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if q.Tool != "" && e.Tool != q.Tool {
			continue
		}
		if q.Since != 0 && e.Timestamp < q.Since {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp > matched[j].Timestamp
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}
