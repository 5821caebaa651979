// Package recovery implements scheduling recovery (L8): orphan detection
// over stale streaming message records, the resume/retry/fail decision,
// and the startup recovery path that re-enqueues or fails them (spec
// §4.8). Subagent tracking-row interruption on restart is handled
// alongside it, since both run once at startup.
package recovery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"orchestrator/internal/backoff"
)

// Message is the §3.3 scheduling/message record this package reasons
// about. It is a narrower view than the persisted chat_messages row —
// just the fields orphan detection and recovery decisions need.
type Message struct {
	ID           string
	Status       MessageStatus
	HeartbeatAt  int64  // epoch ms, 0 means null
	Checkpoint   string // opaque resume token, "" means null
	Attempt      int    // 1-indexed
	TaskID       string
	Content      string            // the message's own prompt text, for resume-context enrichment
	TaskMetadata map[string]string // TaskID's task.Task.Metadata, if any prior-attempt fields are set
}

// Prior-attempt metadata keys a task carries across a crash/restart, read
// off task.Task.Metadata by the caller and passed through Message.TaskMetadata.
const (
	MetaLastIteration = "lastIteration"
	MetaFilesTouched  = "filesTouched" // comma-joined
	MetaTokensUsed    = "tokensUsed"
)

// MessageStatus is the message record's lifecycle value (spec §3.3).
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusError     MessageStatus = "error"
	StatusCancelled MessageStatus = "cancelled"
)

// DefaultHeartbeatTimeoutSeconds is the spec §6.4 default.
const DefaultHeartbeatTimeoutSeconds = 60

// DefaultMaxAttempts is the spec §6.4 default.
const DefaultMaxAttempts = 3

// FindOrphaned returns every message whose status is streaming and whose
// heartbeat is null or older than now-timeout (spec §4.8, §3.3's orphan
// definition).
func FindOrphaned(messages []Message, now int64, timeoutSeconds int) []Message {
	timeoutMs := int64(timeoutSeconds) * 1000
	var out []Message
	for _, m := range messages {
		if m.Status != StatusStreaming {
			continue
		}
		if m.HeartbeatAt == 0 || m.HeartbeatAt < now-timeoutMs {
			out = append(out, m)
		}
	}
	return out
}

// Decision is the outcome of Decide.
type Decision string

const (
	DecisionResume Decision = "resume"
	DecisionRetry  Decision = "retry"
	DecisionFail   Decision = "fail"
)

// Decide resolves what to do with an orphaned message (spec §4.8): a set
// checkpoint always wins (resume, regardless of attempt count); otherwise
// retry while under maxAttempts, else fail.
func Decide(msg Message, maxAttempts int) Decision {
	if msg.Checkpoint != "" {
		return DecisionResume
	}
	if msg.Attempt < maxAttempts {
		return DecisionRetry
	}
	return DecisionFail
}

// RecoveryPayload is the re-enqueue payload handed back to the orchestrator
// loop for a resumed or retried message (spec §4.8).
type RecoveryPayload struct {
	MessageID  string
	Checkpoint string
	Reason     string
	// ResumeText is msg.Content rewritten with a resume-context block when
	// msg.TaskMetadata carries prior-attempt fields and there was no
	// checkpoint to resume from instead. Empty when no enrichment applies;
	// the caller should leave the message content untouched in that case.
	ResumeText string
}

// BuildRecoveryPayload builds the payload for re-enqueuing msg. When msg
// has no checkpoint to resume from, its content is run through
// BuildResumePrompt so a retried message is enriched with what the prior
// attempt already did.
func BuildRecoveryPayload(msg Message, reason string) RecoveryPayload {
	if reason == "" {
		reason = "orphaned"
	}
	payload := RecoveryPayload{MessageID: msg.ID, Checkpoint: msg.Checkpoint, Reason: reason}
	if msg.Checkpoint == "" {
		if resumed := BuildResumePrompt(msg.Content, msg.TaskMetadata); resumed != msg.Content {
			payload.ResumeText = resumed
		}
	}
	return payload
}

// BuildResumePrompt prepends a resume-context block to originalText when
// meta carries a prior attempt's iteration count or touched-files list,
// grounded on the teacher's bridge.buildResumePrompt. Returns originalText
// unchanged when there is nothing to report.
func BuildResumePrompt(originalText string, meta map[string]string) string {
	if originalText == "" {
		return originalText
	}
	lastIteration, _ := strconv.Atoi(meta[MetaLastIteration])
	var filesTouched []string
	if ft := meta[MetaFilesTouched]; ft != "" {
		filesTouched = strings.Split(ft, ",")
	}
	if lastIteration == 0 && len(filesTouched) == 0 {
		return originalText
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Resume Context]\nThis task was previously attempted but interrupted after iteration %d.", lastIteration)
	if len(filesTouched) > 0 {
		b.WriteString("\nFiles modified in previous attempt:")
		for _, f := range filesTouched {
			b.WriteString("\n  - " + f)
		}
	}
	if tokensUsed, _ := strconv.Atoi(meta[MetaTokensUsed]); tokensUsed > 0 {
		fmt.Fprintf(&b, "\nTokens used in previous attempt: %d", tokensUsed)
	}
	b.WriteString("\nPlease review what was done and continue from where it left off.\n\n[Original Task]\n")
	b.WriteString(originalText)
	return b.String()
}

// Action is what the startup recovery path decided to do with one
// orphaned message, including the computed backoff delay for a requeue.
type Action struct {
	Message    Message
	Decision   Decision
	Payload    RecoveryPayload
	BackoffMs  int64 // valid only when Decision is resume or retry
}

// Plan applies FindOrphaned + Decide to every message and returns one
// Action per orphan, computing backoff(attempt) for every non-fail
// outcome (spec §4.8 step 2). It does not talk to storage; the caller
// (the startup recovery path) applies the actions.
func Plan(messages []Message, now int64, heartbeatTimeoutSeconds, maxAttempts int, baseBackoffSeconds, maxBackoffSeconds int) []Action {
	orphans := FindOrphaned(messages, now, heartbeatTimeoutSeconds)
	actions := make([]Action, 0, len(orphans))
	for _, m := range orphans {
		decision := Decide(m, maxAttempts)
		action := Action{Message: m, Decision: decision}
		if decision == DecisionFail {
			actions = append(actions, action)
			continue
		}
		action.Payload = BuildRecoveryPayload(m, "orphaned")
		base := time.Duration(baseBackoffSeconds) * time.Second
		cap := time.Duration(maxBackoffSeconds) * time.Second
		action.BackoffMs = backoff.Backoff(m.Attempt, base, cap).Milliseconds()
		actions = append(actions, action)
	}
	return actions
}
