// Package chatstore persists chat history and doubles as the §3.3
// scheduling/message record: each row carries both the chat turn
// (role/content/toolCalls) and the streaming/heartbeat/checkpoint/attempt
// fields recovery (L8) reasons about, since this spec's message record and
// the §6.3 chat_messages row are the same underlying table.
package chatstore

import "context"

// Status is the message record's lifecycle value (spec §3.3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// ToolCall mirrors ports.ToolCall in a storage-friendly shape.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Message is one persisted chat_messages row.
type Message struct {
	ID          string
	SessionID   string
	Role        string
	Content     string
	ToolCalls   []ToolCall
	Timestamp   int64
	Status      Status
	HeartbeatAt int64
	Checkpoint  string
	Attempt     int
	TaskID      string
}

// Store is the chat history / scheduling-record persistence port.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Append persists a new message.
	Append(ctx context.Context, msg Message) error

	// Recent returns the last limit messages for sessionID, oldest first
	// (spec §4.6 step 1: "Load chat history bounded to the last
	// MAX_CONTEXT_MESSAGES").
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// Heartbeat updates heartbeatAt and optionally checkpoint for a
	// streaming message (spec §4.8: "Heartbeats are written by the active
	// loop at interval HEARTBEAT_INTERVAL while streaming").
	Heartbeat(ctx context.Context, messageID string, heartbeatAt int64, checkpoint string) error

	// SetStatus transitions a message's status.
	SetStatus(ctx context.Context, messageID string, status Status) error

	// IncrementAttempt bumps attempt by one and resets status to pending,
	// for a recovery-driven retry.
	IncrementAttempt(ctx context.Context, messageID string) error

	// UpdateContent overwrites a message's content, used by the startup
	// recovery path to persist a resume-context-enriched prompt (spec §4.8,
	// §9's "Resume-context prompt enrichment") before the retry is replayed.
	UpdateContent(ctx context.Context, messageID, content string) error

	// Streaming returns every message currently in status "streaming",
	// across all sessions, for the startup recovery sweep (spec §4.8 step
	// 1).
	Streaming(ctx context.Context) ([]Message, error)
}
