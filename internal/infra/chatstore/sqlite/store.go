// Package sqlite is the embedded-database chatstore.Store adapter.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"orchestrator/internal/infra/chatstore"
)

const table = "chat_messages"

// Store implements chatstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ chatstore.Store = (*Store)(nil)

// New wraps an already-open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			tool_calls   TEXT,
			timestamp    INTEGER NOT NULL,
			status       TEXT NOT NULL DEFAULT 'complete',
			heartbeat_at INTEGER NOT NULL DEFAULT 0,
			checkpoint   TEXT NOT NULL DEFAULT '',
			attempt      INTEGER NOT NULL DEFAULT 1,
			task_id      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON `+table+` (session_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_chat_messages_streaming ON `+table+` (status)`)
	if err != nil {
		return fmt.Errorf("ensure chat_messages schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, msg chatstore.Message) error {
	toolCalls, err := marshalToolCalls(msg.ToolCalls)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, session_id, role, content, tool_calls, timestamp, status,
			heartbeat_at, checkpoint, attempt, task_id)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, toolCalls, msg.Timestamp, string(msg.Status),
		msg.HeartbeatAt, msg.Checkpoint, msg.Attempt, msg.TaskID)
	if err != nil {
		return fmt.Errorf("append chat message: %w", err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]chatstore.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, timestamp, status, heartbeat_at,
			checkpoint, attempt, task_id
		FROM (
			SELECT * FROM `+table+` WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?
		) ORDER BY timestamp ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent chat messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) Heartbeat(ctx context.Context, messageID string, heartbeatAt int64, checkpoint string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET heartbeat_at = ?, checkpoint = ? WHERE id = ?`,
		heartbeatAt, checkpoint, messageID)
	return err
}

func (s *Store) SetStatus(ctx context.Context, messageID string, status chatstore.Status) error {
	_, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET status = ? WHERE id = ?`, string(status), messageID)
	return err
}

func (s *Store) IncrementAttempt(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET attempt = attempt + 1, status = 'pending' WHERE id = ?`, messageID)
	return err
}

func (s *Store) UpdateContent(ctx context.Context, messageID, content string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET content = ? WHERE id = ?`, content, messageID)
	return err
}

func (s *Store) Streaming(ctx context.Context) ([]chatstore.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, timestamp, status, heartbeat_at,
			checkpoint, attempt, task_id
		FROM `+table+` WHERE status = 'streaming'`)
	if err != nil {
		return nil, fmt.Errorf("query streaming chat messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]chatstore.Message, error) {
	var out []chatstore.Message
	for rows.Next() {
		var m chatstore.Message
		var toolCalls sql.NullString
		var status string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls, &m.Timestamp,
			&status, &m.HeartbeatAt, &m.Checkpoint, &m.Attempt, &m.TaskID); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		m.Status = chatstore.Status(status)
		calls, err := unmarshalToolCalls(toolCalls)
		if err != nil {
			return nil, err
		}
		m.ToolCalls = calls
		out = append(out, m)
	}
	return out, rows.Err()
}

func marshalToolCalls(calls []chatstore.ToolCall) (any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}
	return string(b), nil
}

func unmarshalToolCalls(raw sql.NullString) ([]chatstore.ToolCall, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var calls []chatstore.ToolCall
	if err := json.Unmarshal([]byte(raw.String), &calls); err != nil {
		return nil, fmt.Errorf("unmarshal tool calls: %w", err)
	}
	return calls, nil
}
