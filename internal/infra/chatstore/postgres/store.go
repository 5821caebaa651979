// Package postgres is the Postgres-backed chatstore.Store adapter.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orchestrator/internal/infra/chatstore"
)

const table = "chat_messages"

// Store implements chatstore.Store backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ chatstore.Store = (*Store)(nil)

// New creates a Postgres-backed chat store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			tool_calls   JSONB,
			timestamp    BIGINT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'complete',
			heartbeat_at BIGINT NOT NULL DEFAULT 0,
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+table+` (id, session_id, role, content, tool_calls, timestamp, status,
			heartbeat_at, checkpoint, attempt, task_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
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
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, tool_calls, timestamp, status, heartbeat_at,
			checkpoint, attempt, task_id
		FROM (
			SELECT * FROM `+table+` WHERE session_id = $1 ORDER BY timestamp DESC LIMIT $2
		) sub ORDER BY timestamp ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent chat messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) Heartbeat(ctx context.Context, messageID string, heartbeatAt int64, checkpoint string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+table+` SET heartbeat_at = $1, checkpoint = $2 WHERE id = $3`,
		heartbeatAt, checkpoint, messageID)
	return err
}

func (s *Store) SetStatus(ctx context.Context, messageID string, status chatstore.Status) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+table+` SET status = $1 WHERE id = $2`, string(status), messageID)
	return err
}

func (s *Store) IncrementAttempt(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+table+` SET attempt = attempt + 1, status = 'pending' WHERE id = $1`, messageID)
	return err
}

func (s *Store) UpdateContent(ctx context.Context, messageID, content string) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+table+` SET content = $1 WHERE id = $2`, content, messageID)
	return err
}

func (s *Store) Streaming(ctx context.Context) ([]chatstore.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, tool_calls, timestamp, status, heartbeat_at,
			checkpoint, attempt, task_id
		FROM `+table+` WHERE status = 'streaming'`)
	if err != nil {
		return nil, fmt.Errorf("query streaming chat messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]chatstore.Message, error) {
	var out []chatstore.Message
	for rows.Next() {
		var m chatstore.Message
		var toolCalls []byte
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

func marshalToolCalls(calls []chatstore.ToolCall) ([]byte, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}
	return b, nil
}

func unmarshalToolCalls(raw []byte) ([]chatstore.ToolCall, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var calls []chatstore.ToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil, fmt.Errorf("unmarshal tool calls: %w", err)
	}
	return calls, nil
}
