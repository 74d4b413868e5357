// Package repository provides persistence for per-wallet conversation state.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wallet-agent-hub/backend/internal/model"
)

// Store is the persistence boundary the session registry depends on. The
// SQLite implementation is the default; the registry degrades to memory-only
// operation when a Store call fails.
type Store interface {
	EnsureUser(ctx context.Context, wallet string) error
	TouchUser(ctx context.Context, wallet string) error

	SaveConversation(ctx context.Context, conv *model.Conversation) error
	DeleteConversation(ctx context.Context, wallet, conversationID string) error
	ListConversations(ctx context.Context, wallet string) ([]*model.Conversation, error)
	ConversationOwner(ctx context.Context, conversationID string) (string, error)

	SaveMessage(ctx context.Context, wallet string, msg *model.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error)
	TrimMessages(ctx context.Context, conversationID string, keep int) error

	SaveTask(ctx context.Context, task *model.Task) error
	ListTasks(ctx context.Context, wallet string) ([]*model.Task, error)

	SaveAgent(ctx context.Context, reg *model.AgentRegistration) error
	ListAgents(ctx context.Context, wallet string) ([]*model.AgentRegistration, error)
}

// SQLiteStore implements Store over a sql.DB opened by the db package.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over the given database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// EnsureUser inserts the wallet row if it does not exist and refreshes its
// last-active timestamp.
func (s *SQLiteStore) EnsureUser(ctx context.Context, wallet string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (wallet_address) VALUES (?)
		ON CONFLICT(wallet_address) DO UPDATE SET last_active = CURRENT_TIMESTAMP
	`, wallet)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// TouchUser updates the wallet's last-active timestamp.
func (s *SQLiteStore) TouchUser(ctx context.Context, wallet string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_active = CURRENT_TIMESTAMP WHERE wallet_address = ?`, wallet)
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	return nil
}

// SaveConversation inserts or updates a conversation.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, wallet_address, name, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, conv.ID, conv.WalletAddress, conv.Name, conv.IsActive, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation and, via cascading foreign keys,
// its messages. The wallet filter keeps one wallet from deleting another's
// conversation even if it guesses the id.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, wallet, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE conversation_id = ? AND wallet_address = ?`,
		conversationID, wallet)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListConversations returns the wallet's conversations, most recent first.
func (s *SQLiteStore) ListConversations(ctx context.Context, wallet string) ([]*model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, wallet_address, name, is_active, created_at, updated_at
		FROM conversations
		WHERE wallet_address = ?
		ORDER BY updated_at DESC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		conv := &model.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.WalletAddress, &conv.Name, &conv.IsActive,
			&conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// ConversationOwner returns the wallet owning a conversation, or ErrNotFound
// when no such conversation exists. It lets the API distinguish a missing
// conversation from another wallet's.
func (s *SQLiteStore) ConversationOwner(ctx context.Context, conversationID string) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT wallet_address FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up conversation owner: %w", err)
	}
	return owner, nil
}

// SaveMessage inserts a message. Content and metadata are stored as JSON.
func (s *SQLiteStore) SaveMessage(ctx context.Context, wallet string, msg *model.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to serialize content: %w", err)
	}
	var metadata []byte
	if msg.Metadata != nil {
		if metadata, err = json.Marshal(msg.Metadata); err != nil {
			return fmt.Errorf("failed to serialize metadata: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages (message_id, conversation_id, wallet_address, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, wallet, msg.Role, string(content), nullable(metadata), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, conversation_id, role, content, metadata, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, message_id ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		msg := &model.Message{}
		var content string
		var metadata sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &content, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to parse content: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// TrimMessages deletes all but the newest keep messages of a conversation.
func (s *SQLiteStore) TrimMessages(ctx context.Context, conversationID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE conversation_id = ?
		  AND message_id NOT IN (
			SELECT message_id FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, message_id DESC
			LIMIT ?
		  )
	`, conversationID, conversationID, keep)
	if err != nil {
		return fmt.Errorf("failed to trim messages: %w", err)
	}
	return nil
}

// SaveTask inserts or updates a task. History and artifacts ride along in the
// JSON data column; the hot columns are broken out for querying.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, session_id, wallet_address, message_id, state, status_message, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			state = excluded.state,
			status_message = excluded.status_message,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, task.ID, task.SessionID, task.WalletAddress, task.MessageID,
		task.Status.State, task.Status.Message, string(data), task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// ListTasks returns the wallet's tasks, most recently updated first.
func (s *SQLiteStore) ListTasks(ctx context.Context, wallet string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM tasks
		WHERE wallet_address = ?
		ORDER BY updated_at DESC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task := &model.Task{}
		if err := json.Unmarshal([]byte(data), task); err != nil {
			return nil, fmt.Errorf("failed to parse task: %w", err)
		}
		task.WalletAddress = wallet
		out = append(out, task)
	}
	return out, rows.Err()
}

// SaveAgent records an agent registration; re-registering the same URL is a
// no-op.
func (s *SQLiteStore) SaveAgent(ctx context.Context, reg *model.AgentRegistration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_agents (wallet_address, agent_url, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(wallet_address, agent_url) DO NOTHING
	`, reg.WalletAddress, reg.URL, reg.Name, reg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// ListAgents returns the wallet's registered agents.
func (s *SQLiteStore) ListAgents(ctx context.Context, wallet string) ([]*model.AgentRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_url, name, created_at FROM user_agents
		WHERE wallet_address = ?
		ORDER BY created_at ASC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*model.AgentRegistration
	for rows.Next() {
		reg := &model.AgentRegistration{WalletAddress: wallet}
		if err := rows.Scan(&reg.URL, &reg.Name, &reg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
