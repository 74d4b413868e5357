// Package model defines the domain types shared across the server: wallet
// identities, conversations, messages, tasks and the realtime event union.
package model

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// TaskState represents the lifecycle state of an agent task.
type TaskState string

const (
	TaskStateSubmitted TaskState = "submitted"
	TaskStateWorking   TaskState = "working"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// Terminal reports whether the state is a final one.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// ContentPart is a single piece of message content. Only text parts are
// carried over the realtime channel.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Message is one chat message inside a conversation.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Role           Role              `json:"role"`
	Content        []ContentPart     `json:"content"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Text returns the concatenated text content of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// MessageID extracts the correlation message id from a message's metadata.
// Returns the empty string when the message carries none.
func (m *Message) MessageID() string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata["message_id"]
}

// Conversation groups messages for one wallet.
type Conversation struct {
	ID            string    `json:"conversation_id"`
	WalletAddress string    `json:"-"`
	Name          string    `json:"name"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TaskStatus is the current status of a task.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a produced output attached to a task.
type Artifact struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Parts       []ContentPart `json:"parts"`
	Index       int           `json:"index"`
}

// Task is one unit of asynchronous agent work, spawned by a user message.
type Task struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"sessionId"`
	WalletAddress string     `json:"-"`
	MessageID     string     `json:"messageId,omitempty"`
	Status        TaskStatus `json:"status"`
	History       []Message  `json:"history,omitempty"`
	Artifacts     []Artifact `json:"artifacts,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CorrelatedMessageID returns the message id a task should be correlated
// with: the explicit field when set, otherwise the first message id embedded
// in the task's history metadata. Not every producer fills the explicit
// field, so both paths are needed.
func (t *Task) CorrelatedMessageID() string {
	if t.MessageID != "" {
		return t.MessageID
	}
	for i := range t.History {
		if id := t.History[i].MessageID(); id != "" {
			return id
		}
	}
	return ""
}

// AgentRegistration records a remote agent registered by a wallet.
type AgentRegistration struct {
	WalletAddress string    `json:"-"`
	URL           string    `json:"url"`
	Name          string    `json:"name,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
