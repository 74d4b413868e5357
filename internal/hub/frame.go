package hub

import (
	"encoding/json"

	"github.com/wallet-agent-hub/backend/internal/model"
)

// FrameType represents the type of a realtime frame.
type FrameType string

const (
	// Server -> client frame types
	FrameConnectionEstablished FrameType = "connection_established"
	FrameNewMessage            FrameType = "new_message"
	FrameTaskUpdate            FrameType = "task_update"
	FramePong                  FrameType = "pong"
	FrameError                 FrameType = "error"

	// Client -> server frame types
	FramePing FrameType = "ping"
)

// Frame is the JSON envelope for every realtime frame in both directions.
// The fields populated depend on Type.
type Frame struct {
	Type           FrameType       `json:"type"`
	WalletAddress  string          `json:"wallet_address,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Message        *model.Message  `json:"message,omitempty"`
	Task           *model.Task     `json:"task,omitempty"`
	// Timestamp is kept raw so a pong echoes the ping's value byte for byte.
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EventFrame builds the outbound frame for a conversation event. It is the
// single place the closed event union is turned into wire shapes; an unknown
// kind returns nil.
func EventFrame(ev model.ConversationEvent) *Frame {
	switch ev.Kind {
	case model.EventNewMessage:
		if ev.Message == nil {
			return nil
		}
		return &Frame{
			Type:           FrameNewMessage,
			ConversationID: ev.ConversationID,
			Message:        ev.Message,
		}
	case model.EventTaskUpdate:
		if ev.Task == nil {
			return nil
		}
		return &Frame{
			Type:           FrameTaskUpdate,
			ConversationID: ev.ConversationID,
			MessageID:      ev.MessageID,
			Task:           ev.Task,
		}
	}
	return nil
}
