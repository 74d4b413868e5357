package model

// EventKind discriminates the closed set of conversation event shapes pushed
// over the realtime channel.
type EventKind string

const (
	EventNewMessage EventKind = "new_message"
	EventTaskUpdate EventKind = "task_update"
)

// Valid reports whether the kind is one of the known event kinds.
func (k EventKind) Valid() bool {
	return k == EventNewMessage || k == EventTaskUpdate
}

// ConversationEvent is a single realtime update scoped to one wallet. Exactly
// one of Message or Task is set, matching Kind.
type ConversationEvent struct {
	Kind           EventKind
	ConversationID string
	// MessageID correlates a task update with the user message that spawned
	// it. Only meaningful for EventTaskUpdate, and may be empty.
	MessageID string
	Message   *Message
	Task      *Task
}
