package client

import (
	"sync"

	"github.com/wallet-agent-hub/backend/internal/model"
)

// Correlator links user-authored messages to the asynchronous tasks they
// spawn, so a UI can render "awaiting response" indicators. A message is
// awaiting from MarkSent until either an agent message or a terminal task
// update resolves it.
type Correlator struct {
	mu      sync.Mutex
	order   []string // message ids in send order
	entries map[string]*correlation
}

type correlation struct {
	awaiting bool
	task     *model.Task // latest known task, may be nil
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{entries: make(map[string]*correlation)}
}

// MarkSent registers a user message as awaiting a response. Call it right
// after the message is accepted by the send endpoint.
func (c *Correlator) MarkSent(messageID string) {
	if messageID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[messageID]; !ok {
		c.order = append(c.order, messageID)
	}
	c.entries[messageID] = &correlation{awaiting: true}
}

// ObserveMessage processes a new_message event. A non-user message resolves
// the most recently sent message still awaiting a response: the hub
// guarantees per-wallet ordering, so the newest awaiting message is the one
// being answered.
func (c *Correlator) ObserveMessage(msg *model.Message) {
	if msg == nil || msg.Role == model.RoleUser {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Prefer the explicit correlation id when the producer supplied one.
	if id := msg.MessageID(); id != "" {
		if entry, ok := c.entries[id]; ok {
			entry.awaiting = false
			return
		}
	}
	for i := len(c.order) - 1; i >= 0; i-- {
		if entry := c.entries[c.order[i]]; entry.awaiting {
			entry.awaiting = false
			return
		}
	}
}

// ObserveTask processes a task_update event. The explicit message_id from
// the frame wins; without one the task's own history metadata is scanned,
// because not every producing path fills the explicit field.
func (c *Correlator) ObserveTask(frameMessageID string, task *model.Task) {
	if task == nil {
		return
	}
	id := frameMessageID
	if id == "" {
		id = task.CorrelatedMessageID()
	}
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok {
		// A task for a message this client never sent (another tab sent it);
		// track it anyway so Pending/TaskFor answer consistently.
		entry = &correlation{}
		c.entries[id] = entry
		c.order = append(c.order, id)
	}
	entry.task = task
	if task.Status.State.Terminal() {
		entry.awaiting = false
	}
}

// Pending reports whether the message is still awaiting a response.
func (c *Correlator) Pending(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[messageID]
	return ok && entry.awaiting
}

// PendingCount returns how many messages are awaiting a response.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, entry := range c.entries {
		if entry.awaiting {
			n++
		}
	}
	return n
}

// TaskFor returns the latest known task for a message, or nil.
func (c *Correlator) TaskFor(messageID string) *model.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[messageID]; ok {
		return entry.task
	}
	return nil
}
