package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wallet-agent-hub/backend/internal/engine"
	"github.com/wallet-agent-hub/backend/internal/model"
	"github.com/wallet-agent-hub/backend/internal/repository"
)

const (
	// maxConversationsPerWallet caps how many conversations one wallet holds.
	maxConversationsPerWallet = 5

	// messageRetention is how many messages a conversation keeps.
	messageRetention = 50

	// storeTimeout bounds persistence calls made from event callbacks.
	storeTimeout = 5 * time.Second
)

// UserContext is the isolated per-wallet state container: conversations,
// messages, tasks, agent registrations and the pending-message set. Exactly
// one instance exists per wallet at a time; the registry enforces that.
type UserContext struct {
	wallet string

	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string][]*model.Message
	tasks         map[string]*model.Task
	agents        []*model.AgentRegistration
	pending       map[string]string // message id -> latest status text

	lastAccessed atomic.Int64 // unix nanos

	store     repository.Store // nil in memory-only mode
	publisher Publisher
	engine    engine.Engine
	runCtx    context.Context
	logger    zerolog.Logger
}

func newUserContext(runCtx context.Context, wallet string, store repository.Store, pub Publisher, eng engine.Engine, logger zerolog.Logger) *UserContext {
	uc := &UserContext{
		wallet:        wallet,
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]*model.Message),
		tasks:         make(map[string]*model.Task),
		pending:       make(map[string]string),
		store:         store,
		publisher:     pub,
		engine:        eng,
		runCtx:        runCtx,
		logger:        logger.With().Str("wallet", wallet).Logger(),
	}
	uc.lastAccessed.Store(time.Now().UnixNano())
	uc.restore()
	return uc
}

// restore loads the wallet's persisted state. Storage failures leave the
// context empty but usable: durability is sacrificed for availability.
func (uc *UserContext) restore() {
	if uc.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := uc.store.EnsureUser(ctx, uc.wallet); err != nil {
		uc.logger.Warn().Err(err).Msg("storage unavailable, continuing in memory only")
		return
	}
	convs, err := uc.store.ListConversations(ctx, uc.wallet)
	if err != nil {
		uc.logger.Warn().Err(err).Msg("failed to restore conversations")
		return
	}
	for _, conv := range convs {
		uc.conversations[conv.ID] = conv
		msgs, err := uc.store.ListMessages(ctx, conv.ID)
		if err != nil {
			uc.logger.Warn().Err(err).Str("conversation", conv.ID).Msg("failed to restore messages")
			continue
		}
		uc.messages[conv.ID] = msgs
	}
	if tasks, err := uc.store.ListTasks(ctx, uc.wallet); err == nil {
		for _, task := range tasks {
			uc.tasks[task.ID] = task
		}
	}
	if agents, err := uc.store.ListAgents(ctx, uc.wallet); err == nil {
		uc.agents = agents
	}
}

// WalletAddress returns the owning wallet.
func (uc *UserContext) WalletAddress() string { return uc.wallet }

// Touch refreshes the idle-eviction timestamp.
func (uc *UserContext) Touch() {
	uc.lastAccessed.Store(time.Now().UnixNano())
}

// LastAccessed returns the time of the last authenticated access.
func (uc *UserContext) LastAccessed() time.Time {
	return time.Unix(0, uc.lastAccessed.Load())
}

// persist runs fn against the store when one is configured. Failures are
// logged and swallowed; the in-memory state stays authoritative.
func (uc *UserContext) persist(op string, fn func(ctx context.Context, s repository.Store) error) {
	if uc.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx, uc.store); err != nil {
		uc.logger.Warn().Err(err).Str("op", op).Msg("storage write failed, state kept in memory")
	}
}

// missingConversationErr classifies a conversation id absent from this
// context: ErrForbidden when storage shows it belongs to another wallet,
// ErrNotFound otherwise.
func (uc *UserContext) missingConversationErr(id string) error {
	if uc.store == nil {
		return model.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	owner, err := uc.store.ConversationOwner(ctx, id)
	if err == nil && owner != "" && owner != uc.wallet {
		return model.ErrForbidden
	}
	return model.ErrNotFound
}

// CreateConversation starts a new conversation for the wallet, subject to
// the per-wallet cap.
func (uc *UserContext) CreateConversation(name string) (*model.Conversation, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if len(uc.conversations) >= maxConversationsPerWallet {
		return nil, model.ErrConversationLimit
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:            uuid.New().String(),
		WalletAddress: uc.wallet,
		Name:          name,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	uc.conversations[conv.ID] = conv

	uc.persist("create conversation", func(ctx context.Context, s repository.Store) error {
		return s.SaveConversation(ctx, conv)
	})
	return conv, nil
}

// ListConversations returns the wallet's conversations, newest first.
func (uc *UserContext) ListConversations() []*model.Conversation {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	out := make([]*model.Conversation, 0, len(uc.conversations))
	for _, conv := range uc.conversations {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// DeleteConversation removes a conversation and its messages.
func (uc *UserContext) DeleteConversation(id string) error {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	if _, ok := uc.conversations[id]; !ok {
		return uc.missingConversationErr(id)
	}
	delete(uc.conversations, id)
	delete(uc.messages, id)

	uc.persist("delete conversation", func(ctx context.Context, s repository.Store) error {
		return s.DeleteConversation(ctx, uc.wallet, id)
	})
	return nil
}

// SendMessage records a user message, marks it awaiting response, and hands
// it to the agent engine. The reply and task updates arrive asynchronously
// through the Sink methods.
func (uc *UserContext) SendMessage(conversationID string, content []model.ContentPart, metadata map[string]string) (*model.Message, error) {
	uc.mu.Lock()
	conv, ok := uc.conversations[conversationID]
	if !ok {
		uc.mu.Unlock()
		return nil, uc.missingConversationErr(conversationID)
	}

	if metadata == nil {
		metadata = make(map[string]string)
	}
	msg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
	}
	if metadata["message_id"] == "" {
		metadata["message_id"] = msg.ID
	}
	metadata["conversation_id"] = conversationID
	metadata["wallet_address"] = uc.wallet

	uc.appendMessageLocked(conversationID, msg)
	conv.UpdatedAt = msg.CreatedAt
	uc.pending[msg.MessageID()] = "submitted"
	uc.mu.Unlock()

	uc.persist("save message", func(ctx context.Context, s repository.Store) error {
		if err := s.SaveMessage(ctx, uc.wallet, msg); err != nil {
			return err
		}
		return s.TrimMessages(ctx, conversationID, messageRetention)
	})

	if uc.engine != nil {
		uc.engine.Respond(uc.runCtx, uc, uc.wallet, conversationID, msg)
	}
	return msg, nil
}

// appendMessageLocked adds a message and enforces the retention window.
func (uc *UserContext) appendMessageLocked(conversationID string, msg *model.Message) {
	msgs := append(uc.messages[conversationID], msg)
	if len(msgs) > messageRetention {
		msgs = msgs[len(msgs)-messageRetention:]
	}
	uc.messages[conversationID] = msgs
}

// ListMessages returns a conversation's messages in order.
func (uc *UserContext) ListMessages(conversationID string) ([]*model.Message, error) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	if _, ok := uc.conversations[conversationID]; !ok {
		return nil, uc.missingConversationErr(conversationID)
	}
	msgs := uc.messages[conversationID]
	out := make([]*model.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// PendingMessages returns the message ids still awaiting an agent response,
// with their latest known status text.
func (uc *UserContext) PendingMessages() map[string]string {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	out := make(map[string]string, len(uc.pending))
	for id, status := range uc.pending {
		out[id] = status
	}
	return out
}

// ListTasks returns the wallet's tasks, most recently updated first.
func (uc *UserContext) ListTasks() []*model.Task {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	out := make([]*model.Task, 0, len(uc.tasks))
	for _, task := range uc.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// RegisterAgent records a remote agent for the wallet.
func (uc *UserContext) RegisterAgent(url, name string) *model.AgentRegistration {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	for _, reg := range uc.agents {
		if reg.URL == url {
			return reg
		}
	}
	reg := &model.AgentRegistration{
		WalletAddress: uc.wallet,
		URL:           url,
		Name:          name,
		CreatedAt:     time.Now(),
	}
	uc.agents = append(uc.agents, reg)

	uc.persist("save agent", func(ctx context.Context, s repository.Store) error {
		return s.SaveAgent(ctx, reg)
	})
	return reg
}

// ListAgents returns the wallet's registered agents.
func (uc *UserContext) ListAgents() []*model.AgentRegistration {
	uc.mu.RLock()
	defer uc.mu.RUnlock()

	out := make([]*model.AgentRegistration, len(uc.agents))
	copy(out, uc.agents)
	return out
}

// AgentMessage implements engine.Sink. It records the agent reply, resolves
// the most recent awaiting user message, and pushes a new_message event to
// the wallet's live connections.
func (uc *UserContext) AgentMessage(conversationID string, msg *model.Message) {
	uc.mu.Lock()
	conv, ok := uc.conversations[conversationID]
	if !ok {
		uc.mu.Unlock()
		uc.logger.Warn().Str("conversation", conversationID).Msg("agent message for unknown conversation dropped")
		return
	}
	uc.appendMessageLocked(conversationID, msg)
	conv.UpdatedAt = msg.CreatedAt
	uc.resolvePendingLocked(msg.MessageID())
	uc.mu.Unlock()

	uc.Touch()
	uc.persist("save agent message", func(ctx context.Context, s repository.Store) error {
		return s.SaveMessage(ctx, uc.wallet, msg)
	})

	if uc.publisher != nil {
		uc.publisher.Publish(uc.wallet, model.ConversationEvent{
			Kind:           model.EventNewMessage,
			ConversationID: conversationID,
			Message:        msg,
		})
	}
}

// resolvePendingLocked clears the awaiting-response mark for messageID, or
// for the most recently sent awaiting message when no id is known.
func (uc *UserContext) resolvePendingLocked(messageID string) {
	if messageID != "" {
		delete(uc.pending, messageID)
		return
	}
	var newest string
	var newestAt time.Time
	for id := range uc.pending {
		for _, msgs := range uc.messages {
			for _, m := range msgs {
				if m.MessageID() == id && m.CreatedAt.After(newestAt) {
					newest, newestAt = id, m.CreatedAt
				}
			}
		}
	}
	if newest != "" {
		delete(uc.pending, newest)
	}
}

// TaskUpdate implements engine.Sink. It records the task transition and
// pushes a task_update event carrying the correlated message id.
func (uc *UserContext) TaskUpdate(task *model.Task) {
	snapshot := *task
	messageID := snapshot.CorrelatedMessageID()

	uc.mu.Lock()
	uc.tasks[snapshot.ID] = &snapshot
	if messageID != "" {
		if snapshot.Status.State.Terminal() {
			delete(uc.pending, messageID)
		} else if _, ok := uc.pending[messageID]; ok {
			uc.pending[messageID] = string(snapshot.Status.State)
		}
	}
	uc.mu.Unlock()

	uc.Touch()
	uc.persist("save task", func(ctx context.Context, s repository.Store) error {
		return s.SaveTask(ctx, &snapshot)
	})

	if uc.publisher != nil {
		uc.publisher.Publish(uc.wallet, model.ConversationEvent{
			Kind:           model.EventTaskUpdate,
			ConversationID: snapshot.SessionID,
			MessageID:      messageID,
			Task:           &snapshot,
		})
	}
}
