// Package engine defines the boundary to the agent layer that produces
// replies and tasks. The hub and registry never assume anything about how
// responses are generated; they only see messages and task transitions
// arriving through the Sink.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wallet-agent-hub/backend/internal/model"
)

// Sink receives the engine's output for one wallet. Implementations persist
// the state change and push the matching realtime event.
type Sink interface {
	// AgentMessage appends an agent-authored message to the conversation.
	AgentMessage(conversationID string, msg *model.Message)
	// TaskUpdate records a task state transition.
	TaskUpdate(task *model.Task)
}

// Engine turns a user message into asynchronous agent work. Respond must not
// block the caller beyond scheduling; all output flows through the sink.
type Engine interface {
	Respond(ctx context.Context, sink Sink, wallet string, conversationID string, userMsg *model.Message)
}

// EchoEngine is an in-memory engine that answers every user message with an
// echo reply and a submitted→working→completed task. It exists so the hub
// has a real producer in tests and local runs; production deployments plug a
// remote agent host into the Engine interface instead.
type EchoEngine struct {
	// Delay between task transitions. Zero means immediate, which tests use.
	StepDelay time.Duration
}

// NewEchoEngine creates an echo engine with a small default step delay.
func NewEchoEngine() *EchoEngine {
	return &EchoEngine{StepDelay: 50 * time.Millisecond}
}

// Respond spawns a goroutine that walks a task through its lifecycle and
// emits an agent reply correlated with the originating message.
func (e *EchoEngine) Respond(ctx context.Context, sink Sink, wallet, conversationID string, userMsg *model.Message) {
	messageID := userMsg.MessageID()
	if messageID == "" {
		messageID = userMsg.ID
	}

	go func() {
		now := time.Now()
		task := &model.Task{
			ID:            uuid.New().String(),
			SessionID:     conversationID,
			WalletAddress: wallet,
			MessageID:     messageID,
			Status:        model.TaskStatus{State: model.TaskStateSubmitted, Timestamp: now},
			History:       []model.Message{*userMsg},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		sink.TaskUpdate(task)

		for _, state := range []model.TaskState{model.TaskStateWorking, model.TaskStateCompleted} {
			if !e.sleep(ctx) {
				return
			}
			task.Status = model.TaskStatus{State: state, Timestamp: time.Now()}
			task.UpdatedAt = task.Status.Timestamp
			if state == model.TaskStateCompleted {
				reply := &model.Message{
					ID:             uuid.New().String(),
					ConversationID: conversationID,
					Role:           model.RoleAgent,
					Content: []model.ContentPart{
						{Type: "text", Text: fmt.Sprintf("Echo: %s", userMsg.Text())},
					},
					Metadata:  map[string]string{"message_id": messageID, "wallet_address": wallet},
					CreatedAt: time.Now(),
				}
				task.History = append(task.History, *reply)
				task.Artifacts = []model.Artifact{{
					Name:  "response",
					Parts: reply.Content,
				}}
				sink.AgentMessage(conversationID, reply)
			}
			sink.TaskUpdate(task)
		}
	}()
}

func (e *EchoEngine) sleep(ctx context.Context) bool {
	if e.StepDelay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(e.StepDelay):
		return true
	}
}
