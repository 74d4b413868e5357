package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wallet-agent-hub/backend/internal/db"
	"github.com/wallet-agent-hub/backend/internal/model"
)

func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	conn, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewSQLiteStore(conn)
}

func TestEnsureUserIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.EnsureUser(ctx, "walletA"); err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	if err := store.EnsureUser(ctx, "walletA"); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if err := store.TouchUser(ctx, "walletA"); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
}

func TestConversationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.EnsureUser(ctx, "walletA"); err != nil {
		t.Fatalf("ensure user failed: %v", err)
	}

	conv := &model.Conversation{
		ID:            generateID(),
		WalletAddress: "walletA",
		Name:          "first",
		IsActive:      true,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := store.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Upsert with a new name updates the row in place.
	conv.Name = "renamed"
	conv.UpdatedAt = time.Now().Add(time.Second)
	if err := store.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	convs, err := store.ListConversations(ctx, "walletA")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].Name != "renamed" {
		t.Errorf("expected name 'renamed', got %q", convs[0].Name)
	}

	// Deleting with the wrong wallet does not touch the row.
	err = store.DeleteConversation(ctx, "walletB", conv.ID)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for wrong wallet, got %v", err)
	}

	owner, err := store.ConversationOwner(ctx, conv.ID)
	if err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
	if owner != "walletA" {
		t.Errorf("expected owner walletA, got %q", owner)
	}
	_, err = store.ConversationOwner(ctx, "no-such-id")
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown conversation, got %v", err)
	}

	if err := store.DeleteConversation(ctx, "walletA", conv.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	err = store.DeleteConversation(ctx, "walletA", conv.ID)
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for repeated delete, got %v", err)
	}
}

func TestMessageOrderAndTrim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	convID := generateID()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		msg := &model.Message{
			ID:             fmt.Sprintf("msg-%02d", i),
			ConversationID: convID,
			Role:           model.RoleUser,
			Content:        []model.ContentPart{{Type: "text", Text: fmt.Sprintf("message %d", i)}},
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := store.SaveMessage(ctx, "walletA", msg); err != nil {
			t.Fatalf("save message %d failed: %v", i, err)
		}
	}

	msgs, err := store.ListMessages(ctx, convID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("messages out of order at index %d", i)
		}
	}

	if err := store.TrimMessages(ctx, convID, 3); err != nil {
		t.Fatalf("trim failed: %v", err)
	}
	msgs, err = store.ListMessages(ctx, convID)
	if err != nil {
		t.Fatalf("list after trim failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after trim, got %d", len(msgs))
	}
	// The newest messages survive.
	if msgs[0].ID != "msg-07" || msgs[2].ID != "msg-09" {
		t.Errorf("trim kept wrong messages: %s..%s", msgs[0].ID, msgs[2].ID)
	}
}

func TestTaskUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &model.Task{
		ID:            generateID(),
		SessionID:     "conv-1",
		WalletAddress: "walletA",
		MessageID:     "msg-1",
		Status:        model.TaskStatus{State: model.TaskStateSubmitted, Timestamp: time.Now()},
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	task.Status.State = model.TaskStateCompleted
	task.UpdatedAt = time.Now().Add(time.Second)
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	tasks, err := store.ListTasks(ctx, "walletA")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Status.State != model.TaskStateCompleted {
		t.Errorf("expected completed state, got %s", tasks[0].Status.State)
	}
	if tasks[0].MessageID != "msg-1" {
		t.Errorf("expected message id msg-1, got %q", tasks[0].MessageID)
	}
}

func TestAgentRegistrationUnique(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	reg := &model.AgentRegistration{
		WalletAddress: "walletA",
		URL:           "http://agent.local:9000",
		Name:          "agent",
		CreatedAt:     time.Now(),
	}
	if err := store.SaveAgent(ctx, reg); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.SaveAgent(ctx, reg); err != nil {
		t.Fatalf("repeated save failed: %v", err)
	}

	agents, err := store.ListAgents(ctx, "walletA")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
}

func TestMessageRoundTripProperty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("saved messages come back with content and metadata intact", prop.ForAll(
		func(text, metaValue string) bool {
			msg := &model.Message{
				ID:             generateID(),
				ConversationID: generateID(),
				Role:           model.RoleUser,
				Content:        []model.ContentPart{{Type: "text", Text: text}},
				Metadata:       map[string]string{"message_id": metaValue},
				CreatedAt:      time.Now().Truncate(time.Millisecond),
			}
			if err := store.SaveMessage(ctx, "walletA", msg); err != nil {
				t.Logf("save failed: %v", err)
				return false
			}
			got, err := store.ListMessages(ctx, msg.ConversationID)
			if err != nil || len(got) != 1 {
				t.Logf("list failed: %v (%d rows)", err, len(got))
				return false
			}
			return got[0].ID == msg.ID &&
				got[0].Role == model.RoleUser &&
				got[0].Text() == text &&
				got[0].Metadata["message_id"] == metaValue
		},
		gen.AnyString(),
		gen.Identifier(),
	))

	properties.Property("conversations list newest-updated first", prop.ForAll(
		func(wallet string, count int) bool {
			if err := store.EnsureUser(ctx, wallet); err != nil {
				return false
			}
			base := time.Now()
			for i := 0; i < count; i++ {
				conv := &model.Conversation{
					ID:            generateID(),
					WalletAddress: wallet,
					Name:          fmt.Sprintf("conv %d", i),
					IsActive:      true,
					CreatedAt:     base,
					UpdatedAt:     base.Add(time.Duration(i) * time.Second),
				}
				if err := store.SaveConversation(ctx, conv); err != nil {
					return false
				}
			}
			convs, err := store.ListConversations(ctx, wallet)
			if err != nil || len(convs) < count {
				return false
			}
			for i := 1; i < len(convs); i++ {
				if convs[i].UpdatedAt.After(convs[i-1].UpdatedAt) {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
