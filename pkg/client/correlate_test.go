package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wallet-agent-hub/backend/internal/model"
)

func agentReply(messageID string) *model.Message {
	meta := map[string]string{}
	if messageID != "" {
		meta["message_id"] = messageID
	}
	return &model.Message{
		ID:       "reply-" + messageID,
		Role:     model.RoleAgent,
		Content:  []model.ContentPart{{Type: "text", Text: "reply"}},
		Metadata: meta,
	}
}

func TestCorrelator_ExplicitID(t *testing.T) {
	c := NewCorrelator()
	c.MarkSent("m1")
	c.MarkSent("m2")
	require.Equal(t, 2, c.PendingCount())

	// A reply naming m1 resolves m1 even though m2 is newer.
	c.ObserveMessage(agentReply("m1"))
	require.False(t, c.Pending("m1"))
	require.True(t, c.Pending("m2"))
}

func TestCorrelator_FallbackToNewestAwaiting(t *testing.T) {
	c := NewCorrelator()
	c.MarkSent("m1")
	c.MarkSent("m2")

	// A reply without a correlation id resolves the newest awaiting message.
	c.ObserveMessage(agentReply(""))
	require.True(t, c.Pending("m1"))
	require.False(t, c.Pending("m2"))

	c.ObserveMessage(agentReply(""))
	require.Equal(t, 0, c.PendingCount())

	// Further replies with nothing awaiting are harmless.
	c.ObserveMessage(agentReply(""))
}

func TestCorrelator_UserMessagesIgnored(t *testing.T) {
	c := NewCorrelator()
	c.MarkSent("m1")

	c.ObserveMessage(&model.Message{ID: "echo", Role: model.RoleUser})
	c.ObserveMessage(nil)
	require.True(t, c.Pending("m1"))
}

func TestCorrelator_TaskLifecycle(t *testing.T) {
	c := NewCorrelator()
	c.MarkSent("m1")

	working := &model.Task{
		ID:        "t1",
		MessageID: "m1",
		Status:    model.TaskStatus{State: model.TaskStateWorking, Timestamp: time.Now()},
	}
	c.ObserveTask("m1", working)
	require.True(t, c.Pending("m1"), "non-terminal task keeps the message pending")
	require.Equal(t, working, c.TaskFor("m1"))

	done := &model.Task{
		ID:        "t1",
		MessageID: "m1",
		Status:    model.TaskStatus{State: model.TaskStateCompleted, Timestamp: time.Now()},
	}
	c.ObserveTask("m1", done)
	require.False(t, c.Pending("m1"))
	require.Equal(t, done, c.TaskFor("m1"))
}

func TestCorrelator_TaskWithoutFrameID(t *testing.T) {
	c := NewCorrelator()
	c.MarkSent("m1")

	// The frame carries no message id but the task's history does.
	task := &model.Task{
		ID:     "t1",
		Status: model.TaskStatus{State: model.TaskStateFailed, Timestamp: time.Now()},
		History: []model.Message{{
			ID:       "m1",
			Role:     model.RoleUser,
			Metadata: map[string]string{"message_id": "m1"},
		}},
	}
	c.ObserveTask("", task)
	require.False(t, c.Pending("m1"))
	require.Equal(t, task, c.TaskFor("m1"))
}

func TestCorrelator_ForeignTaskTracked(t *testing.T) {
	c := NewCorrelator()

	// A task for a message another device sent still becomes queryable.
	task := &model.Task{
		ID:        "t9",
		MessageID: "m9",
		Status:    model.TaskStatus{State: model.TaskStateWorking, Timestamp: time.Now()},
	}
	c.ObserveTask("m9", task)
	require.Equal(t, task, c.TaskFor("m9"))
	require.False(t, c.Pending("m9"), "a message this client never sent is not awaiting")
}

func TestCorrelator_MarkSentIdempotent(t *testing.T) {
	c := NewCorrelator()
	c.MarkSent("m1")
	c.MarkSent("m1")
	require.Equal(t, 1, c.PendingCount())

	c.MarkSent("")
	require.Equal(t, 1, c.PendingCount())
}
