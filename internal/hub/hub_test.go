package hub

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/wallet-agent-hub/backend/internal/model"
)

// newTestConn builds a connection without a real socket; Send and the hub
// bookkeeping only touch the channel.
func newTestConn(h *Hub, wallet string) *Conn {
	return NewConn(h, nil, wallet)
}

// drain reads one frame off the connection or fails after a short wait.
func drain(t *testing.T, c *Conn) []byte {
	t.Helper()
	select {
	case data := <-c.SendChan():
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestRegisterUnregister(t *testing.T) {
	h := NewHub(zerolog.Nop())

	a1 := newTestConn(h, "walletA")
	a2 := newTestConn(h, "walletA")
	b := newTestConn(h, "walletB")

	h.Register(a1)
	h.Register(a2)
	h.Register(b)
	require.Equal(t, 2, h.ConnCount("walletA"))
	require.Equal(t, 1, h.ConnCount("walletB"))
	require.Equal(t, 3, h.TotalConns())

	h.Unregister(a1)
	require.Equal(t, 1, h.ConnCount("walletA"))
	require.True(t, a1.IsClosed())
	require.False(t, a2.IsClosed())

	// Unregistering twice, or a conn that was never registered, is harmless.
	h.Unregister(a1)
	h.Unregister(newTestConn(h, "walletC"))
	require.Equal(t, 2, h.TotalConns())

	h.Unregister(a2)
	require.Equal(t, 0, h.ConnCount("walletA"))
}

func TestBroadcastIsolation(t *testing.T) {
	h := NewHub(zerolog.Nop())

	a1 := newTestConn(h, "walletA")
	a2 := newTestConn(h, "walletA")
	b := newTestConn(h, "walletB")
	h.Register(a1)
	h.Register(a2)
	h.Register(b)

	h.Broadcast("walletA", &Frame{Type: FrameNewMessage, ConversationID: "conv-1"})

	for _, c := range []*Conn{a1, a2} {
		var frame Frame
		require.NoError(t, json.Unmarshal(drain(t, c), &frame))
		require.Equal(t, FrameNewMessage, frame.Type)
		require.Equal(t, "conv-1", frame.ConversationID)
	}

	select {
	case data := <-b.SendChan():
		t.Fatalf("walletB received walletA's frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastOrdering(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := newTestConn(h, "walletA")
	h.Register(c)

	const n = 100
	for i := 0; i < n; i++ {
		h.Broadcast("walletA", &Frame{Type: FrameNewMessage, ConversationID: fmt.Sprintf("conv-%03d", i)})
	}

	for i := 0; i < n; i++ {
		var frame Frame
		require.NoError(t, json.Unmarshal(drain(t, c), &frame))
		require.Equal(t, fmt.Sprintf("conv-%03d", i), frame.ConversationID)
	}
}

func TestSendDropsFullConnection(t *testing.T) {
	h := NewHub(zerolog.Nop())
	slow := newTestConn(h, "walletA")
	healthy := newTestConn(h, "walletA")
	h.Register(slow)
	h.Register(healthy)

	// Fill the slow connection's buffer without draining it.
	payload := []byte(`{"type":"new_message"}`)
	for i := 0; i < cap(slow.send); i++ {
		slow.Send(payload)
	}
	require.False(t, slow.IsClosed())

	// The overflowing send tears down only the slow connection.
	h.broadcastBytes("walletA", payload)
	require.True(t, slow.IsClosed())
	require.False(t, healthy.IsClosed())

	// Sending to a closed connection is a no-op.
	slow.Send(payload)
}

func TestCloseEmptiesHub(t *testing.T) {
	h := NewHub(zerolog.Nop())
	a := newTestConn(h, "walletA")
	b := newTestConn(h, "walletB")
	h.Register(a)
	h.Register(b)

	h.Close()
	require.Equal(t, 0, h.TotalConns())
	require.True(t, a.IsClosed())
	require.True(t, b.IsClosed())
}

func TestEventFrame(t *testing.T) {
	msg := &model.Message{ID: "m1", Role: model.RoleAgent}
	task := &model.Task{ID: "t1"}

	frame := EventFrame(model.ConversationEvent{
		Kind:           model.EventNewMessage,
		ConversationID: "conv-1",
		Message:        msg,
	})
	require.NotNil(t, frame)
	require.Equal(t, FrameNewMessage, frame.Type)
	require.Equal(t, msg, frame.Message)

	frame = EventFrame(model.ConversationEvent{
		Kind:           model.EventTaskUpdate,
		ConversationID: "conv-1",
		MessageID:      "m1",
		Task:           task,
	})
	require.NotNil(t, frame)
	require.Equal(t, FrameTaskUpdate, frame.Type)
	require.Equal(t, "m1", frame.MessageID)

	// Events with missing payloads or unknown kinds produce no frame.
	require.Nil(t, EventFrame(model.ConversationEvent{Kind: model.EventNewMessage}))
	require.Nil(t, EventFrame(model.ConversationEvent{Kind: model.EventTaskUpdate}))
	require.Nil(t, EventFrame(model.ConversationEvent{Kind: "bogus", Message: msg}))
}

func TestRouterDropsWithoutConnections(t *testing.T) {
	h := NewHub(zerolog.Nop())
	r := NewRouter(h, zerolog.Nop())

	// No live connections, no panic, nothing delivered later.
	r.Publish("walletA", model.ConversationEvent{
		Kind:    model.EventNewMessage,
		Message: &model.Message{ID: "m1"},
	})

	c := newTestConn(h, "walletA")
	h.Register(c)
	select {
	case data := <-c.SendChan():
		t.Fatalf("dropped event was delivered after reconnect: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouterPublish(t *testing.T) {
	h := NewHub(zerolog.Nop())
	r := NewRouter(h, zerolog.Nop())
	c := newTestConn(h, "walletA")
	h.Register(c)

	r.Publish("walletA", model.ConversationEvent{
		Kind:           model.EventTaskUpdate,
		ConversationID: "conv-1",
		MessageID:      "m1",
		Task:           &model.Task{ID: "t1", Status: model.TaskStatus{State: model.TaskStateWorking}},
	})

	var frame Frame
	require.NoError(t, json.Unmarshal(drain(t, c), &frame))
	require.Equal(t, FrameTaskUpdate, frame.Type)
	require.Equal(t, "m1", frame.MessageID)
	require.Equal(t, model.TaskStateWorking, frame.Task.Status.State)

	// Malformed events never reach the wire.
	r.Publish("walletA", model.ConversationEvent{Kind: "bogus"})
	r.Publish("walletA", model.ConversationEvent{Kind: model.EventNewMessage})
	select {
	case data := <-c.SendChan():
		t.Fatalf("invalid event was broadcast: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFanOutProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every connection of the wallet receives every frame in order", prop.ForAll(
		func(numConns int, convIDs []string) bool {
			h := NewHub(zerolog.Nop())
			conns := make([]*Conn, numConns)
			for i := range conns {
				conns[i] = newTestConn(h, "walletA")
				h.Register(conns[i])
			}

			for _, id := range convIDs {
				h.Broadcast("walletA", &Frame{Type: FrameNewMessage, ConversationID: id})
			}

			for _, c := range conns {
				for _, id := range convIDs {
					select {
					case data := <-c.SendChan():
						var frame Frame
						if json.Unmarshal(data, &frame) != nil || frame.ConversationID != id {
							return false
						}
					default:
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOfN(10, gen.Identifier()),
	))

	properties.Property("frames for one wallet never reach another wallet's connections", prop.ForAll(
		func(walletA, walletB string) bool {
			if walletA == walletB {
				return true
			}
			h := NewHub(zerolog.Nop())
			a := newTestConn(h, walletA)
			b := newTestConn(h, walletB)
			h.Register(a)
			h.Register(b)

			h.Broadcast(walletA, &Frame{Type: FrameNewMessage, ConversationID: "conv"})

			if len(a.SendChan()) != 1 {
				return false
			}
			return len(b.SendChan()) == 0
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
