package hub

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Conn is a single live realtime connection belonging to exactly one wallet.
type Conn struct {
	hub    *Hub
	conn   *websocket.Conn
	wallet string
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewConn creates a connection owned by the given wallet.
func NewConn(h *Hub, ws *websocket.Conn, wallet string) *Conn {
	return &Conn{
		hub:    h,
		conn:   ws,
		wallet: wallet,
		send:   make(chan []byte, 256),
	}
}

// Send queues a frame for delivery. A connection whose buffer is full is
// closed rather than allowed to stall delivery to the wallet's other
// connections.
func (c *Conn) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.closeLocked()
	}
}

// Close closes the connection's send channel. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// WalletAddress returns the owning wallet.
func (c *Conn) WalletAddress() string { return c.wallet }

// Conn returns the underlying WebSocket connection; nil in unit tests.
func (c *Conn) Conn() *websocket.Conn { return c.conn }

// SendChan returns the connection's outbound channel.
func (c *Conn) SendChan() <-chan []byte { return c.send }

// Hub maps each wallet address to its set of live connections and fans
// events out to them. Connections of different wallets never observe each
// other's events.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*Conn]struct{}
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]map[*Conn]struct{}),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// Register adds a connection under its wallet's set.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.conns[c.wallet]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.wallet] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a connection and closes it. Removing a connection that
// was never registered, or twice, is harmless.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.wallet]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.wallet)
		}
	}
	h.mu.Unlock()

	c.Close()
}

// Broadcast sends the frame to every live connection of the wallet. The
// frame is marshalled once; delivery is best-effort per connection and a
// full or dead connection affects only itself. Frames broadcast in order
// arrive at each connection in that order.
func (h *Hub) Broadcast(wallet string, frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(frame.Type)).Msg("failed to marshal frame")
		return
	}
	h.broadcastBytes(wallet, data)
}

func (h *Hub) broadcastBytes(wallet string, data []byte) {
	h.mu.RLock()
	set := h.conns[wallet]
	targets := make([]*Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(data)
	}
}

// ConnCount returns the number of live connections for a wallet.
func (h *Hub) ConnCount(wallet string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[wallet])
}

// TotalConns returns the number of live connections across all wallets.
func (h *Hub) TotalConns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// Close closes every connection and empties the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.conns = make(map[string]map[*Conn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}
