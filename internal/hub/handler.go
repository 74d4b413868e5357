package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wallet-agent-hub/backend/internal/auth"
	"github.com/wallet-agent-hub/backend/internal/model"
	"github.com/wallet-agent-hub/backend/internal/registry"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size allowed from peer.
	maxFrameSize = 8192

	// defaultIdleTimeout closes a connection that produces no frames,
	// pings included. Clients ping every 30s, so three missed beats.
	defaultIdleTimeout = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth is the wallet signature on the upgrade URL, not the origin.
		return true
	},
}

// Handler performs the authenticated WebSocket handshake and runs the read
// and write pumps for each accepted connection.
type Handler struct {
	hub         *Hub
	verifier    *auth.Verifier
	sessions    *registry.Registry
	idleTimeout time.Duration
	logger      zerolog.Logger
}

// NewHandler creates a handler. idleTimeout <= 0 selects the default.
func NewHandler(h *Hub, verifier *auth.Verifier, sessions *registry.Registry, idleTimeout time.Duration, logger zerolog.Logger) *Handler {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	return &Handler{
		hub:         h,
		verifier:    verifier,
		sessions:    sessions,
		idleTimeout: idleTimeout,
		logger:      logger.With().Str("component", "ws").Logger(),
	}
}

// Handle upgrades an HTTP request to a realtime connection. The proof rides
// in the query parameters and is checked by the same verifier as the HTTP
// path; a bad proof is rejected with 401 before the upgrade, so a failed
// handshake never leaves a partially-registered connection.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	proof := auth.ProofFromQuery(r.URL.Query())
	if err := h.verifier.Verify(proof); err != nil {
		h.logger.Warn().Str("code", model.AuthErrorCode(err)).Msg("rejected handshake")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error":  err.Error(),
			"status": "error",
			"code":   model.AuthErrorCode(err),
		})
		return
	}
	wallet := proof.PublicKey

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	// The socket handshake counts as authenticated access: it creates the
	// user context if this is the wallet's first contact.
	h.sessions.GetOrCreate(wallet)

	c := NewConn(h.hub, ws, wallet)
	h.hub.Register(c)
	h.logger.Info().Str("wallet", wallet).Int("connections", h.hub.ConnCount(wallet)).Msg("connection established")

	c.Send(mustMarshal(&Frame{
		Type:          FrameConnectionEstablished,
		WalletAddress: wallet,
	}))

	go h.writePump(c)
	go h.readPump(c)
}

// readPump reads frames from the socket until error or idle timeout. Every
// inbound frame, pings included, refreshes both the idle deadline and the
// wallet's registry timestamp.
func (h *Handler) readPump(c *Conn) {
	defer func() {
		h.hub.Unregister(c)
		c.Conn().Close()
		h.logger.Info().Str("wallet", c.wallet).Msg("connection closed")
	}()

	c.Conn().SetReadLimit(maxFrameSize)
	c.Conn().SetReadDeadline(time.Now().Add(h.idleTimeout))

	for {
		_, data, err := c.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("wallet", c.wallet).Msg("read error")
			}
			return
		}
		c.Conn().SetReadDeadline(time.Now().Add(h.idleTimeout))
		h.sessions.Touch(c.wallet)

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.logger.Warn().Err(err).Str("wallet", c.wallet).Msg("dropping malformed frame")
			continue
		}
		h.handleFrame(c, &frame)
	}
}

// handleFrame dispatches one validated inbound frame.
func (h *Handler) handleFrame(c *Conn, frame *Frame) {
	switch frame.Type {
	case FramePing:
		// Echo the timestamp untouched so the client can measure round-trip.
		c.Send(mustMarshal(&Frame{Type: FramePong, Timestamp: frame.Timestamp}))
	default:
		c.Send(mustMarshal(&Frame{
			Type:  FrameError,
			Code:  "UNKNOWN_FRAME",
			Error: "unknown frame type: " + string(frame.Type),
		}))
	}
}

// writePump drains the connection's send channel to the socket. The hub
// never initiates pings; staleness detection belongs to the client.
func (h *Handler) writePump(c *Conn) {
	defer c.Conn().Close()

	for data := range c.send {
		c.Conn().SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.Conn().WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}

		// Drain anything already queued, one frame per socket message so the
		// client can JSON-parse each frame independently.
		n := len(c.send)
		for i := 0; i < n; i++ {
			queued, ok := <-c.send
			if !ok {
				c.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn().WriteMessage(websocket.TextMessage, queued); err != nil {
				return
			}
		}
	}
	c.Conn().WriteMessage(websocket.CloseMessage, []byte{})
}

func mustMarshal(frame *Frame) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		// Frames are built from our own types; this cannot fail at runtime.
		panic(err)
	}
	return data
}
