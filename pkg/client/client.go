// Package client implements the client-side session agent for the realtime
// hub: the reconnect/backoff state machine, the heartbeat, and the
// message-to-task correlation used to render pending indicators.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wallet-agent-hub/backend/internal/auth"
	"github.com/wallet-agent-hub/backend/internal/hub"
)

// State is the connection state of the session agent.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
)

// Config holds session agent configuration.
type Config struct {
	// URL is the realtime endpoint, e.g. "ws://localhost:8080/ws". The auth
	// proof is appended as query parameters at dial time.
	URL string

	// Signer produces and refreshes the authentication proof.
	Signer Signer

	// PingInterval is the heartbeat period while open. Default 30s.
	PingInterval time.Duration

	// MaxReconnectAttempts caps consecutive reconnects. Default 5.
	MaxReconnectAttempts int

	// BaseBackoff is the first reconnect delay; it doubles per attempt.
	// Default 1s.
	BaseBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Default 30s.
	MaxBackoff time.Duration

	// HandshakeTimeout bounds the WebSocket dial. Default 10s.
	HandshakeTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// connectAttempt lets concurrent Connect callers share one dial.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Client is the session agent. One instance owns at most one live socket;
// Connect is idempotent while a dial is in flight or the socket is open.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	proof     auth.Proof
	attempts  int
	inflight  *connectAttempt
	closed    bool
	pingStop  chan struct{}
	reconnect *time.Timer
	lastPing  time.Time

	correlator *Correlator

	onEvent func(hub.Frame)
	onState func(State)
}

// New creates a session agent. It does not connect.
func New(cfg Config, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		logger:     logger.With().Str("component", "session-agent").Logger(),
		state:      StateDisconnected,
		correlator: NewCorrelator(),
	}
}

// Correlator returns the message/task correlation tracker.
func (c *Client) Correlator() *Correlator { return c.correlator }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnEvent registers a callback invoked for every received frame. Set before
// Connect.
func (c *Client) OnEvent(fn func(hub.Frame)) { c.onEvent = fn }

// OnStateChange registers a callback for connection-status transitions. A
// lost connection surfaces here as a status change, never as an error to
// application code.
func (c *Client) OnStateChange(fn func(State)) { c.onState = fn }

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.logger.Debug().Str("state", string(s)).Msg("state change")
	if c.onState != nil {
		go c.onState(s)
	}
}

// Connect establishes the realtime connection. Concurrent callers while a
// dial is in flight share its outcome instead of opening duplicate sockets.
// An expired or absent proof is refreshed before dialing; a refresh failure
// is returned as a connection failure.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	if c.inflight != nil {
		attempt := c.inflight
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	attempt := &connectAttempt{done: make(chan struct{})}
	c.inflight = attempt
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	err := c.dial(ctx)

	c.mu.Lock()
	attempt.err = err
	c.inflight = nil
	if err != nil {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()
	close(attempt.done)
	return err
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	proof := c.proof
	c.mu.Unlock()

	if proofExpired(proof, time.Now()) {
		fresh, err := c.cfg.Signer.Proof(ctx)
		if err != nil {
			return fmt.Errorf("refreshing proof: %w", err)
		}
		proof = fresh
		c.mu.Lock()
		c.proof = fresh
		c.mu.Unlock()
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	q := u.Query()
	q.Set(auth.QueryPublicKey, proof.PublicKey)
	q.Set(auth.QueryNonce, proof.Nonce)
	q.Set(auth.QuerySignature, proof.Signature)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("client closed during dial")
	}
	c.conn = conn
	c.attempts = 0
	c.pingStop = make(chan struct{})
	c.setStateLocked(StateOpen)
	pingStop := c.pingStop
	c.mu.Unlock()

	c.logger.Info().Str("url", c.cfg.URL).Msg("connected")
	go c.heartbeat(conn, pingStop)
	go c.readLoop(conn)
	return nil
}

// heartbeat sends a ping frame every PingInterval while the socket is open.
// The timer runs only in the open state and is stopped on teardown, so it
// never overlaps the reconnect timer.
func (c *Client) heartbeat(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			c.lastPing = now
			c.mu.Unlock()
			frame := hub.Frame{
				Type:      hub.FramePing,
				Timestamp: json.RawMessage(strconv.FormatInt(now.UnixMilli(), 10)),
			}
			data, _ := json.Marshal(frame)
			conn.SetWriteDeadline(now.Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// readLoop consumes frames until the socket errors or closes, then tears
// down and schedules a reconnect.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var frame hub.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame hub.Frame) {
	switch frame.Type {
	case hub.FrameConnectionEstablished:
		c.logger.Info().Str("wallet", frame.WalletAddress).Msg("session established")
	case hub.FramePong:
		c.mu.Lock()
		sent := c.lastPing
		c.mu.Unlock()
		if !sent.IsZero() {
			c.logger.Debug().Dur("rtt", time.Since(sent)).Msg("pong")
		}
	case hub.FrameNewMessage:
		c.correlator.ObserveMessage(frame.Message)
	case hub.FrameTaskUpdate:
		c.correlator.ObserveTask(frame.MessageID, frame.Task)
	case hub.FrameError:
		c.logger.Warn().Str("code", frame.Code).Str("error", frame.Error).Msg("server error frame")
	}

	if c.onEvent != nil {
		c.onEvent(frame)
	}
}

// handleDisconnect transitions to disconnected and schedules a reconnect
// while attempts remain.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopHeartbeatLocked()
	if c.closed {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateDisconnected)

	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Warn().Err(cause).Int("attempts", c.attempts).Msg("giving up on reconnect")
		c.mu.Unlock()
		return
	}
	delay := c.backoffDelay(c.attempts)
	c.attempts++
	c.setStateLocked(StateReconnecting)
	c.reconnect = time.AfterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect attempt failed")
			c.retryAfterFailedDial()
		}
	})
	c.logger.Info().Err(cause).Dur("delay", delay).Int("attempt", c.attempts).Msg("connection lost, reconnect scheduled")
	c.mu.Unlock()
}

// retryAfterFailedDial keeps the backoff ladder going when a scheduled
// reconnect's dial fails before any socket opens.
func (c *Client) retryAfterFailedDial() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state == StateOpen || c.attempts >= c.cfg.MaxReconnectAttempts {
		return
	}
	delay := c.backoffDelay(c.attempts)
	c.attempts++
	c.setStateLocked(StateReconnecting)
	c.reconnect = time.AfterFunc(delay, func() {
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn().Err(err).Msg("reconnect attempt failed")
			c.retryAfterFailedDial()
		}
	})
}

// backoffDelay computes min(base * 2^attempt, max).
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.cfg.BaseBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	if delay > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return delay
}

func (c *Client) stopHeartbeatLocked() {
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
}

// Disconnect closes the connection and stops both the heartbeat and any
// scheduled reconnect. The client cannot be reused afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.stopHeartbeatLocked()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.setStateLocked(StateDisconnected)
}
