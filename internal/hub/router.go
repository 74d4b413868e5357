package hub

import (
	"github.com/rs/zerolog"

	"github.com/wallet-agent-hub/backend/internal/model"
)

// Router hands conversation events from the engine side to the hub. It is
// pure glue: it validates the event against the closed union, resolves the
// owning wallet's connection set, and broadcasts. A wallet with zero live
// connections drops the event: realtime delivery is at-most-once and the
// client reconciles through the list endpoints. Events are never buffered
// for an offline wallet.
type Router struct {
	hub    *Hub
	logger zerolog.Logger
}

// NewRouter creates a router over the hub.
func NewRouter(h *Hub, logger zerolog.Logger) *Router {
	return &Router{
		hub:    h,
		logger: logger.With().Str("component", "router").Logger(),
	}
}

// Publish delivers an event to every live connection of the wallet.
// Implements registry.Publisher.
func (r *Router) Publish(wallet string, ev model.ConversationEvent) {
	if !ev.Kind.Valid() {
		r.logger.Error().Str("kind", string(ev.Kind)).Msg("dropping event of unknown kind")
		return
	}
	frame := EventFrame(ev)
	if frame == nil {
		r.logger.Error().Str("kind", string(ev.Kind)).Msg("dropping event with missing payload")
		return
	}

	n := r.hub.ConnCount(wallet)
	if n == 0 {
		r.logger.Debug().Str("wallet", wallet).Str("kind", string(ev.Kind)).Msg("no live connections, event dropped")
		return
	}
	r.hub.Broadcast(wallet, frame)
	r.logger.Debug().
		Str("wallet", wallet).
		Str("kind", string(ev.Kind)).
		Str("conversation", ev.ConversationID).
		Int("connections", n).
		Msg("event broadcast")
}
