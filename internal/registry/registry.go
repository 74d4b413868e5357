// Package registry maps wallet addresses to lazily-created, isolated
// per-user execution contexts with idle eviction.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wallet-agent-hub/backend/internal/engine"
	"github.com/wallet-agent-hub/backend/internal/model"
	"github.com/wallet-agent-hub/backend/internal/repository"
)

// Publisher is the outbound boundary to the connection hub. Publishing to a
// wallet with no live connections is a no-op.
type Publisher interface {
	Publish(wallet string, ev model.ConversationEvent)
}

// Config holds registry tuning knobs.
type Config struct {
	// MaxIdle is how long a context may go untouched before eviction.
	MaxIdle time.Duration
	// SweepInterval is how often the eviction sweep runs.
	SweepInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxIdle:       60 * time.Minute,
		SweepInterval: 30 * time.Minute,
	}
}

// Registry owns all live UserContexts, keyed by wallet address. It is an
// explicit instance handed to the HTTP and realtime layers, never a package
// singleton.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	store     repository.Store
	publisher Publisher
	engine    engine.Engine
	cfg       Config
	logger    zerolog.Logger

	runCtx context.Context
	cancel context.CancelFunc
}

// entry latches construction so concurrent GetOrCreate calls for the same
// wallet build exactly one context.
type entry struct {
	once sync.Once
	uc   *UserContext
}

// New creates a registry. store may be nil for memory-only operation;
// publisher and eng may be nil in tests.
func New(store repository.Store, publisher Publisher, eng engine.Engine, cfg Config, logger zerolog.Logger) *Registry {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultConfig().MaxIdle
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Registry{
		entries:   make(map[string]*entry),
		store:     store,
		publisher: publisher,
		engine:    eng,
		cfg:       cfg,
		logger:    logger.With().Str("component", "registry").Logger(),
		runCtx:    runCtx,
		cancel:    cancel,
	}
}

// GetOrCreate returns the wallet's context, constructing it on first access.
// Safe under concurrent calls for the same wallet: construction runs exactly
// once, other callers block until it finishes. The registry lock is held only
// to install the entry, not for the construction itself.
func (r *Registry) GetOrCreate(wallet string) *UserContext {
	r.mu.Lock()
	e, ok := r.entries[wallet]
	if !ok {
		e = &entry{}
		r.entries[wallet] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		r.logger.Info().Str("wallet", wallet).Msg("creating user context")
		e.uc = newUserContext(r.runCtx, wallet, r.store, r.publisher, r.engine, r.logger)
	})
	e.uc.Touch()
	return e.uc
}

// Get returns the wallet's context if one is live, without creating it.
func (r *Registry) Get(wallet string) (*UserContext, bool) {
	r.mu.Lock()
	e, ok := r.entries[wallet]
	r.mu.Unlock()
	if !ok || e.uc == nil {
		return nil, false
	}
	return e.uc, true
}

// Touch refreshes the wallet's idle timestamp if its context is live.
func (r *Registry) Touch(wallet string) {
	if uc, ok := r.Get(wallet); ok {
		uc.Touch()
	}
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle destroys contexts untouched for longer than maxIdle and returns
// how many were evicted. The idle check happens under the registry lock, so
// a concurrent Touch either lands before the check and saves the context, or
// the next request simply recreates it from persistent storage.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for wallet, e := range r.entries {
		if e.uc == nil {
			continue // still constructing
		}
		if e.uc.LastAccessed().Before(cutoff) {
			delete(r.entries, wallet)
			evicted++
			r.logger.Info().Str("wallet", wallet).Msg("evicted idle user context")
		}
	}
	return evicted
}

// Run drives the periodic eviction sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.EvictIdle(r.cfg.MaxIdle); n > 0 {
				r.logger.Info().Int("evicted", n).Msg("idle eviction sweep")
			}
		}
	}
}

// Close cancels engine work and drops all contexts.
func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
}
