package auth

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wallet-agent-hub/backend/internal/model"
)

// walletKey is the gin context key under which the authenticated wallet
// address is stored.
const walletKey = "walletAddress"

// WalletAddress returns the wallet address set by the auth middleware, or
// the empty string when the request was not authenticated.
func WalletAddress(c *gin.Context) string {
	if v, ok := c.Get(walletKey); ok {
		if addr, ok := v.(string); ok {
			return addr
		}
	}
	return ""
}

// Middleware returns a gin middleware that verifies the wallet-signature
// headers on every request. An invalid or expired proof aborts the request
// with 401; a valid one stores the wallet address in the request context.
func Middleware(v *Verifier, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		proof := ProofFromHeader(c.Request.Header)
		if err := v.Verify(proof); err != nil {
			logger.Warn().
				Str("path", c.Request.URL.Path).
				Str("code", model.AuthErrorCode(err)).
				Msg("rejected request with invalid proof")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  err.Error(),
				"status": "error",
				"code":   model.AuthErrorCode(err),
			})
			return
		}
		c.Set(walletKey, proof.PublicKey)
		c.Next()
	}
}

// RateLimiter is a sliding-window per-client request limiter.
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	requests map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing max requests per window per key.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:   window,
		max:      max,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records a request for key and reports whether it is within budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	kept := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.max {
		rl.requests[key] = kept
		return false
	}
	rl.requests[key] = append(kept, now)
	return true
}

// RateLimitMiddleware returns a gin middleware limiting requests per client
// IP. Localhost is exempt.
func RateLimitMiddleware(rl *RateLimiter, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "127.0.0.1" || ip == "::1" {
			c.Next()
			return
		}
		if !rl.Allow(ip) {
			logger.Warn().Str("ip", ip).Msg("rate limit exceeded")
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":  "Too Many Requests",
				"status": "error",
				"code":   "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}
