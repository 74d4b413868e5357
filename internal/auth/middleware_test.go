package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newAuthedRouter(v *Verifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(v, zerolog.Nop()))
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"wallet": WalletAddress(c)})
	})
	return r
}

func TestMiddleware_ValidProof(t *testing.T) {
	_, priv := testKeypair(t)
	now := time.Now()
	v := NewVerifierAt(func() time.Time { return now })
	r := newAuthedRouter(v)

	p := signedProof(t, priv, now.Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(HeaderPublicKey, p.PublicKey)
	req.Header.Set(HeaderNonce, p.Nonce)
	req.Header.Set(HeaderSignature, p.Signature)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, p.PublicKey, body["wallet"])
}

func TestMiddleware_RejectsWithEnvelope(t *testing.T) {
	_, priv := testKeypair(t)
	now := time.Now()
	v := NewVerifierAt(func() time.Time { return now })
	r := newAuthedRouter(v)

	cases := []struct {
		name     string
		proof    Proof
		wantCode string
	}{
		{"no headers", Proof{}, "AUTH_MALFORMED"},
		{"expired", signedProof(t, priv, now.Add(-time.Hour)), "AUTH_EXPIRED"},
		{"wrong signer", func() Proof {
			_, other := testKeypair(t)
			p := signedProof(t, other, now.Add(time.Hour))
			// Present it under the first wallet's key.
			p.PublicKey = signedProof(t, priv, now.Add(time.Hour)).PublicKey
			return p
		}(), "AUTH_BAD_SIGNATURE"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			if tc.proof.PublicKey != "" {
				req.Header.Set(HeaderPublicKey, tc.proof.PublicKey)
				req.Header.Set(HeaderNonce, tc.proof.Nonce)
				req.Header.Set(HeaderSignature, tc.proof.Signature)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, http.StatusUnauthorized, w.Code)
			var body struct {
				Error  string `json:"error"`
				Status string `json:"status"`
				Code   string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			require.Equal(t, "error", body.Status)
			require.Equal(t, tc.wantCode, body.Code)
			require.NotEmpty(t, body.Error)
		})
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("1.2.3.4"), "request %d should pass", i)
	}
	require.False(t, rl.Allow("1.2.3.4"))

	// A different client has its own budget.
	require.True(t, rl.Allow("5.6.7.8"))

	// Once the window slides past the old requests, the budget frees up.
	now = now.Add(61 * time.Second)
	require.True(t, rl.Allow("1.2.3.4"))
}

func TestRateLimitMiddleware_LocalhostExempt(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, time.Minute)
	r := gin.New()
	r.Use(RateLimitMiddleware(rl, zerolog.Nop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	// httptest requests come from 192.0.2.1 by default, so force loopback.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "127.0.0.1:4567"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitMiddleware_Throttles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(2, time.Minute)
	r := gin.New()
	r.Use(RateLimitMiddleware(rl, zerolog.Nop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "198.51.100.7:4567"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
