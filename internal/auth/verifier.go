// Package auth implements wallet-signature authentication: a stateless
// verifier for (public key, expiry, signature) proofs plus the HTTP and
// WebSocket carriage of those proofs.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mr-tron/base58"

	"github.com/wallet-agent-hub/backend/internal/model"
)

// Proof is the (publicKey, expiry, signature) triple proving control of a
// wallet's private key. Nonce is the decimal millisecond timestamp at which
// the proof expires; Signature is the base64-encoded ed25519 signature over
// the byte-exact nonce string. The same proof stays valid for every request
// until the expiry passes; there is no single-use replay protection.
type Proof struct {
	PublicKey string
	Nonce     string
	Signature string
}

// Header names used on the HTTP request path.
const (
	HeaderPublicKey = "X-Solana-PublicKey"
	HeaderNonce     = "X-Solana-Nonce"
	HeaderSignature = "X-Solana-Signature"
)

// Query parameter names used on the WebSocket handshake path. Browser
// WebSocket clients cannot set custom headers, so the handshake carries the
// same three values in the upgrade URL instead.
const (
	QueryPublicKey = "publicKey"
	QueryNonce     = "nonce"
	QuerySignature = "signature"
)

// ProofFromHeader extracts a proof from HTTP request headers.
func ProofFromHeader(h http.Header) Proof {
	return Proof{
		PublicKey: h.Get(HeaderPublicKey),
		Nonce:     h.Get(HeaderNonce),
		Signature: h.Get(HeaderSignature),
	}
}

// ProofFromQuery extracts a proof from WebSocket upgrade query parameters.
func ProofFromQuery(q url.Values) Proof {
	return Proof{
		PublicKey: q.Get(QueryPublicKey),
		Nonce:     q.Get(QueryNonce),
		Signature: q.Get(QuerySignature),
	}
}

// Verifier validates wallet-signature proofs. It holds no state beyond the
// clock, which is injectable for tests.
type Verifier struct {
	now func() time.Time
}

// NewVerifier creates a verifier using the wall clock.
func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// NewVerifierAt creates a verifier with a custom clock.
func NewVerifierAt(now func() time.Time) *Verifier {
	return &Verifier{now: now}
}

// Verify checks the proof and returns nil when it is valid. Failure modes:
// model.ErrAuthExpired when the expiry has passed, model.ErrAuthMalformed
// when a component cannot be decoded, model.ErrBadSignature when a
// well-formed signature does not verify. Both the HTTP and the WebSocket
// paths go through this exact function.
func (v *Verifier) Verify(p Proof) error {
	if p.PublicKey == "" || p.Nonce == "" || p.Signature == "" {
		return fmt.Errorf("missing proof component: %w", model.ErrAuthMalformed)
	}

	expiry, err := strconv.ParseInt(p.Nonce, 10, 64)
	if err != nil {
		return fmt.Errorf("nonce %q is not a timestamp: %w", p.Nonce, model.ErrAuthMalformed)
	}
	if v.now().UnixMilli() >= expiry {
		return model.ErrAuthExpired
	}

	pubBytes, err := base58.Decode(p.PublicKey)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("public key is not a valid wallet address: %w", model.ErrAuthMalformed)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil || len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("signature is not valid base64 ed25519: %w", model.ErrAuthMalformed)
	}

	// The signed message is the byte-exact decimal nonce string, not its
	// integer value.
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), []byte(p.Nonce), sigBytes) {
		return model.ErrBadSignature
	}
	return nil
}
