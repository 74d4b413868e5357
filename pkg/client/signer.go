package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/mr-tron/base58"

	"github.com/wallet-agent-hub/backend/internal/auth"
)

// Signer produces authentication proofs for a wallet. Wallet apps implement
// this against the user's extension or keystore; LocalSigner implements it
// over an in-process key for tests and headless callers.
type Signer interface {
	// WalletAddress returns the base58 public key the proofs are for.
	WalletAddress() string
	// Proof signs a fresh expiry timestamp and returns the proof triple.
	Proof(ctx context.Context) (auth.Proof, error)
}

// DefaultProofValidity is how far in the future LocalSigner places the
// expiry. The proof is replayable until then; shorten it when that matters.
const DefaultProofValidity = 24 * time.Hour

// LocalSigner signs proofs with an in-process ed25519 private key.
type LocalSigner struct {
	priv     ed25519.PrivateKey
	address  string
	validity time.Duration
	now      func() time.Time
}

// NewLocalSigner wraps an existing private key. validity <= 0 selects the
// default.
func NewLocalSigner(priv ed25519.PrivateKey, validity time.Duration) (*LocalSigner, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key length %d", len(priv))
	}
	if validity <= 0 {
		validity = DefaultProofValidity
	}
	pub := priv.Public().(ed25519.PublicKey)
	return &LocalSigner{
		priv:     priv,
		address:  base58.Encode(pub),
		validity: validity,
		now:      time.Now,
	}, nil
}

// GenerateSigner creates a signer with a fresh random keypair.
func GenerateSigner() (*LocalSigner, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return NewLocalSigner(priv, 0)
}

// WalletAddress returns the signer's base58 public key.
func (s *LocalSigner) WalletAddress() string { return s.address }

// Proof signs the decimal expiry string and returns the proof triple.
func (s *LocalSigner) Proof(_ context.Context) (auth.Proof, error) {
	nonce := strconv.FormatInt(s.now().Add(s.validity).UnixMilli(), 10)
	sig := ed25519.Sign(s.priv, []byte(nonce))
	return auth.Proof{
		PublicKey: s.address,
		Nonce:     nonce,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// proofExpired reports whether the proof is absent or past its expiry from
// the perspective of now.
func proofExpired(p auth.Proof, now time.Time) bool {
	if p.Nonce == "" || p.Signature == "" || p.PublicKey == "" {
		return true
	}
	expiry, err := strconv.ParseInt(p.Nonce, 10, 64)
	if err != nil {
		return true
	}
	return now.UnixMilli() >= expiry
}
