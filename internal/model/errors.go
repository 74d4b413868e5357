package model

import "errors"

var (
	// ErrAuthExpired is returned when a signature's expiry timestamp has passed.
	ErrAuthExpired = errors.New("signature expired, please sign again")

	// ErrAuthMalformed is returned when a proof component cannot be decoded.
	ErrAuthMalformed = errors.New("malformed authentication proof")

	// ErrBadSignature is returned when a well-formed signature does not verify.
	ErrBadSignature = errors.New("invalid signature, please sign again")

	// ErrNotFound is returned when a conversation or message is not found.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when a wallet accesses another wallet's resource.
	ErrForbidden = errors.New("forbidden")

	// ErrConversationLimit is returned when a wallet reaches its conversation cap.
	ErrConversationLimit = errors.New("maximum number of conversations reached")
)

// AuthErrorCode maps an authentication error to its wire code.
func AuthErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthExpired):
		return "AUTH_EXPIRED"
	case errors.Is(err, ErrBadSignature):
		return "AUTH_BAD_SIGNATURE"
	default:
		return "AUTH_MALFORMED"
	}
}
