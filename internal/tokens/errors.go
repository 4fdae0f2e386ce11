package tokens

import "errors"

// Sentinel errors returned by the Authority.
var (
	// ErrInvalidGrant indicates a bad, expired, or unknown code or refresh
	// token, or a client credential mismatch. Surfaced to the OAuth caller
	// as a client error; never retried server-side.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrTokenInvalid indicates a bearer token that fails the signature,
	// type-tag, or shadow-entry check.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenExpired indicates a bearer token past its expiry. Callers
	// treat it the same as ErrTokenInvalid; the distinction exists for
	// logging only.
	ErrTokenExpired = errors.New("token expired")
)
