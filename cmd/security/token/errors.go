package token

import "errors"

// Public, stable errors for callers.
var (
	ErrHMACKeyMissing  = errors.New("token HMAC key missing")
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")

	// ErrMalformedToken is returned for tokens that fail the cheap shape checks.
	// No hashing is performed on such input.
	ErrMalformedToken = errors.New("malformed token")
)
