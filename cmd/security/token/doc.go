// Package token provides the confirmation-token primitives for the waitlist.
//
// It is the single source of truth for how confirmation tokens are minted and hashed.
//
// Design goals:
//   - Tokens are opaque base64url strings that are shown to the user exactly once (in the email link).
//   - The server stores a salted argon2id hash plus a deterministic lookup hash, never the token.
//   - Lookup hashes are HMAC-SHA256(token, key) when WAITLIST_TOKEN_HMAC_KEY is set,
//     and SHA-256(token) in dev mode when it is not.
//
// Environment:
//   - WAITLIST_TOKEN_HMAC_KEY: when set, enables HMAC mode.
//
// Policy:
//   - If WAITLIST_REQUIRE_TOKEN_HMAC=true, callers MUST enforce a minimum key size (>= 32 bytes)
//     and MUST use HMAC (no SHA fallback).
package token
