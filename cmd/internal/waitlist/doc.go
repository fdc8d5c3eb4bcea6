// Package waitlist owns the lifecycle of waitlist records.
//
// A record moves pending -> confirmed or pending -> expired, and pending -> pending
// when its confirmation token is rotated by a resend or resubmission. Confirmed is
// absorbing. Expired is absorbing except that a new signup for the same email issues
// a fresh token and re-enters pending.
//
// Only hashed token material is stored: the salted verification hash, its salt, and
// the deterministic lookup hash used as an index. All three are cleared when the
// record leaves pending; the lookup hash is kept as a tombstone so a replayed link
// can still be told apart from an unknown one.
package waitlist
