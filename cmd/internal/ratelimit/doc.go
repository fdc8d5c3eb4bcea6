// Package ratelimit implements fixed-window admission control for the waitlist.
//
// A Rule names a scope (ip or email), a window and a limit. Time is quantized into
// buckets aligned to the window, and each (rule, scope, identifier hash, bucket)
// gets one counter. Identifiers are HMAC'd before they reach storage so the counter
// store cannot be scraped for emails or IPs.
//
// Counters live behind the CounterStore interface:
//   - PostgresStore: serializable read-modify-write transaction per request.
//   - RedisStore: atomic Lua script, for deployments without Postgres.
//   - MemoryStore: process-local map for dev and tests only.
//
// Fixed windows admit up to 2x the limit across a window boundary. That is accepted
// in exchange for O(1) storage and no background compaction.
package ratelimit
