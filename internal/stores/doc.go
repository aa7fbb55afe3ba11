// Package stores provides the Redis-backed, short-lived record store for
// MFA login challenges.
//
// # Design
//
// The store persists a versioned, binary-encoded record in Redis with a TTL.
// Mutation operations (RecordAttempt) use WATCH/MULTI optimistic
// transactions with automatic retry on contention. Records are single-use:
// deleted on success, and enforce an attempt cap to resist brute force.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient
// challenge records. It does NOT verify codes or make authentication
// decisions; those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import authcore or any sibling internal package.
//   - Log or expose plaintext secrets.
package stores
