// Package session provides Redis-backed session persistence, compact binary
// session encoding, atomic token rotation, and the per-session refresh lock.
//
// # Binary encoding
//
// Sessions are stored in Redis as a compact binary format with a leading
// schema version byte. The encoder is append-only: new versions add fields
// but never reinterpret old ones. The rotation Lua script parses the same
// layout in place so token rotation is a single atomic round-trip.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations), the [Lock], and the
// [Session] model. It does NOT verify passwords, evaluate role grants, or
// enforce authentication policy; those responsibilities belong to the
// Engine.
//
// # What this package must NOT do
//
//   - Import authcore (no upward imports).
//   - Perform application-level authorization decisions.
//   - Store plaintext secrets in [Session] fields.
package session
