// Package authcore implements the authentication and session core for a
// multi-role commerce platform: versioned password verification, opaque
// access/refresh token sessions with rotation and reuse detection, per-session
// refresh locking for multi-tab clients, role context switching, TOTP-based
// MFA with single-use backup codes, and a critical-operation guard.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build]. All session, lock, and MFA challenge state lives in Redis
// so that multiple engine instances can run behind a load balancer with no
// shared memory; every mutation that must be exactly-once (refresh rotation,
// lock acquisition, challenge attempt counting) is performed atomically at the
// store level.
//
// User, role, and MFA record persistence is supplied by the host application
// through the [UserDirectory] interface.
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (LoginResult, AuthResult, RefreshOutcome, etc.). Session
// encoding, challenge storage, and token generation live under internal/ and
// session/ and are never exported beyond what the engine needs.
package authcore
