// Package internal contains helper utilities that are intentionally private to
// authcore, including secure random token generation and salted hashing helpers.
//
// # Sub-packages
//
//   - stores: Redis-backed MFA challenge storage
//
// # What this package must NOT do
//
//   - Export types that appear in the public authcore API.
//   - Be imported by any package outside the authcore module.
package internal
