// Package password implements versioned password hashing and verification
// on bcrypt.
//
// # Versioning
//
// Every hash is produced under the scheme version configured at construction
// time. The version is stored by the caller next to the hash; when the stored
// version lags [Hasher.CurrentVersion], the Engine transparently re-hashes on
// the next successful login.
//
// # Verification contract
//
// [Hasher.Verify] returns (false, nil) for a mismatch and (false, err) only
// for computational faults (malformed hash, unsupported cost). Callers must
// never treat those two outcomes the same way.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords: callers supply plaintext and receive hashes.
//   - Import any other authcore package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
