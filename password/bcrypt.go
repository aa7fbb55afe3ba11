package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const (
	minCost      = 10
	maxCost      = 18
	minPassBytes = 10
	// bcrypt silently ignores input past 72 bytes; reject instead.
	maxPassBytes = 72
)

// ErrPasswordTooLong is returned when the plaintext exceeds bcrypt's 72-byte
// input limit.
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// Config defines a public type used by authcore APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Cost           int
	CurrentVersion int
}

// Hasher defines a public type used by authcore APIs.
//
// Hasher instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Hasher struct {
	config Config
}

// NewHasher describes the newhasher operation and its observable behavior.
//
// NewHasher may return an error when input validation, dependency calls, or security checks fail.
// NewHasher does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func NewHasher(cfg Config) (*Hasher, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return &Hasher{config: cfg}, nil
}

// CurrentVersion returns the scheme version new hashes are produced under.
func (h *Hasher) CurrentVersion() int {
	return h.config.CurrentVersion
}

// Hash describes the hash operation and its observable behavior.
//
// Hash returns the encoded hash together with the scheme version it was
// produced under. Callers persist both.
func (h *Hasher) Hash(password string) (string, int, error) {
	// Password processing uses raw string bytes exactly as provided (no Unicode normalization).
	if len(password) < minPassBytes {
		return "", 0, errors.New("password must be at least 10 bytes")
	}
	if len(password) > maxPassBytes {
		return "", 0, ErrPasswordTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.config.Cost)
	if err != nil {
		return "", 0, err
	}

	return string(hash), h.config.CurrentVersion, nil
}

// Verify describes the verify operation and its observable behavior.
//
// Verify reports whether password matches encodedHash. A nil error with
// ok=false means a definite mismatch; a non-nil error means the comparison
// could not be computed and says nothing about the password.
func (h *Hasher) Verify(password string, encodedHash string) (bool, error) {
	if len(password) > maxPassBytes {
		return false, ErrPasswordTooLong
	}

	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}

// NeedsUpgrade reports whether a hash stored under storedVersion should be
// re-hashed under the current scheme version.
func (h *Hasher) NeedsUpgrade(storedVersion int) bool {
	return storedVersion < h.config.CurrentVersion
}

func validateConfig(cfg Config) error {
	if cfg.Cost < minCost {
		return errors.New("password cost must be >= 10")
	}
	if cfg.Cost > maxCost {
		return errors.New("password cost must be <= 18")
	}
	if cfg.CurrentVersion <= 0 {
		return errors.New("password scheme version must be > 0")
	}

	return nil
}
