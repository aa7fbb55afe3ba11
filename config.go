package authcore

import (
	"errors"
	"time"
)

// Config defines a public type used by authcore APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Session     SessionConfig
	RefreshLock RefreshLockConfig
	MFA         MFAConfig
	Guard       GuardConfig
	Password    PasswordConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig defines a public type used by authcore APIs.
//
// SessionConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SessionConfig struct {
	RedisPrefix string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
}

// RefreshLockConfig controls the per-session refresh lock that arbitrates
// concurrent refresh attempts from multiple tabs.
type RefreshLockConfig struct {
	TTL        time.Duration
	RetryAfter time.Duration
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig defines a public type used by authcore APIs.
//
// MFAConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MFAConfig struct {
	Issuer               string
	Digits               int
	Period               int
	Skew                 int
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
	BackupCodeCount      int
	BackupCodeLength     int

	// SecretCipherKey is the 32-byte AES-256 key used to encrypt TOTP
	// secrets at rest. Required when MFA operations are used.
	SecretCipherKey []byte

	// MandatoryRoles lists roles for which MFA can never be disabled.
	// Fixed at startup; there is no runtime override.
	MandatoryRoles []Role
}

// GuardConfig defines a public type used by authcore APIs.
//
// GuardConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type GuardConfig struct {
	// OwnerUserID is the designated owner identity whose TOTP secret backs
	// SensitivityOwnerMFA re-proof.
	OwnerUserID string
}

// PasswordConfig defines a public type used by authcore APIs.
//
// PasswordConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PasswordConfig struct {
	Cost           int
	CurrentVersion int
	UpgradeOnLogin bool
}

// AuditConfig defines a public type used by authcore APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by authcore APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the baseline configuration. Callers adjust fields
// and pass the result to [Builder.WithConfig].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			RedisPrefix: "as",
			AccessTTL:   30 * time.Minute,
			RefreshTTL:  30 * 24 * time.Hour,
		},
		RefreshLock: RefreshLockConfig{
			TTL:        30 * time.Second,
			RetryAfter: time.Second,
		},
		MFA: MFAConfig{
			Issuer:               "",
			Digits:               6,
			Period:               30,
			Skew:                 1,
			ChallengeTTL:         5 * time.Minute,
			ChallengeMaxAttempts: 5,
			BackupCodeCount:      8,
			BackupCodeLength:     10,
			MandatoryRoles:       []Role{RoleAdmin, RoleOwner},
		},
		Password: PasswordConfig{
			Cost:           12,
			CurrentVersion: 1,
			UpgradeOnLogin: true,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.MFA.SecretCipherKey = cloneBytes(cfg.MFA.SecretCipherKey)
	if len(cfg.MFA.MandatoryRoles) > 0 {
		out.MFA.MandatoryRoles = make([]Role, len(cfg.MFA.MandatoryRoles))
		copy(out.MFA.MandatoryRoles, cfg.MFA.MandatoryRoles)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Config) Validate() error {
	// Session
	if c.Session.AccessTTL <= 0 {
		return errors.New("Session AccessTTL must be > 0")
	}
	if c.Session.RefreshTTL <= 0 {
		return errors.New("Session RefreshTTL must be > 0")
	}
	if c.Session.RefreshTTL < c.Session.AccessTTL {
		return errors.New("Session RefreshTTL must be >= AccessTTL")
	}
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix is required")
	}

	// Refresh lock
	if c.RefreshLock.TTL <= 0 {
		return errors.New("RefreshLock TTL must be > 0")
	}
	if c.RefreshLock.TTL > 5*time.Minute {
		return errors.New("RefreshLock TTL must be <= 5m")
	}
	if c.RefreshLock.RetryAfter <= 0 {
		return errors.New("RefreshLock RetryAfter must be > 0")
	}
	if c.RefreshLock.RetryAfter >= c.RefreshLock.TTL {
		return errors.New("RefreshLock RetryAfter must be < TTL")
	}

	// MFA
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("MFA Digits must be 6 or 8")
	}
	if c.MFA.Period < 15 {
		return errors.New("MFA Period must be >= 15 seconds")
	}
	if c.MFA.Skew < 0 || c.MFA.Skew > 2 {
		return errors.New("MFA Skew must be between 0 and 2")
	}
	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("MFA ChallengeTTL must be > 0")
	}
	if c.MFA.ChallengeTTL > 15*time.Minute {
		return errors.New("MFA ChallengeTTL must be <= 15m")
	}
	if c.MFA.ChallengeMaxAttempts <= 0 {
		return errors.New("MFA ChallengeMaxAttempts must be > 0")
	}
	if c.MFA.BackupCodeCount <= 0 {
		return errors.New("MFA BackupCodeCount must be > 0")
	}
	if c.MFA.BackupCodeLength < 8 {
		return errors.New("MFA BackupCodeLength must be >= 8")
	}
	if len(c.MFA.SecretCipherKey) != 0 && len(c.MFA.SecretCipherKey) != 32 {
		return errors.New("MFA SecretCipherKey must be 32 bytes")
	}
	for _, role := range c.MFA.MandatoryRoles {
		if !role.Valid() {
			return errors.New("MFA MandatoryRoles contains an invalid role")
		}
	}

	// Password
	if c.Password.Cost < 10 || c.Password.Cost > 18 {
		return errors.New("Password Cost must be between 10 and 18")
	}
	if c.Password.CurrentVersion <= 0 {
		return errors.New("Password CurrentVersion must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}

func (c *Config) mfaMandatoryFor(roles []Role) bool {
	for _, held := range roles {
		for _, mandatory := range c.MFA.MandatoryRoles {
			if held == mandatory {
				return true
			}
		}
	}
	return false
}
