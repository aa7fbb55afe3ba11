package authcore

import (
	"context"
	"time"
)

// Role is one of the platform's closed set of account roles.
type Role string

const (
	// RoleOwner is an exported constant or variable used by the authentication engine.
	RoleOwner Role = "owner"
	// RoleAdmin is an exported constant or variable used by the authentication engine.
	RoleAdmin Role = "admin"
	// RoleSeller is an exported constant or variable used by the authentication engine.
	RoleSeller Role = "seller"
	// RoleBuyer is the implicit baseline role. Every account holds it
	// without an explicit grant.
	RoleBuyer Role = "buyer"
)

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleSeller, RoleBuyer:
		return true
	}
	return false
}

// AccountStatus represents the lifecycle state of a user account.
type AccountStatus uint8

const (
	// AccountActive is an exported constant or variable used by the authentication engine.
	AccountActive AccountStatus = iota
	// AccountPendingEmailVerification is an exported constant or variable used by the authentication engine.
	AccountPendingEmailVerification
	// AccountPendingSetup is an exported constant or variable used by the authentication engine.
	AccountPendingSetup
	// AccountResetRequired is an exported constant or variable used by the authentication engine.
	AccountResetRequired
	// AccountOwnerNoPassword marks accounts provisioned without a password
	// credential; password login is rejected until one is set.
	AccountOwnerNoPassword
	// AccountSuspended is an exported constant or variable used by the authentication engine.
	AccountSuspended
	// AccountBanned is an exported constant or variable used by the authentication engine.
	AccountBanned
)

// UserRecord is the account record returned by [UserDirectory]. It carries
// the credential hash with its scheme version, lifecycle status, and the
// MFA enablement flag used to decide whether login must issue a challenge.
type UserRecord struct {
	UserID       string
	Email        string
	Name         string
	PasswordHash string
	HashVersion  int
	Status       AccountStatus
	MFAEnabled   bool
}

// MFARecord is retrieved from [UserDirectory.GetMFA]. The TOTP secret is
// stored AES-GCM encrypted; Nonce is the GCM nonce used at encryption time.
// The plaintext secret exists only transiently during verification.
type MFARecord struct {
	EncryptedSecret []byte
	Nonce           []byte
	Enabled         bool
	Verified        bool
	VerifiedAt      int64
}

// BackupCodeRecord stores one backup code as a per-code salt and the
// SHA-256 hash of salt||code. Used codes stay in the record set for the
// audit trail; consumption only flips Used.
type BackupCodeRecord struct {
	Salt [16]byte
	Hash [32]byte
	Used bool
}

// UserDirectory is the interface host applications implement to connect
// authcore to their user database. It covers credential lookup, role grants,
// password updates, MFA record management, and backup code storage.
//
// GetUserByEmail and GetUserByID must return [ErrUserNotFound], possibly
// wrapped, when no account matches. Any other error is taken to mean the
// directory itself failed and is surfaced as [ErrStoreUnavailable], never as
// a credential rejection.
//
// Implementations must make ConsumeBackupCode atomic: two concurrent calls
// with the same hash must yield exactly one consumed=true.
type UserDirectory interface {
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	GetRoles(ctx context.Context, userID string) ([]Role, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string, hashVersion int) error
	SaveActiveContext(ctx context.Context, userID string, role Role) error
	GetMFA(ctx context.Context, userID string) (*MFARecord, error)
	SaveMFASecret(ctx context.Context, userID string, encryptedSecret, nonce []byte) error
	EnableMFA(ctx context.Context, userID string) error
	DisableMFA(ctx context.Context, userID string) error
	GetBackupCodes(ctx context.Context, userID string) ([]BackupCodeRecord, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error)
}

// LoginResult is returned by [Engine.Login] and [Engine.VerifyMFAChallenge].
// When MFARequired is set, no session was created; the client must complete
// the challenge identified by MFAChallenge before tokens are issued.
type LoginResult struct {
	AccessToken     string
	RefreshToken    string
	SessionID       string
	UserID          string
	ActiveRole      Role
	Roles           []Role
	AccessExpiresAt time.Time

	MFARequired  bool
	MFAChallenge string
}

// AuthResult is returned by [Engine.Validate] and [Engine.SwitchContext].
// Roles always includes the implicit buyer grant.
type AuthResult struct {
	UserID     string
	Email      string
	SessionID  string
	ActiveRole Role
	Roles      []Role
}

// RefreshResult carries the rotated token pair.
type RefreshResult struct {
	AccessToken     string
	RefreshToken    string
	SessionID       string
	UserID          string
	ActiveRole      Role
	AccessExpiresAt time.Time
}

// RefreshStatus is the outcome class of a coordinated refresh request.
type RefreshStatus uint8

const (
	// RefreshRotated means this caller won the rotation and Result is set.
	RefreshRotated RefreshStatus = iota
	// RefreshWait means another tab holds the refresh lock; retry after
	// RetryAfter.
	RefreshWait
	// RefreshSuperseded means the presented token is one generation stale.
	// The successor tokens are already on the client (shared cookies);
	// re-read them and retry after RetryAfter.
	RefreshSuperseded
)

// RefreshOutcome is returned by [Engine.RequestRefresh]. Exactly one of the
// non-error outcomes applies: a rotation result, or a wait instruction.
type RefreshOutcome struct {
	Status     RefreshStatus
	RetryAfter time.Duration
	Result     *RefreshResult
}

// Sensitivity classifies critical operations by the re-proof they demand.
type Sensitivity uint8

const (
	// SensitivitySession requires only a valid session.
	SensitivitySession Sensitivity = iota
	// SensitivitySelfMFA requires a fresh TOTP code from the acting user.
	SensitivitySelfMFA
	// SensitivityOwnerMFA requires a fresh TOTP code from the designated
	// owner identity, regardless of who is acting.
	SensitivityOwnerMFA
)

// GuardDecision records the outcome of [Engine.GuardCriticalOperation].
// Every decision, allowed or denied, is written to the audit trail.
type GuardDecision struct {
	Allowed     bool
	Operation   string
	Sensitivity Sensitivity
	UserID      string
	SessionID   string
	Reason      string
}

// MFASetup holds the provisioning material returned by [Engine.SetupMFA].
// Secret and URI are shown to the user exactly once and never persisted
// in plaintext.
type MFASetup struct {
	Secret string
	URI    string
}

// SessionInfo is a read-only session summary returned by
// [Engine.ActiveSessions].
type SessionInfo struct {
	SessionID      string
	ActiveRole     Role
	CreatedAt      time.Time
	LastActivityAt time.Time
	Current        bool
}
