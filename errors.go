package authcore

import "errors"

// Error taxonomy. Authentication failures stay deliberately generic so
// callers cannot distinguish "unknown email" from "wrong password".
// Authorization failures are specific. Integrity violations and backend
// unavailability are never conflated with credential failures.
var (
	// ErrInvalidCredentials is returned for any email/password mismatch,
	// including unknown accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is the sentinel [UserDirectory] implementations return,
	// possibly wrapped, when no account matches a lookup. The engine folds it
	// into the generic authentication failures; every other directory error
	// is treated as backend unavailability.
	ErrUserNotFound = errors.New("user not found")
	// ErrUnauthorized is returned when an access or refresh token is
	// unknown, malformed, or expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrSessionNotFound is an exported constant or variable used by the authentication engine.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCompromised is returned when a superseded refresh token is
	// replayed. All sessions for the user have been invalidated.
	ErrSessionCompromised = errors.New("session compromised")
	// ErrRefreshInvalid is an exported constant or variable used by the authentication engine.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshExpired is an exported constant or variable used by the authentication engine.
	ErrRefreshExpired = errors.New("refresh token expired")

	// ErrAccountSuspended is an exported constant or variable used by the authentication engine.
	ErrAccountSuspended = errors.New("account suspended")
	// ErrAccountBanned is an exported constant or variable used by the authentication engine.
	ErrAccountBanned = errors.New("account banned")
	// ErrAccountUnverified is an exported constant or variable used by the authentication engine.
	ErrAccountUnverified = errors.New("account email not verified")
	// ErrAccountPendingSetup is an exported constant or variable used by the authentication engine.
	ErrAccountPendingSetup = errors.New("account setup not completed")
	// ErrPasswordResetRequired is an exported constant or variable used by the authentication engine.
	ErrPasswordResetRequired = errors.New("password reset required")
	// ErrPasswordLoginUnavailable is returned for accounts provisioned
	// without a password credential.
	ErrPasswordLoginUnavailable = errors.New("password login not available for this account")
	// ErrPasswordUnverifiable is returned when the stored hash could not be
	// processed. This is a computational fault, not a mismatch.
	ErrPasswordUnverifiable = errors.New("password hash could not be verified")
	// ErrPasswordPolicy is an exported constant or variable used by the authentication engine.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse is an exported constant or variable used by the authentication engine.
	ErrPasswordReuse = errors.New("new password must be different from current password")

	// ErrRoleInvalid is an exported constant or variable used by the authentication engine.
	ErrRoleInvalid = errors.New("invalid role")
	// ErrRoleNotHeld is returned when a context switch targets a role the
	// user has not been granted.
	ErrRoleNotHeld = errors.New("role not granted to user")

	// ErrMFARequired is an exported constant or variable used by the authentication engine.
	ErrMFARequired = errors.New("mfa verification required")
	// ErrMFAInvalid is an exported constant or variable used by the authentication engine.
	ErrMFAInvalid = errors.New("mfa challenge invalid")
	// ErrMFAExpired is an exported constant or variable used by the authentication engine.
	ErrMFAExpired = errors.New("mfa challenge expired")
	// ErrMFAAttemptsExceeded is an exported constant or variable used by the authentication engine.
	ErrMFAAttemptsExceeded = errors.New("mfa challenge attempts exceeded")
	// ErrMFAReplay is an exported constant or variable used by the authentication engine.
	ErrMFAReplay = errors.New("mfa challenge replay detected")
	// ErrMFANotConfigured is an exported constant or variable used by the authentication engine.
	ErrMFANotConfigured = errors.New("mfa not configured")
	// ErrMFAAlreadyEnabled is an exported constant or variable used by the authentication engine.
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
	// ErrMFAMandatory is returned when disabling MFA is requested for a user
	// holding a role that requires it. This block is unconditional.
	ErrMFAMandatory = errors.New("mfa is mandatory for this role")
	// ErrMFAUnavailable is an exported constant or variable used by the authentication engine.
	ErrMFAUnavailable = errors.New("mfa backend unavailable")

	// ErrBackupCodeInvalid is an exported constant or variable used by the authentication engine.
	ErrBackupCodeInvalid = errors.New("invalid backup code")
	// ErrBackupCodesNotConfigured is an exported constant or variable used by the authentication engine.
	ErrBackupCodesNotConfigured = errors.New("backup codes not configured")

	// ErrGuardDenied is an exported constant or variable used by the authentication engine.
	ErrGuardDenied = errors.New("critical operation denied")
	// ErrOwnerProofRequired is returned by the guard when an operation needs
	// a fresh code from the designated owner identity.
	ErrOwnerProofRequired = errors.New("owner mfa proof required")

	// ErrStoreUnavailable marks transient backend failures. Callers should
	// retry; the request was neither authenticated nor rejected.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrEngineNotReady is an exported constant or variable used by the authentication engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)
