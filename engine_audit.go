package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	auditEventLoginSuccess             = "login_success"
	auditEventLoginFailure             = "login_failure"
	auditEventRefreshSuccess           = "refresh_success"
	auditEventRefreshInvalid           = "refresh_invalid"
	auditEventRefreshReuseDetected     = "refresh_reuse_detected"
	auditEventRefreshLockWait          = "refresh_lock_wait"
	auditEventRefreshSuperseded        = "refresh_superseded"
	auditEventContextSwitch            = "context_switch"
	auditEventContextSwitchDenied      = "context_switch_denied"
	auditEventLogoutSession            = "logout_session"
	auditEventLogoutAll                = "logout_all"
	auditEventLogoutOthers             = "logout_others"
	auditEventPasswordChangeSuccess    = "password_change_success"
	auditEventPasswordChangeInvalidOld = "password_change_invalid_old"
	auditEventPasswordChangeFailure    = "password_change_failure"
	auditEventMFAChallengeIssued       = "mfa_challenge_issued"
	auditEventMFASuccess               = "mfa_success"
	auditEventMFAFailure               = "mfa_failure"
	auditEventMFAAttemptsExceeded      = "mfa_attempts_exceeded"
	auditEventMFAReplayDetected        = "mfa_replay_detected"
	auditEventMFASetupRequested        = "mfa_setup_requested"
	auditEventMFAEnabled               = "mfa_enabled"
	auditEventMFADisabled              = "mfa_disabled"
	auditEventMFADisableBlocked        = "mfa_disable_blocked"
	auditEventBackupCodesGenerated     = "backup_codes_generated"
	auditEventBackupCodeUsed           = "backup_code_used"
	auditEventBackupCodeFailed         = "backup_code_failed"
	auditEventGuardAllowed             = "guard_allowed"
	auditEventGuardDenied              = "guard_denied"
)

// AuditErrorCode defines a public type used by authcore APIs.
//
// AuditErrorCode instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditErrorCode string

const (
	auditErrUnauthorized       AuditErrorCode = "unauthorized"
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrRefreshReuse       AuditErrorCode = "refresh_reuse"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrSessionNotFound    AuditErrorCode = "session_not_found"
	auditErrSessionCompromised AuditErrorCode = "session_compromised"
	auditErrAccountStatus      AuditErrorCode = "account_status"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrPasswordReuse      AuditErrorCode = "password_reuse"
	auditErrPasswordFault      AuditErrorCode = "password_unverifiable"
	auditErrRoleNotHeld        AuditErrorCode = "role_not_held"
	auditErrRoleInvalid        AuditErrorCode = "role_invalid"
	auditErrMFARequired        AuditErrorCode = "mfa_required"
	auditErrMFAInvalid         AuditErrorCode = "mfa_invalid"
	auditErrMFAExceeded        AuditErrorCode = "mfa_attempts_exceeded"
	auditErrMFAReplay          AuditErrorCode = "mfa_replay"
	auditErrMFAMandatory       AuditErrorCode = "mfa_mandatory"
	auditErrMFANotConfigured   AuditErrorCode = "mfa_not_configured"
	auditErrBackupCodeInvalid  AuditErrorCode = "backup_code_invalid"
	auditErrGuardDenied        AuditErrorCode = "guard_denied"
	auditErrOwnerProof         AuditErrorCode = "owner_proof_required"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	role string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		EntryID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		UserID:    userID,
		Role:      role,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrSessionCompromised):
		return auditErrSessionCompromised
	case errors.Is(err, ErrRefreshInvalid),
		errors.Is(err, ErrRefreshExpired):
		return auditErrInvalidToken
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrUnauthorized):
		return auditErrUnauthorized
	case errors.Is(err, ErrAccountSuspended),
		errors.Is(err, ErrAccountBanned),
		errors.Is(err, ErrAccountUnverified),
		errors.Is(err, ErrAccountPendingSetup),
		errors.Is(err, ErrPasswordResetRequired),
		errors.Is(err, ErrPasswordLoginUnavailable):
		return auditErrAccountStatus
	case errors.Is(err, ErrPasswordUnverifiable):
		return auditErrPasswordFault
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	case errors.Is(err, ErrRoleNotHeld):
		return auditErrRoleNotHeld
	case errors.Is(err, ErrRoleInvalid):
		return auditErrRoleInvalid
	case errors.Is(err, ErrMFARequired):
		return auditErrMFARequired
	case errors.Is(err, ErrMFAAttemptsExceeded):
		return auditErrMFAExceeded
	case errors.Is(err, ErrMFAReplay):
		return auditErrMFAReplay
	case errors.Is(err, ErrMFAMandatory):
		return auditErrMFAMandatory
	case errors.Is(err, ErrMFANotConfigured),
		errors.Is(err, ErrMFAAlreadyEnabled):
		return auditErrMFANotConfigured
	case errors.Is(err, ErrMFAInvalid),
		errors.Is(err, ErrMFAExpired):
		return auditErrMFAInvalid
	case errors.Is(err, ErrBackupCodeInvalid),
		errors.Is(err, ErrBackupCodesNotConfigured):
		return auditErrBackupCodeInvalid
	case errors.Is(err, ErrOwnerProofRequired):
		return auditErrOwnerProof
	case errors.Is(err, ErrGuardDenied):
		return auditErrGuardDenied
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrMFAUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
