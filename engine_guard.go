package authcore

import (
	"context"
	"errors"
)

// GuardCriticalOperation describes the guardcriticaloperation operation and its observable behavior.
//
// GuardCriticalOperation gates a named critical operation behind the
// re-proof its sensitivity demands: a live session, a fresh TOTP code from
// the acting user, or a fresh TOTP code from the designated owner identity.
// Every decision is written to the audit trail, denials included. The
// returned decision is populated on denials too, so callers can surface
// the reason.
func (e *Engine) GuardCriticalOperation(
	ctx context.Context,
	accessToken string,
	operation string,
	sensitivity Sensitivity,
	mfaCode string,
) (*GuardDecision, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}
	if operation == "" {
		return nil, ErrGuardDenied
	}

	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		e.metricInc(MetricGuardDenied)
		e.emitAudit(ctx, auditEventGuardDenied, false, "", "", "", err, func() map[string]string {
			return map[string]string{
				"operation":   operation,
				"sensitivity": sensitivityLabel(sensitivity),
			}
		})
		return nil, err
	}

	decision := &GuardDecision{
		Operation:   operation,
		Sensitivity: sensitivity,
		UserID:      sess.UserID,
		SessionID:   sess.SessionID,
	}

	deny := func(reason string, cause error) (*GuardDecision, error) {
		decision.Allowed = false
		decision.Reason = reason
		e.metricInc(MetricGuardDenied)
		e.emitAudit(ctx, auditEventGuardDenied, false, sess.UserID, sess.ActiveRole, sess.SessionID, cause, func() map[string]string {
			return map[string]string{
				"operation":   operation,
				"sensitivity": sensitivityLabel(sensitivity),
				"reason":      reason,
			}
		})
		return decision, cause
	}

	switch sensitivity {
	case SensitivitySession:
		// A live session is the whole requirement.

	case SensitivitySelfMFA:
		if mfaCode == "" {
			return deny("mfa_code_missing", ErrMFARequired)
		}
		if err := e.verifyUserTOTP(ctx, sess.UserID, mfaCode, true); err != nil {
			switch {
			case errors.Is(err, ErrMFANotConfigured):
				return deny("mfa_not_configured", ErrMFANotConfigured)
			case errors.Is(err, ErrMFAInvalid):
				return deny("mfa_code_invalid", ErrMFAInvalid)
			default:
				return deny("mfa_unavailable", err)
			}
		}

	case SensitivityOwnerMFA:
		ownerID := e.config.Guard.OwnerUserID
		if ownerID == "" {
			return deny("owner_not_configured", ErrEngineNotReady)
		}
		if mfaCode == "" {
			return deny("owner_code_missing", ErrOwnerProofRequired)
		}
		if err := e.verifyUserTOTP(ctx, ownerID, mfaCode, true); err != nil {
			switch {
			case errors.Is(err, ErrMFANotConfigured):
				return deny("owner_mfa_not_configured", ErrOwnerProofRequired)
			case errors.Is(err, ErrMFAInvalid):
				return deny("owner_code_invalid", ErrOwnerProofRequired)
			default:
				return deny("mfa_unavailable", err)
			}
		}

	default:
		return deny("unknown_sensitivity", ErrGuardDenied)
	}

	decision.Allowed = true
	e.metricInc(MetricGuardAllowed)
	e.emitAudit(ctx, auditEventGuardAllowed, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, func() map[string]string {
		return map[string]string{
			"operation":   operation,
			"sensitivity": sensitivityLabel(sensitivity),
		}
	})

	return decision, nil
}

func sensitivityLabel(s Sensitivity) string {
	switch s {
	case SensitivitySession:
		return "session"
	case SensitivitySelfMFA:
		return "self_mfa"
	case SensitivityOwnerMFA:
		return "owner_mfa"
	default:
		return "unknown"
	}
}
