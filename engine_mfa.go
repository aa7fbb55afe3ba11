package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riseplatform/authcore/internal/stores"
)

// issueMFAChallenge mints the short-lived challenge that stands in for a
// session until the second factor verifies. No tokens are issued here.
func (e *Engine) issueMFAChallenge(ctx context.Context, user UserRecord, activeRole Role) (*LoginResult, error) {
	challengeID := uuid.NewString()

	record := &stores.MFAChallenge{
		UserID:    user.UserID,
		Email:     user.Email,
		Role:      string(activeRole),
		ExpiresAt: time.Now().Add(e.config.MFA.ChallengeTTL).Unix(),
	}

	if err := e.challenges.Save(ctx, challengeID, record, e.config.MFA.ChallengeTTL); err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, string(activeRole), "", ErrMFAUnavailable, func() map[string]string {
			return map[string]string{
				"reason": "challenge_save_failed",
			}
		})
		return nil, errors.Join(ErrMFAUnavailable, err)
	}

	e.metricInc(MetricMFARequired)
	e.emitAudit(ctx, auditEventMFAChallengeIssued, true, user.UserID, string(activeRole), "", nil, func() map[string]string {
		return map[string]string{
			"challenge_id": challengeID,
		}
	})

	return &LoginResult{
		UserID:       user.UserID,
		ActiveRole:   activeRole,
		MFARequired:  true,
		MFAChallenge: challengeID,
	}, nil
}

// VerifyMFAChallenge describes the verifymfachallenge operation and its observable behavior.
//
// VerifyMFAChallenge completes an MFA login challenge with either a TOTP
// code or, when useBackupCode is set, a single-use backup code. The attempt
// counter increments before verification, so a challenge admits at most
// cap-1 verified submissions. A verified challenge is consumed exactly once;
// losing the consumption race is reported as replay.
func (e *Engine) VerifyMFAChallenge(ctx context.Context, challengeID, code string, useBackupCode bool) (*LoginResult, error) {
	if e == nil || e.challenges == nil {
		return nil, ErrEngineNotReady
	}

	record, err := e.challenges.Get(ctx, challengeID)
	if err != nil {
		mapped := mapChallengeError(err)
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, "", "", "", mapped, func() map[string]string {
			return map[string]string{
				"challenge_id": challengeID,
				"reason":       "challenge_lookup",
			}
		})
		return nil, mapped
	}

	// Counted before verification: the cap bounds submissions, not wrong
	// answers, so the capth submission is rejected even when correct.
	exceeded, err := e.challenges.RecordAttempt(ctx, challengeID, e.config.MFA.ChallengeMaxAttempts)
	if err != nil {
		mapped := mapChallengeError(err)
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, record.UserID, record.Role, "", mapped, func() map[string]string {
			return map[string]string{
				"challenge_id": challengeID,
				"reason":       "attempt_accounting",
			}
		})
		return nil, mapped
	}
	if exceeded {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAAttemptsExceeded, false, record.UserID, record.Role, "", ErrMFAAttemptsExceeded, func() map[string]string {
			return map[string]string{
				"challenge_id": challengeID,
			}
		})
		return nil, ErrMFAAttemptsExceeded
	}

	if useBackupCode {
		consumed, err := e.consumeBackupCode(ctx, record.UserID, code)
		if err != nil {
			e.metricInc(MetricBackupCodeFailed)
			e.emitAudit(ctx, auditEventBackupCodeFailed, false, record.UserID, record.Role, "", err, nil)
			return nil, err
		}
		if !consumed {
			e.metricInc(MetricBackupCodeFailed)
			e.metricInc(MetricMFAFailure)
			e.emitAudit(ctx, auditEventBackupCodeFailed, false, record.UserID, record.Role, "", ErrBackupCodeInvalid, nil)
			return nil, ErrBackupCodeInvalid
		}
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, record.UserID, record.Role, "", nil, nil)
	} else {
		if err := e.verifyUserTOTP(ctx, record.UserID, code, true); err != nil {
			e.metricInc(MetricMFAFailure)
			e.emitAudit(ctx, auditEventMFAFailure, false, record.UserID, record.Role, "", err, func() map[string]string {
				return map[string]string{
					"challenge_id": challengeID,
				}
			})
			return nil, err
		}
	}

	// Single-use guard: exactly one verifier may consume the challenge.
	deleted, err := e.challenges.Delete(ctx, challengeID)
	if err != nil {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, record.UserID, record.Role, "", ErrMFAUnavailable, nil)
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if !deleted {
		e.metricInc(MetricMFAReplayAttempt)
		e.emitAudit(ctx, auditEventMFAReplayDetected, false, record.UserID, record.Role, "", ErrMFAReplay, func() map[string]string {
			return map[string]string{
				"challenge_id": challengeID,
			}
		})
		return nil, ErrMFAReplay
	}

	user, err := e.lookupSessionUser(ctx, record.UserID)
	if err != nil {
		e.emitAudit(ctx, auditEventMFAFailure, false, record.UserID, record.Role, "", err, nil)
		return nil, err
	}
	if statusErr := accountStatusToError(user.Status); statusErr != nil {
		e.emitAudit(ctx, auditEventMFAFailure, false, user.UserID, record.Role, "", statusErr, func() map[string]string {
			return map[string]string{
				"reason": "account_status",
			}
		})
		return nil, statusErr
	}

	roles, err := e.grantedRoles(ctx, user.UserID)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	result, err := e.createSession(ctx, user, Role(record.Role), roles)
	if err != nil {
		e.emitAudit(ctx, auditEventMFAFailure, false, user.UserID, record.Role, "", err, func() map[string]string {
			return map[string]string{
				"reason": "session_creation",
			}
		})
		return nil, err
	}

	e.metricInc(MetricMFASuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, user.UserID, record.Role, result.SessionID, nil, nil)

	return result, nil
}

// SetupMFA describes the setupmfa operation and its observable behavior.
//
// SetupMFA mints a TOTP secret for the authenticated user and stores it
// encrypted, pending verification. The plaintext secret and provisioning
// URI are returned exactly once and never persisted.
func (e *Engine) SetupMFA(ctx context.Context, accessToken string) (*MFASetup, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}

	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	existing, err := e.directory.GetMFA(ctx, sess.UserID)
	if err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if existing != nil && existing.Enabled {
		e.emitAudit(ctx, auditEventMFASetupRequested, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrMFAAlreadyEnabled, nil)
		return nil, ErrMFAAlreadyEnabled
	}

	user, err := e.lookupSessionUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	secret, uri, err := e.totp.GenerateSecret(user.Email)
	if err != nil {
		return nil, err
	}

	encrypted, nonce, err := e.totp.EncryptSecret(secret)
	if err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}

	if err := e.directory.SaveMFASecret(ctx, sess.UserID, encrypted, nonce); err != nil {
		e.emitAudit(ctx, auditEventMFASetupRequested, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrMFAUnavailable, nil)
		return nil, errors.Join(ErrMFAUnavailable, err)
	}

	e.emitAudit(ctx, auditEventMFASetupRequested, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, nil)

	return &MFASetup{
		Secret: secret,
		URI:    uri,
	}, nil
}

// VerifyMFASetup describes the verifymfasetup operation and its observable behavior.
//
// VerifyMFASetup confirms possession of the pending secret with a live TOTP
// code, enables MFA on the account, and mints the backup code set. The
// plaintext backup codes are returned exactly once.
func (e *Engine) VerifyMFASetup(ctx context.Context, accessToken, code string) ([]string, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}

	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	record, err := e.directory.GetMFA(ctx, sess.UserID)
	if err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}
	if record == nil || len(record.EncryptedSecret) == 0 {
		return nil, ErrMFANotConfigured
	}
	if record.Enabled {
		return nil, ErrMFAAlreadyEnabled
	}

	if err := e.verifyUserTOTP(ctx, sess.UserID, code, false); err != nil {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, err, func() map[string]string {
			return map[string]string{
				"reason": "setup_verification",
			}
		})
		return nil, err
	}

	if err := e.directory.EnableMFA(ctx, sess.UserID); err != nil {
		e.emitAudit(ctx, auditEventMFAFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrMFAUnavailable, nil)
		return nil, errors.Join(ErrMFAUnavailable, err)
	}

	codes, err := e.mintBackupCodes(ctx, sess.UserID)
	if err != nil {
		e.emitAudit(ctx, auditEventMFAFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrMFAUnavailable, func() map[string]string {
			return map[string]string{
				"reason": "backup_code_generation",
			}
		})
		return nil, err
	}

	e.emitAudit(ctx, auditEventMFAEnabled, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, nil)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, nil)

	return codes, nil
}

// DisableMFA describes the disablemfa operation and its observable behavior.
//
// DisableMFA turns MFA off after re-verifying both the password and a live
// TOTP code. For users holding a role listed in MandatoryRoles the request
// is rejected before any verification; there is no override.
func (e *Engine) DisableMFA(ctx context.Context, accessToken, plaintext, code string) error {
	if e == nil || e.totp == nil {
		return ErrEngineNotReady
	}

	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		return err
	}

	roles, err := e.grantedRoles(ctx, sess.UserID)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if e.config.mfaMandatoryFor(roles) {
		e.emitAudit(ctx, auditEventMFADisableBlocked, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrMFAMandatory, nil)
		return ErrMFAMandatory
	}

	user, err := e.lookupSessionUser(ctx, sess.UserID)
	if err != nil {
		return err
	}

	ok, err := e.hasher.Verify(plaintext, user.PasswordHash)
	if err != nil {
		return errors.Join(ErrPasswordUnverifiable, err)
	}
	if !ok {
		e.emitAudit(ctx, auditEventMFAFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"reason": "disable_password_mismatch",
			}
		})
		return ErrInvalidCredentials
	}

	if err := e.verifyUserTOTP(ctx, sess.UserID, code, true); err != nil {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, err, func() map[string]string {
			return map[string]string{
				"reason": "disable_code_invalid",
			}
		})
		return err
	}

	if err := e.directory.DisableMFA(ctx, sess.UserID); err != nil {
		return errors.Join(ErrMFAUnavailable, err)
	}
	if err := e.directory.ReplaceBackupCodes(ctx, sess.UserID, nil); err != nil {
		e.logger.Warn("backup code cleanup failed after mfa disable", zap.Error(err))
	}

	e.emitAudit(ctx, auditEventMFADisabled, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, nil)
	return nil
}

// verifyUserTOTP decrypts the stored secret and checks code against it.
// requireEnabled distinguishes the normal path from setup confirmation,
// where the record exists but is not yet enabled.
func (e *Engine) verifyUserTOTP(ctx context.Context, userID, code string, requireEnabled bool) error {
	record, err := e.directory.GetMFA(ctx, userID)
	if err != nil {
		return errors.Join(ErrMFAUnavailable, err)
	}
	if record == nil || len(record.EncryptedSecret) == 0 {
		return ErrMFANotConfigured
	}
	if requireEnabled && !record.Enabled {
		return ErrMFANotConfigured
	}

	secret, err := e.totp.DecryptSecret(record.EncryptedSecret, record.Nonce)
	if err != nil {
		return errors.Join(ErrMFAUnavailable, err)
	}

	ok, err := e.totp.VerifyCode(secret, code, time.Now())
	if err != nil {
		return errors.Join(ErrMFAUnavailable, err)
	}
	if !ok {
		return ErrMFAInvalid
	}
	return nil
}

func mapChallengeError(err error) error {
	switch {
	case errors.Is(err, stores.ErrMFAChallengeNotFound):
		return ErrMFAInvalid
	case errors.Is(err, stores.ErrMFAChallengeExpired):
		return ErrMFAExpired
	case errors.Is(err, stores.ErrMFAChallengeExceeded):
		return ErrMFAAttemptsExceeded
	default:
		return errors.Join(ErrMFAUnavailable, err)
	}
}
