package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/riseplatform/authcore/internal"
)

// RegenerateBackupCodes describes the regeneratebackupcodes operation and its observable behavior.
//
// RegenerateBackupCodes replaces the authenticated user's backup code set
// after re-verifying a live TOTP code. The old set is invalidated whole;
// the new plaintext codes are returned exactly once.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, accessToken, code string) ([]string, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}

	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	if err := e.verifyUserTOTP(ctx, sess.UserID, code, true); err != nil {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, err, func() map[string]string {
			return map[string]string{
				"reason": "backup_regeneration",
			}
		})
		return nil, err
	}

	codes, err := e.mintBackupCodes(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, nil)
	return codes, nil
}

// mintBackupCodes generates the configured number of codes and stores only
// their salted hashes. Returns the plaintexts for one-time display.
func (e *Engine) mintBackupCodes(ctx context.Context, userID string) ([]string, error) {
	count := e.config.MFA.BackupCodeCount
	length := e.config.MFA.BackupCodeLength

	plaintexts := make([]string, 0, count)
	records := make([]BackupCodeRecord, 0, count)

	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(length)
		if err != nil {
			return nil, err
		}
		salt, err := internal.NewSalt()
		if err != nil {
			return nil, err
		}

		plaintexts = append(plaintexts, code)
		records = append(records, BackupCodeRecord{
			Salt: salt,
			Hash: internal.HashSalted(salt, code),
		})
	}

	if err := e.directory.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, errors.Join(ErrMFAUnavailable, err)
	}

	return plaintexts, nil
}

// consumeBackupCode finds the record matching code and atomically flips it
// to used through the directory. Each salt is per-code, so lookup walks the
// full set; the set is small by construction.
func (e *Engine) consumeBackupCode(ctx context.Context, userID, code string) (bool, error) {
	records, err := e.directory.GetBackupCodes(ctx, userID)
	if err != nil {
		return false, errors.Join(ErrMFAUnavailable, err)
	}
	if len(records) == 0 {
		return false, ErrBackupCodesNotConfigured
	}

	normalized := normalizeBackupCode(code)
	if normalized == "" {
		return false, nil
	}

	for _, record := range records {
		if record.Used {
			continue
		}
		candidate := internal.HashSalted(record.Salt, normalized)
		if subtle.ConstantTimeCompare(candidate[:], record.Hash[:]) != 1 {
			continue
		}

		// The directory performs the atomic used flip; losing the race
		// yields consumed=false, same as an invalid code.
		consumed, err := e.directory.ConsumeBackupCode(ctx, userID, record.Hash)
		if err != nil {
			return false, errors.Join(ErrMFAUnavailable, err)
		}
		return consumed, nil
	}

	return false, nil
}

// normalizeBackupCode strips display grouping before hashing.
func normalizeBackupCode(code string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-':
			return -1
		}
		return r
	}, code)
	return strings.ToUpper(strings.TrimSpace(cleaned))
}
