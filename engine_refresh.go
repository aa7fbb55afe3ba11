package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/riseplatform/authcore/internal"
	"github.com/riseplatform/authcore/session"
)

// Refresh describes the refresh operation and its observable behavior.
//
// Refresh rotates the token pair directly, without the per-session lock.
// A presented token that matches the superseded generation is treated as
// evidence of theft: every session of the user is revoked and
// ErrSessionCompromised is returned. Multi-tab clients should prefer
// [Engine.RequestRefresh], which arbitrates concurrent attempts instead.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}

	sessionID, providedSecret, err := internal.DecodeToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", "", ErrRefreshInvalid, func() map[string]string {
			return map[string]string{
				"reason": "decode_failed",
			}
		})
		return nil, ErrRefreshInvalid
	}

	result, err := e.rotate(ctx, sessionID, internal.HashTokenSecret(providedSecret))
	if err != nil {
		var reuse *session.ReuseError
		switch {
		case errors.As(err, &reuse):
			// The superseded token came back outside the coordinated path.
			// Assume the refresh token leaked and invalidate everything.
			e.metricInc(MetricRefreshReuseDetected)
			e.metricInc(MetricSessionInvalidated)
			if reuse.UserID != "" {
				if delErr := e.sessionStore.DeleteAllForUser(ctx, reuse.UserID); delErr != nil {
					e.logger.Warn("session invalidation failed after refresh reuse", zap.Error(delErr))
				}
			}
			if trackErr := e.sessionStore.TrackReplayAnomaly(ctx, sessionID, e.config.Session.RefreshTTL); trackErr != nil {
				e.logger.Warn("replay anomaly tracking failed", zap.Error(trackErr))
			}
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, reuse.UserID, "", sessionID, ErrSessionCompromised, nil)
			return nil, ErrSessionCompromised
		case errors.Is(err, session.ErrSessionExpired):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, ErrRefreshExpired, func() map[string]string {
				return map[string]string{
					"reason": "session_expired",
				}
			})
			return nil, ErrRefreshExpired
		case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrTokenHashMismatch):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, ErrRefreshInvalid, func() map[string]string {
				return map[string]string{
					"reason": "rotation_rejected",
				}
			})
			return nil, ErrRefreshInvalid
		case errors.Is(err, session.ErrRedisUnavailable):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, ErrStoreUnavailable, nil)
			return nil, errors.Join(ErrStoreUnavailable, err)
		default:
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, err, nil)
			return nil, err
		}
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, result.UserID, string(result.ActiveRole), result.SessionID, nil, nil)

	return result, nil
}

// RequestRefresh describes the requestrefresh operation and its observable behavior.
//
// RequestRefresh is the coordinated refresh entry point for multi-tab
// clients. Exactly one caller per session wins the refresh lock and
// rotates; losers get a wait instruction with a retry delay. A caller
// presenting the one-generation-stale token gets RefreshSuperseded, a
// benign outcome: the successor pair is already in shared client storage.
// The lock is always released before returning, win or lose.
func (e *Engine) RequestRefresh(ctx context.Context, refreshToken string) (*RefreshOutcome, error) {
	if e == nil || e.sessionStore == nil || e.refreshLock == nil {
		return nil, ErrEngineNotReady
	}

	sessionID, providedSecret, err := internal.DecodeToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", "", ErrRefreshInvalid, func() map[string]string {
			return map[string]string{
				"reason": "decode_failed",
			}
		})
		return nil, ErrRefreshInvalid
	}
	providedHash := internal.HashTokenSecret(providedSecret)

	holder := tabIDFromContext(ctx)
	if holder == "" {
		holder = uuid.NewString()
	}

	acquired, err := e.refreshLock.Acquire(ctx, sessionID, holder, e.config.RefreshLock.TTL)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	if !acquired {
		if outcome := e.supersededOutcome(ctx, sessionID, providedHash); outcome != nil {
			return outcome, nil
		}

		e.metricInc(MetricRefreshLockWait)
		e.emitAudit(ctx, auditEventRefreshLockWait, true, "", "", sessionID, nil, func() map[string]string {
			return map[string]string{
				"holder": holder,
			}
		})
		return &RefreshOutcome{
			Status:     RefreshWait,
			RetryAfter: e.config.RefreshLock.RetryAfter,
		}, nil
	}
	defer func() {
		if relErr := e.refreshLock.Release(ctx, sessionID, holder); relErr != nil {
			e.logger.Warn("refresh lock release failed", zap.Error(relErr))
		}
	}()

	result, err := e.rotate(ctx, sessionID, providedHash)
	if err != nil {
		var reuse *session.ReuseError
		switch {
		case errors.As(err, &reuse):
			// Inside the coordinated path a stale token means the caller
			// lost a rotation race, not that the token leaked. The winning
			// tab already placed the successor pair in shared storage.
			e.metricInc(MetricRefreshSuperseded)
			e.emitAudit(ctx, auditEventRefreshSuperseded, true, reuse.UserID, "", sessionID, nil, nil)
			return &RefreshOutcome{
				Status:     RefreshSuperseded,
				RetryAfter: e.config.RefreshLock.RetryAfter,
			}, nil
		case errors.Is(err, session.ErrSessionExpired):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, ErrRefreshExpired, nil)
			return nil, ErrRefreshExpired
		case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrTokenHashMismatch):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, ErrRefreshInvalid, nil)
			return nil, ErrRefreshInvalid
		case errors.Is(err, session.ErrRedisUnavailable):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, ErrStoreUnavailable, nil)
			return nil, errors.Join(ErrStoreUnavailable, err)
		default:
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", sessionID, err, nil)
			return nil, err
		}
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, result.UserID, string(result.ActiveRole), result.SessionID, nil, func() map[string]string {
		return map[string]string{
			"holder": holder,
		}
	})

	return &RefreshOutcome{
		Status: RefreshRotated,
		Result: result,
	}, nil
}

// supersededOutcome reports the benign stale-token outcome when the
// presented hash matches the archived previous generation, without taking
// the lock. Returns nil when the caller should wait instead.
func (e *Engine) supersededOutcome(ctx context.Context, sessionID string, providedHash [32]byte) *RefreshOutcome {
	sess, err := e.sessionStore.Get(ctx, sessionID)
	if err != nil {
		return nil
	}
	if subtle.ConstantTimeCompare(providedHash[:], sess.PrevRefreshHash[:]) != 1 {
		return nil
	}

	e.metricInc(MetricRefreshSuperseded)
	e.emitAudit(ctx, auditEventRefreshSuperseded, true, sess.UserID, sess.ActiveRole, sessionID, nil, nil)
	return &RefreshOutcome{
		Status:     RefreshSuperseded,
		RetryAfter: e.config.RefreshLock.RetryAfter,
	}
}

// rotate mints fresh secrets and applies the atomic rotation script.
func (e *Engine) rotate(ctx context.Context, sessionID string, providedHash [32]byte) (*RefreshResult, error) {
	accessSecret, err := internal.NewTokenSecret()
	if err != nil {
		return nil, err
	}
	refreshSecret, err := internal.NewTokenSecret()
	if err != nil {
		return nil, err
	}

	sess, err := e.sessionStore.RotateTokens(
		ctx,
		sessionID,
		providedHash,
		internal.HashTokenSecret(accessSecret),
		internal.HashTokenSecret(refreshSecret),
		e.config.Session.AccessTTL,
	)
	if err != nil {
		return nil, err
	}

	access, err := internal.EncodeToken(sessionID, accessSecret)
	if err != nil {
		return nil, err
	}
	refresh, err := internal.EncodeToken(sessionID, refreshSecret)
	if err != nil {
		return nil, err
	}

	return &RefreshResult{
		AccessToken:     access,
		RefreshToken:    refresh,
		SessionID:       sessionID,
		UserID:          sess.UserID,
		ActiveRole:      Role(sess.ActiveRole),
		AccessExpiresAt: time.Unix(sess.AccessExpiresAt, 0),
	}, nil
}
