package authcore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/riseplatform/authcore/session"
)

// SwitchContext describes the switchcontext operation and its observable behavior.
//
// SwitchContext changes the session's active role in place. The session
// identity and both tokens are unchanged; only the role recorded in the
// session flips. Buyer needs no grant; every other role must be held.
// SwitchContext may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) SwitchContext(ctx context.Context, accessToken string, target Role) (*AuthResult, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}

	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		e.emitAudit(ctx, auditEventContextSwitchDenied, false, "", string(target), "", err, nil)
		return nil, err
	}

	if !target.Valid() {
		e.metricInc(MetricContextSwitchDenied)
		e.emitAudit(ctx, auditEventContextSwitchDenied, false, sess.UserID, string(target), sess.SessionID, ErrRoleInvalid, nil)
		return nil, ErrRoleInvalid
	}

	roles, err := e.grantedRoles(ctx, sess.UserID)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	// Buyer is the implicit baseline; switching to it never needs a grant.
	if target != RoleBuyer && !holdsRole(roles, target) {
		e.metricInc(MetricContextSwitchDenied)
		e.emitAudit(ctx, auditEventContextSwitchDenied, false, sess.UserID, string(target), sess.SessionID, ErrRoleNotHeld, func() map[string]string {
			return map[string]string{
				"from": sess.ActiveRole,
			}
		})
		return nil, ErrRoleNotHeld
	}

	user, err := e.lookupSessionUser(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	if Role(sess.ActiveRole) == target {
		return &AuthResult{
			UserID:     sess.UserID,
			Email:      user.Email,
			SessionID:  sess.SessionID,
			ActiveRole: target,
			Roles:      roles,
		}, nil
	}

	updated, err := e.sessionStore.UpdateActiveRole(ctx, sess.SessionID, string(target))
	if err != nil {
		switch {
		case errors.Is(err, redis.Nil):
			e.emitAudit(ctx, auditEventContextSwitchDenied, false, sess.UserID, string(target), sess.SessionID, ErrUnauthorized, nil)
			return nil, ErrUnauthorized
		case errors.Is(err, session.ErrRoleConflict):
			return nil, errors.Join(ErrStoreUnavailable, err)
		default:
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
	}

	// Directory write is best-effort; the session is the source of truth
	// for the active role.
	if saveErr := e.directory.SaveActiveContext(ctx, sess.UserID, target); saveErr != nil {
		e.logger.Warn("active context save failed", zap.Error(saveErr))
	}

	e.metricInc(MetricContextSwitch)
	e.emitAudit(ctx, auditEventContextSwitch, true, sess.UserID, string(target), sess.SessionID, nil, func() map[string]string {
		return map[string]string{
			"from": sess.ActiveRole,
		}
	})

	return &AuthResult{
		UserID:     sess.UserID,
		Email:      user.Email,
		SessionID:  updated.SessionID,
		ActiveRole: Role(updated.ActiveRole),
		Roles:      roles,
	}, nil
}
