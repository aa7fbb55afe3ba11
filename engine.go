package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/riseplatform/authcore/internal"
	"github.com/riseplatform/authcore/internal/stores"
	"github.com/riseplatform/authcore/password"
	"github.com/riseplatform/authcore/session"
)

// Engine defines a public type used by authcore APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config       Config
	sessionStore *session.Store
	refreshLock  *session.Lock
	challenges   *stores.MFAChallengeStore
	directory    UserDirectory
	hasher       *password.Hasher
	totp         *totpManager
	audit        *auditDispatcher
	metrics      *Metrics
	logger       *zap.Logger
}

// Close describes the close operation and its observable behavior.
//
// Close may return an error when input validation, dependency calls, or security checks fail.
// Close does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped may return an error when input validation, dependency calls, or security checks fail.
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot may return an error when input validation, dependency calls, or security checks fail.
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login describes the login operation and its observable behavior.
//
// Login verifies the email/password pair and either creates a session or,
// when MFA is enabled on the account, returns a challenge that must be
// completed via [Engine.VerifyMFAChallenge] before tokens are issued.
// preferredRole selects the initial active role; empty means buyer.
// Login may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) Login(ctx context.Context, email, plaintext string, preferredRole Role) (*LoginResult, error) {
	if e == nil || e.hasher == nil {
		return nil, ErrEngineNotReady
	}

	if email == "" || plaintext == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": email,
				"reason":     "empty_credentials",
			}
		})
		return nil, ErrInvalidCredentials
	}

	user, err := e.directory.GetUserByEmail(ctx, email)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		// Only a missing account reads as bad credentials. A directory
		// fault is transient and must stay distinguishable so callers
		// retry instead of counting a failed attempt.
		if !errors.Is(err, ErrUserNotFound) {
			e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", ErrStoreUnavailable, func() map[string]string {
				return map[string]string{
					"identifier": email,
					"reason":     "directory_unavailable",
				}
			})
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": email,
				"reason":     "user_not_found",
			}
		})
		return nil, ErrInvalidCredentials
	}

	if user.Status == AccountOwnerNoPassword || user.PasswordHash == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, "", "", ErrPasswordLoginUnavailable, func() map[string]string {
			return map[string]string{
				"identifier": email,
				"reason":     "no_password_credential",
			}
		})
		return nil, ErrPasswordLoginUnavailable
	}

	ok, err := e.hasher.Verify(plaintext, user.PasswordHash)
	if err != nil {
		// Computational fault: the password was neither accepted nor
		// rejected. Distinct from a mismatch.
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, "", "", ErrPasswordUnverifiable, func() map[string]string {
			return map[string]string{
				"identifier": email,
				"reason":     "hash_unverifiable",
			}
		})
		return nil, errors.Join(ErrPasswordUnverifiable, err)
	}
	if !ok {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": email,
				"reason":     "password_mismatch",
			}
		})
		return nil, ErrInvalidCredentials
	}

	if statusErr := accountStatusToError(user.Status); statusErr != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, "", "", statusErr, func() map[string]string {
			return map[string]string{
				"identifier": email,
				"reason":     "account_status",
			}
		})
		return nil, statusErr
	}

	if e.config.Password.UpgradeOnLogin && e.hasher.NeedsUpgrade(user.HashVersion) {
		if upgradedHash, version, hashErr := e.hasher.Hash(plaintext); hashErr == nil {
			// Rehash update is best-effort and must not block successful login.
			if updErr := e.directory.UpdatePasswordHash(ctx, user.UserID, upgradedHash, version); updErr != nil {
				e.logger.Warn("password hash upgrade update failed", zap.Error(updErr))
			}
		} else {
			e.logger.Warn("password hash upgrade generation failed", zap.Error(hashErr))
		}
	}
	plaintext = ""

	roles, err := e.grantedRoles(ctx, user.UserID)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, "", "", ErrStoreUnavailable, func() map[string]string {
			return map[string]string{
				"identifier": email,
				"reason":     "role_lookup_failed",
			}
		})
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	activeRole, err := resolveLoginRole(preferredRole, roles)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, string(preferredRole), "", err, func() map[string]string {
			return map[string]string{
				"identifier": email,
				"reason":     "role_resolution",
			}
		})
		return nil, err
	}

	if user.MFAEnabled {
		return e.issueMFAChallenge(ctx, user, activeRole)
	}

	result, err := e.createSession(ctx, user, activeRole, roles)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, user.UserID, string(activeRole), "", err, func() map[string]string {
			return map[string]string{
				"identifier": email,
				"reason":     "session_creation",
			}
		})
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, user.UserID, string(activeRole), result.SessionID, nil, func() map[string]string {
		return map[string]string{
			"identifier": email,
		}
	})

	return result, nil
}

// createSession mints a session with fresh access and refresh secrets and
// persists only their hashes.
func (e *Engine) createSession(ctx context.Context, user UserRecord, activeRole Role, roles []Role) (*LoginResult, error) {
	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}
	sessionID := sid.String()

	accessSecret, err := internal.NewTokenSecret()
	if err != nil {
		return nil, err
	}
	refreshSecret, err := internal.NewTokenSecret()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	accessExpiresAt := now.Add(e.config.Session.AccessTTL)

	var ipHash, userAgentHash [32]byte
	if ip := clientIPFromContext(ctx); ip != "" {
		ipHash = internal.HashBindingValue(ip)
	}
	if ua := userAgentFromContext(ctx); ua != "" {
		userAgentHash = internal.HashBindingValue(ua)
	}

	sess := &session.Session{
		SessionID:       sessionID,
		UserID:          user.UserID,
		ActiveRole:      string(activeRole),
		AccessHash:      internal.HashTokenSecret(accessSecret),
		RefreshHash:     internal.HashTokenSecret(refreshSecret),
		AccessExpiresAt: accessExpiresAt.Unix(),
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(e.config.Session.RefreshTTL).Unix(),
		LastActivityAt:  now.Unix(),
		IPHash:          ipHash,
		UserAgentHash:   userAgentHash,
	}

	if err := e.sessionStore.Save(ctx, sess, e.config.Session.RefreshTTL); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	access, err := internal.EncodeToken(sessionID, accessSecret)
	if err != nil {
		return nil, err
	}
	refresh, err := internal.EncodeToken(sessionID, refreshSecret)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSessionCreated)

	return &LoginResult{
		AccessToken:     access,
		RefreshToken:    refresh,
		SessionID:       sessionID,
		UserID:          user.UserID,
		ActiveRole:      activeRole,
		Roles:           roles,
		AccessExpiresAt: accessExpiresAt,
	}, nil
}

// Validate describes the validate operation and its observable behavior.
//
// Validate resolves an opaque access token to its session and current
// account state. An unknown, malformed, or expired token is always reported
// as ErrUnauthorized; backend unavailability is reported separately and
// never mistaken for a rejection.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics.Enabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}

	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	user, err := e.lookupSessionUser(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			// The account behind a live session is gone. Revoke it.
			_ = e.sessionStore.Delete(ctx, sess.SessionID)
			e.metricInc(MetricSessionInvalidated)
		}
		return nil, err
	}
	if user.Status == AccountSuspended || user.Status == AccountBanned {
		_ = e.sessionStore.Delete(ctx, sess.SessionID)
		e.metricInc(MetricSessionInvalidated)
		return nil, accountStatusToError(user.Status)
	}

	roles, err := e.grantedRoles(ctx, sess.UserID)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	return &AuthResult{
		UserID:     sess.UserID,
		Email:      user.Email,
		SessionID:  sess.SessionID,
		ActiveRole: Role(sess.ActiveRole),
		Roles:      roles,
	}, nil
}

// authenticate resolves an access token to its live session or fails with
// the generic authentication error.
func (e *Engine) authenticate(ctx context.Context, accessToken string) (*session.Session, error) {
	sessionID, secret, err := internal.DecodeToken(accessToken)
	if err != nil {
		return nil, ErrUnauthorized
	}

	sess, err := e.sessionStore.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrRedisUnavailable) {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		return nil, ErrUnauthorized
	}

	provided := internal.HashTokenSecret(secret)
	if subtle.ConstantTimeCompare(provided[:], sess.AccessHash[:]) != 1 {
		return nil, ErrUnauthorized
	}
	if time.Now().Unix() >= sess.AccessExpiresAt {
		return nil, ErrUnauthorized
	}

	return sess, nil
}

// Logout describes the logout operation and its observable behavior.
//
// Logout revokes the session the access token belongs to. Subsequent use of
// either token of the pair fails.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, "", "", "", err, nil)
		return err
	}

	if err := e.sessionStore.Delete(ctx, sess.SessionID); err != nil {
		e.emitAudit(ctx, auditEventLogoutSession, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrStoreUnavailable, nil)
		return errors.Join(ErrStoreUnavailable, err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutSession, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, nil)
	return nil
}

// LogoutAll describes the logoutall operation and its observable behavior.
//
// LogoutAll revokes every session of the authenticated user, including the
// one presenting the token.
func (e *Engine) LogoutAll(ctx context.Context, accessToken string) error {
	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutAll, false, "", "", "", err, nil)
		return err
	}

	if err := e.sessionStore.DeleteAllForUser(ctx, sess.UserID); err != nil {
		e.emitAudit(ctx, auditEventLogoutAll, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrStoreUnavailable, nil)
		return errors.Join(ErrStoreUnavailable, err)
	}

	e.metricInc(MetricLogoutAll)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutAll, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, nil)
	return nil
}

// RevokeOtherSessions revokes every session of the authenticated user except
// the one presenting the token.
func (e *Engine) RevokeOtherSessions(ctx context.Context, accessToken string) error {
	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutOthers, false, "", "", "", err, nil)
		return err
	}

	ids, err := e.sessionStore.ActiveSessionIDs(ctx, sess.UserID)
	if err != nil {
		e.emitAudit(ctx, auditEventLogoutOthers, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrStoreUnavailable, nil)
		return errors.Join(ErrStoreUnavailable, err)
	}

	revoked := 0
	for _, id := range ids {
		if id == sess.SessionID {
			continue
		}
		if err := e.sessionStore.Delete(ctx, id); err != nil {
			e.emitAudit(ctx, auditEventLogoutOthers, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrStoreUnavailable, nil)
			return errors.Join(ErrStoreUnavailable, err)
		}
		revoked++
	}

	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventLogoutOthers, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, func() map[string]string {
		return map[string]string{
			"revoked": strconv.Itoa(revoked),
		}
	})
	return nil
}

// ActiveSessions lists the authenticated user's live sessions. The session
// presenting the token is marked Current.
func (e *Engine) ActiveSessions(ctx context.Context, accessToken string) ([]SessionInfo, error) {
	current, err := e.authenticate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	ids, err := e.sessionStore.ActiveSessionIDs(ctx, current.UserID)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	sessions, err := e.sessionStore.GetManyReadOnly(ctx, ids)
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			SessionID:      s.SessionID,
			ActiveRole:     Role(s.ActiveRole),
			CreatedAt:      time.Unix(s.CreatedAt, 0),
			LastActivityAt: time.Unix(s.LastActivityAt, 0),
			Current:        s.SessionID == current.SessionID,
		})
	}

	return infos, nil
}

// ChangePassword describes the changepassword operation and its observable behavior.
//
// ChangePassword verifies the current password, stores the new hash under
// the current scheme version, and revokes every session of the user.
func (e *Engine) ChangePassword(ctx context.Context, accessToken, oldPassword, newPassword string) error {
	if e == nil || e.hasher == nil {
		return ErrEngineNotReady
	}

	sess, err := e.authenticate(ctx, accessToken)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, "", "", "", err, nil)
		return err
	}

	if oldPassword == "" || newPassword == "" {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "invalid_input",
			}
		})
		return ErrPasswordPolicy
	}

	user, err := e.lookupSessionUser(ctx, sess.UserID)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, err, nil)
		return err
	}

	oldOK, err := e.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrPasswordUnverifiable, nil)
		return errors.Join(ErrPasswordUnverifiable, err)
	}
	if !oldOK {
		e.metricInc(MetricPasswordChangeInvalidOld)
		e.emitAudit(ctx, auditEventPasswordChangeInvalidOld, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}

	samePassword, err := e.hasher.Verify(newPassword, user.PasswordHash)
	if err == nil && samePassword {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}

	newHash, version, err := e.hasher.Hash(newPassword)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "hash_policy",
			}
		})
		return errors.Join(ErrPasswordPolicy, err)
	}

	if err := e.directory.UpdatePasswordHash(ctx, sess.UserID, newHash, version); err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrStoreUnavailable, nil)
		return errors.Join(ErrStoreUnavailable, err)
	}

	if err := e.sessionStore.DeleteAllForUser(ctx, sess.UserID); err != nil {
		e.logger.Warn("session invalidation failed after password change", zap.Error(err))
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, sess.UserID, sess.ActiveRole, sess.SessionID, ErrStoreUnavailable, func() map[string]string {
			return map[string]string{
				"reason": "session_invalidation_failed",
			}
		})
		return errors.Join(ErrStoreUnavailable, err)
	}

	oldPassword = ""
	newPassword = ""
	e.metricInc(MetricPasswordChangeSuccess)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, sess.UserID, sess.ActiveRole, sess.SessionID, nil, nil)

	return nil
}

// lookupSessionUser resolves the account behind an authenticated session.
// An account that vanished mid-session is unauthorized, not a backend fault.
func (e *Engine) lookupSessionUser(ctx context.Context, userID string) (UserRecord, error) {
	user, err := e.directory.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return UserRecord{}, ErrUnauthorized
		}
		return UserRecord{}, errors.Join(ErrStoreUnavailable, err)
	}
	return user, nil
}

// grantedRoles returns the user's role grants plus the implicit buyer role.
func (e *Engine) grantedRoles(ctx context.Context, userID string) ([]Role, error) {
	granted, err := e.directory.GetRoles(ctx, userID)
	if err != nil {
		return nil, err
	}

	roles := make([]Role, 0, len(granted)+1)
	hasBuyer := false
	for _, r := range granted {
		if !r.Valid() {
			continue
		}
		if r == RoleBuyer {
			hasBuyer = true
		}
		roles = append(roles, r)
	}
	if !hasBuyer {
		roles = append(roles, RoleBuyer)
	}

	return roles, nil
}

func holdsRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func resolveLoginRole(preferred Role, roles []Role) (Role, error) {
	if preferred == "" {
		return RoleBuyer, nil
	}
	if !preferred.Valid() {
		return "", ErrRoleInvalid
	}
	// Buyer needs no explicit grant.
	if preferred == RoleBuyer {
		return RoleBuyer, nil
	}
	if !holdsRole(roles, preferred) {
		return "", ErrRoleNotHeld
	}
	return preferred, nil
}

func accountStatusToError(status AccountStatus) error {
	switch status {
	case AccountActive:
		return nil
	case AccountPendingEmailVerification:
		return ErrAccountUnverified
	case AccountPendingSetup:
		return ErrAccountPendingSetup
	case AccountResetRequired:
		return ErrPasswordResetRequired
	case AccountOwnerNoPassword:
		return ErrPasswordLoginUnavailable
	case AccountSuspended:
		return ErrAccountSuspended
	case AccountBanned:
		return ErrAccountBanned
	default:
		return ErrInvalidCredentials
	}
}
