package authcore

import (
	"context"
	"errors"
	"testing"
)

func TestGuardSessionSensitivity(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	decision, err := eng.GuardCriticalOperation(context.Background(), login.AccessToken, "update_listing", SensitivitySession, "")
	if err != nil {
		t.Fatalf("GuardCriticalOperation: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v", decision)
	}
	if decision.Operation != "update_listing" || decision.UserID != testUserID {
		t.Fatalf("decision = %+v", decision)
	}
}

func TestGuardRejectsUnauthenticated(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)

	_, err := eng.GuardCriticalOperation(context.Background(), "garbage", "update_listing", SensitivitySession, "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestGuardRejectsEmptyOperation(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	_, err := eng.GuardCriticalOperation(context.Background(), login.AccessToken, "", SensitivitySession, "")
	if !errors.Is(err, ErrGuardDenied) {
		t.Fatalf("err = %v, want ErrGuardDenied", err)
	}
}

func TestGuardSelfMFA(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")
	secret := enableTOTPDirect(t, eng, dir, testUserID)

	// Missing code: denied with the reason on the decision.
	decision, err := eng.GuardCriticalOperation(context.Background(), login.AccessToken, "change_payout_account", SensitivitySelfMFA, "")
	if !errors.Is(err, ErrMFARequired) {
		t.Fatalf("err = %v, want ErrMFARequired", err)
	}
	if decision == nil || decision.Allowed || decision.Reason != "mfa_code_missing" {
		t.Fatalf("decision = %+v", decision)
	}

	// Wrong code.
	decision, err = eng.GuardCriticalOperation(context.Background(), login.AccessToken, "change_payout_account", SensitivitySelfMFA, "000000")
	if !errors.Is(err, ErrMFAInvalid) {
		t.Fatalf("err = %v, want ErrMFAInvalid", err)
	}
	if decision == nil || decision.Allowed {
		t.Fatalf("decision = %+v", decision)
	}

	// Fresh valid code.
	decision, err = eng.GuardCriticalOperation(context.Background(), login.AccessToken, "change_payout_account", SensitivitySelfMFA, totpCode(t, secret))
	if err != nil {
		t.Fatalf("GuardCriticalOperation: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v", decision)
	}
}

func TestGuardSelfMFANotConfigured(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	decision, err := eng.GuardCriticalOperation(context.Background(), login.AccessToken, "change_payout_account", SensitivitySelfMFA, "123456")
	if !errors.Is(err, ErrMFANotConfigured) {
		t.Fatalf("err = %v, want ErrMFANotConfigured", err)
	}
	if decision == nil || decision.Reason != "mfa_not_configured" {
		t.Fatalf("decision = %+v", decision)
	}
}

func TestGuardOwnerMFA(t *testing.T) {
	const ownerID = "owner-1"

	eng, dir, _ := newTestEngine(t, func(cfg *Config) {
		cfg.Guard.OwnerUserID = ownerID
	})
	seedActiveUser(t, dir, RoleAdmin)
	dir.putUser(UserRecord{
		UserID: ownerID,
		Email:  "owner@example.com",
		Status: AccountActive,
	}, RoleOwner)

	login := mustLogin(t, eng, RoleAdmin)
	ownerSecret := enableTOTPDirect(t, eng, dir, ownerID)

	// The acting user's own code is not enough; the proof must come from
	// the owner identity.
	decision, err := eng.GuardCriticalOperation(context.Background(), login.AccessToken, "delete_store", SensitivityOwnerMFA, "000000")
	if !errors.Is(err, ErrOwnerProofRequired) {
		t.Fatalf("err = %v, want ErrOwnerProofRequired", err)
	}
	if decision == nil || decision.Allowed {
		t.Fatalf("decision = %+v", decision)
	}

	decision, err = eng.GuardCriticalOperation(context.Background(), login.AccessToken, "delete_store", SensitivityOwnerMFA, "")
	if !errors.Is(err, ErrOwnerProofRequired) {
		t.Fatalf("missing code err = %v, want ErrOwnerProofRequired", err)
	}
	if decision == nil || decision.Reason != "owner_code_missing" {
		t.Fatalf("decision = %+v", decision)
	}

	decision, err = eng.GuardCriticalOperation(context.Background(), login.AccessToken, "delete_store", SensitivityOwnerMFA, totpCode(t, ownerSecret))
	if err != nil {
		t.Fatalf("GuardCriticalOperation: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("decision = %+v", decision)
	}
}

func TestGuardOwnerMFAUnconfiguredOwner(t *testing.T) {
	eng, dir, _ := newTestEngine(t) // no OwnerUserID set
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	decision, err := eng.GuardCriticalOperation(context.Background(), login.AccessToken, "delete_store", SensitivityOwnerMFA, "123456")
	if !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("err = %v, want ErrEngineNotReady", err)
	}
	if decision == nil || decision.Reason != "owner_not_configured" {
		t.Fatalf("decision = %+v", decision)
	}
}

func TestGuardUnknownSensitivity(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	decision, err := eng.GuardCriticalOperation(context.Background(), login.AccessToken, "anything", Sensitivity(99), "")
	if !errors.Is(err, ErrGuardDenied) {
		t.Fatalf("err = %v, want ErrGuardDenied", err)
	}
	if decision == nil || decision.Reason != "unknown_sensitivity" {
		t.Fatalf("decision = %+v", decision)
	}
}

// Every guard decision lands in the audit trail, denials included.
func TestGuardDecisionsAreAudited(t *testing.T) {
	sink := NewChannelSink(64)

	eng, dir, _ := newTestEngineWithSink(t, sink)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	if _, err := eng.GuardCriticalOperation(context.Background(), login.AccessToken, "update_listing", SensitivitySession, ""); err != nil {
		t.Fatalf("allowed guard: %v", err)
	}
	if _, err := eng.GuardCriticalOperation(context.Background(), login.AccessToken, "change_payout_account", SensitivitySelfMFA, ""); err == nil {
		t.Fatal("expected denial")
	}

	eng.Close() // drain the dispatcher

	var allowed, denied bool
	for {
		select {
		case event := <-sink.Events():
			switch event.EventType {
			case "guard_allowed":
				allowed = true
				if event.Metadata["operation"] != "update_listing" {
					t.Fatalf("allowed metadata = %v", event.Metadata)
				}
			case "guard_denied":
				denied = true
				if event.Metadata["reason"] == "" {
					t.Fatalf("denied metadata = %v", event.Metadata)
				}
			}
		default:
			if !allowed || !denied {
				t.Fatalf("audit trail incomplete: allowed=%v denied=%v", allowed, denied)
			}
			return
		}
	}
}
