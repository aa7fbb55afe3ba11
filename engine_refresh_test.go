package authcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riseplatform/authcore/session"
)

func TestRefreshRotatesPair(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir, RoleSeller)
	login := mustLogin(t, eng, RoleSeller)

	rotated, err := eng.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if rotated.AccessToken == login.AccessToken || rotated.RefreshToken == login.RefreshToken {
		t.Fatal("rotation returned an old token")
	}
	if rotated.SessionID != login.SessionID {
		t.Fatal("rotation must keep the session identity")
	}
	if rotated.ActiveRole != RoleSeller {
		t.Fatalf("ActiveRole = %q", rotated.ActiveRole)
	}

	// New access token works, old one is dead.
	if _, err := eng.Validate(context.Background(), rotated.AccessToken); err != nil {
		t.Fatalf("new access token rejected: %v", err)
	}
	if _, err := eng.Validate(context.Background(), login.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old access token survived rotation: %v", err)
	}
}

func TestRefreshGarbageToken(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)

	for _, token := range []string{"", "zzz", "QUFBQQ"} {
		if _, err := eng.Refresh(context.Background(), token); !errors.Is(err, ErrRefreshInvalid) {
			t.Fatalf("token %q: err = %v, want ErrRefreshInvalid", token, err)
		}
	}
}

func TestRefreshAfterLogout(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	if err := eng.Logout(context.Background(), login.AccessToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := eng.Refresh(context.Background(), login.RefreshToken); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("err = %v, want ErrRefreshInvalid", err)
	}
}

// Direct-path replay of a superseded refresh token is treated as theft:
// every session of the user goes away.
func TestRefreshReuseInvalidatesAllSessions(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	victim := mustLogin(t, eng, "")
	other := mustLogin(t, eng, "")

	rotated, err := eng.Refresh(context.Background(), victim.RefreshToken)
	if err != nil {
		t.Fatalf("first Refresh: %v", err)
	}

	_, err = eng.Refresh(context.Background(), victim.RefreshToken)
	if !errors.Is(err, ErrSessionCompromised) {
		t.Fatalf("err = %v, want ErrSessionCompromised", err)
	}

	// The rotated pair and the unrelated session are both dead.
	if _, err := eng.Validate(context.Background(), rotated.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("rotated access survived compromise: %v", err)
	}
	if _, err := eng.Refresh(context.Background(), rotated.RefreshToken); err == nil {
		t.Fatal("rotated refresh survived compromise")
	}
	if _, err := eng.Validate(context.Background(), other.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("sibling session survived compromise: %v", err)
	}
}

// A random invalid token never triggers the compromise response.
func TestRefreshMismatchDoesNotInvalidate(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")
	second := mustLogin(t, eng, "")

	// A token with the right session ID but a wrong secret.
	forged := second.RefreshToken
	if _, err := eng.Refresh(context.Background(), forged[:len(forged)-8]+"AAAAAAAA"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("err = %v, want ErrRefreshInvalid", err)
	}

	if _, err := eng.Validate(context.Background(), login.AccessToken); err != nil {
		t.Fatalf("session revoked on plain mismatch: %v", err)
	}
}

func TestRequestRefreshRotates(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	ctx := WithTabID(context.Background(), "tab-1")
	outcome, err := eng.RequestRefresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	if outcome.Status != RefreshRotated {
		t.Fatalf("Status = %d, want RefreshRotated", outcome.Status)
	}
	if outcome.Result == nil || outcome.Result.AccessToken == "" {
		t.Fatal("rotation result missing")
	}

	// The lock is released on the way out; the next request rotates again.
	outcome2, err := eng.RequestRefresh(ctx, outcome.Result.RefreshToken)
	if err != nil {
		t.Fatalf("second RequestRefresh: %v", err)
	}
	if outcome2.Status != RefreshRotated {
		t.Fatalf("second Status = %d, want RefreshRotated", outcome2.Status)
	}
}

func TestRequestRefreshWaitsWhileLockHeld(t *testing.T) {
	eng, dir, mr := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	lock := session.NewLock(client, "")
	if _, err := lock.Acquire(context.Background(), login.SessionID, "winner-tab", 30*time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx := WithTabID(context.Background(), "loser-tab")
	outcome, err := eng.RequestRefresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	if outcome.Status != RefreshWait {
		t.Fatalf("Status = %d, want RefreshWait", outcome.Status)
	}
	if outcome.RetryAfter <= 0 {
		t.Fatal("wait outcome carries no retry delay")
	}
	if outcome.Result != nil {
		t.Fatal("wait outcome must not carry tokens")
	}

	// Nothing rotated; the presented token still works once the lock frees.
	if err := lock.Release(context.Background(), login.SessionID, "winner-tab"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	outcome, err = eng.RequestRefresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("retry RequestRefresh: %v", err)
	}
	if outcome.Status != RefreshRotated {
		t.Fatalf("retry Status = %d, want RefreshRotated", outcome.Status)
	}
}

// A one-generation-stale token in the coordinated path is benign: the
// winning tab already placed the successor pair in shared storage.
func TestRequestRefreshSuperseded(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	rotated, err := eng.Refresh(context.Background(), login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	ctx := WithTabID(context.Background(), "stale-tab")
	outcome, err := eng.RequestRefresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	if outcome.Status != RefreshSuperseded {
		t.Fatalf("Status = %d, want RefreshSuperseded", outcome.Status)
	}

	// Superseded is not compromise: the session stays fully alive.
	if _, err := eng.Validate(context.Background(), rotated.AccessToken); err != nil {
		t.Fatalf("session invalidated by a benign stale refresh: %v", err)
	}
	if _, err := eng.Refresh(context.Background(), rotated.RefreshToken); err != nil {
		t.Fatalf("current refresh token rejected: %v", err)
	}
}

func TestRequestRefreshSupersededWhileLockHeld(t *testing.T) {
	eng, dir, mr := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	if _, err := eng.Refresh(context.Background(), login.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	lock := session.NewLock(client, "")
	if _, err := lock.Acquire(context.Background(), login.SessionID, "other-tab", 30*time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Even without winning the lock, a stale token is recognized as
	// superseded rather than told to wait.
	outcome, err := eng.RequestRefresh(WithTabID(context.Background(), "stale-tab"), login.RefreshToken)
	if err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	if outcome.Status != RefreshSuperseded {
		t.Fatalf("Status = %d, want RefreshSuperseded", outcome.Status)
	}
}

func TestRequestRefreshConcurrentTabs(t *testing.T) {
	eng, dir, _ := newTestEngine(t)
	seedActiveUser(t, dir)
	login := mustLogin(t, eng, "")

	const tabs = 8
	outcomes := make([]*RefreshOutcome, tabs)
	errs := make([]error, tabs)

	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := WithTabID(context.Background(), fmt.Sprintf("tab-%d", i))
			outcomes[i], errs[i] = eng.RequestRefresh(ctx, login.RefreshToken)
		}(i)
	}
	wg.Wait()

	rotations := 0
	for i := 0; i < tabs; i++ {
		if errs[i] != nil {
			t.Fatalf("tab %d: %v", i, errs[i])
		}
		switch outcomes[i].Status {
		case RefreshRotated:
			rotations++
		case RefreshWait, RefreshSuperseded:
			// Both are retryable non-error outcomes.
		default:
			t.Fatalf("tab %d: unexpected status %d", i, outcomes[i].Status)
		}
	}
	if rotations != 1 {
		t.Fatalf("rotations = %d, want exactly 1", rotations)
	}
}
