package auth

import (
	"errors"
	"testing"
	"time"
)

func TestEvaluateLoginLocksOnFifthFailure(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	acc := &Account{ID: "a", PasswordHash: "x"}
	wrong := func() bool { return false }

	for i := 1; i < LockoutThreshold; i++ {
		lockedNow, err := evaluateLogin(acc, now, wrong)
		if !errors.Is(err, ErrInvalidPassword) || lockedNow {
			t.Fatalf("attempt %d: err=%v lockedNow=%v", i, err, lockedNow)
		}
		if acc.FailedCount != i || acc.LockedUntil != nil {
			t.Fatalf("attempt %d: count=%d lockedUntil=%v", i, acc.FailedCount, acc.LockedUntil)
		}
	}

	lockedNow, err := evaluateLogin(acc, now, wrong)
	if !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("fifth failure should still report invalid password, got %v", err)
	}
	if !lockedNow || acc.LockedUntil == nil || !acc.LockedUntil.Equal(now.Add(LockoutDuration)) {
		t.Fatalf("expected lock until %v, got %v (lockedNow=%v)", now.Add(LockoutDuration), acc.LockedUntil, lockedNow)
	}
	if acc.LastFailedAt == nil || !acc.LastFailedAt.Equal(now) {
		t.Fatalf("LastFailedAt not recorded: %v", acc.LastFailedAt)
	}
}

func TestEvaluateLoginLockedIgnoresPassword(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	until := now.Add(time.Minute)
	acc := &Account{ID: "a", PasswordHash: "x", FailedCount: 5, LockedUntil: &until}

	called := false
	_, err := evaluateLogin(acc, now, func() bool { called = true; return true })
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if called {
		t.Fatal("password must not be checked while locked")
	}
	if acc.FailedCount != 5 {
		t.Fatalf("locked attempt must not change counter, got %d", acc.FailedCount)
	}
}

func TestEvaluateLoginExpiredLockResets(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	until := now
	acc := &Account{ID: "a", PasswordHash: "x", FailedCount: 5, LockedUntil: &until}

	_, err := evaluateLogin(acc, now, func() bool { return false })
	if !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword after expiry, got %v", err)
	}
	if acc.FailedCount != 1 || acc.LockedUntil != nil {
		t.Fatalf("expected fresh counter after expiry, got count=%d lockedUntil=%v", acc.FailedCount, acc.LockedUntil)
	}
}

func TestEvaluateLoginSuccessClearsState(t *testing.T) {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	acc := &Account{ID: "a", PasswordHash: "x", FailedCount: 3, LastFailedAt: &past}

	if _, err := evaluateLogin(acc, now, func() bool { return true }); err != nil {
		t.Fatalf("evaluateLogin: %v", err)
	}
	if acc.FailedCount != 0 || acc.LockedUntil != nil {
		t.Fatalf("success must reset state: %+v", acc)
	}
	if acc.LastSuccessAt == nil || !acc.LastSuccessAt.Equal(now) {
		t.Fatalf("LastSuccessAt not set: %v", acc.LastSuccessAt)
	}
}

func TestLockState(t *testing.T) {
	now := time.Now()
	future, past := now.Add(time.Minute), now.Add(-time.Minute)
	cases := []struct {
		until *time.Time
		want  LockState
	}{
		{nil, Unlocked},
		{&future, Locked},
		{&past, LockExpired},
		{&now, LockExpired},
	}
	for _, tc := range cases {
		if got := (Account{LockedUntil: tc.until}).LockState(now); got != tc.want {
			t.Fatalf("LockState(%v) = %v, want %v", tc.until, got, tc.want)
		}
	}
}

func TestScopeSet(t *testing.T) {
	a := NewScopeSet("library:read", " Library:Edit ", "admin", "")
	b := NewScopeSet("library:read", "library:edit")
	if a.Len() != 3 || !a.Has("LIBRARY:EDIT") {
		t.Fatalf("normalization failed: %v", a.Sorted())
	}
	if got := a.Intersect(b).Sorted(); len(got) != 2 || got[0] != "library:edit" || got[1] != "library:read" {
		t.Fatalf("Intersect = %v", got)
	}
	if !b.SubsetOf(a) || a.SubsetOf(b) {
		t.Fatal("SubsetOf mismatch")
	}
	if got := a.Difference(b); len(got) != 1 || got[0] != "admin" {
		t.Fatalf("Difference = %v", got)
	}
}

func TestCredentialUsable(t *testing.T) {
	now := time.Now().UTC()
	past, future := now.Add(-time.Second), now.Add(time.Hour)
	if err := (Credential{}).Usable(now); err != nil {
		t.Fatalf("plain credential unusable: %v", err)
	}
	if err := (Credential{ExpiresAt: &future}).Usable(now); err != nil {
		t.Fatalf("unexpired credential unusable: %v", err)
	}
	if err := (Credential{ExpiresAt: &past}).Usable(now); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if err := (Credential{RevokedAt: &past}).Usable(now); !errors.Is(err, ErrCredentialRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
	if !errors.Is(ErrCredentialExpired, ErrUnauthenticated) {
		t.Fatal("every credential error must be unauthenticated")
	}
}
