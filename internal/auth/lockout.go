package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"thirdspace.org/internal/obs"
)

const (
	LockoutThreshold = 5
	LockoutDuration  = 15 * time.Minute
)

// AttemptLogin runs one password attempt through the lockout state machine.
// Unknown accounts and wrong passwords are indistinguishable to the caller.
func (s *Service) AttemptLogin(ctx context.Context, identifier, password string) (Account, error) {
	acc, err := s.attemptLogin(ctx, identifier, password)
	obs.ObserveAuthAttempt("password", outcome(err))
	return acc, err
}

func (s *Service) attemptLogin(ctx context.Context, identifier, password string) (Account, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return Account{}, ErrInvalidPassword
	}
	acc, err := s.store.FindAccountByLogin(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		_ = s.passwords.Verify(s.dummyDigest, password)
		return Account{}, ErrInvalidPassword
	}
	if err != nil {
		return Account{}, fmt.Errorf("auth: find account: %w", err)
	}
	if !acc.HasPassword() {
		_ = s.passwords.Verify(s.dummyDigest, password)
		return Account{}, ErrInvalidPassword
	}

	var (
		result    Account
		lockedNow bool
	)
	err = s.store.UpdateLoginState(ctx, acc.ID, func(locked *Account) error {
		var verr error
		lockedNow, verr = evaluateLogin(locked, s.now().UTC(), func() bool {
			return s.passwords.Verify(locked.PasswordHash, password) == nil
		})
		result = *locked
		return verr
	})
	if lockedNow {
		obs.ObserveLockout()
		s.log.WithField("account_id", acc.ID).Warn("account locked after repeated password failures")
	}
	if err != nil {
		return Account{}, err
	}
	return result, nil
}

// evaluateLogin applies one attempt to acc at now. It reports whether this attempt
// engaged the lock.
func evaluateLogin(acc *Account, now time.Time, passwordOK func() bool) (bool, error) {
	switch acc.LockState(now) {
	case Locked:
		return false, ErrAccountLocked
	case LockExpired:
		acc.FailedCount = 0
		acc.LockedUntil = nil
	}

	if !acc.HasPassword() || !passwordOK() {
		acc.FailedCount++
		failedAt := now
		acc.LastFailedAt = &failedAt
		if acc.FailedCount >= LockoutThreshold {
			until := now.Add(LockoutDuration)
			acc.LockedUntil = &until
			return true, ErrInvalidPassword
		}
		return false, ErrInvalidPassword
	}

	acc.FailedCount = 0
	acc.LockedUntil = nil
	successAt := now
	acc.LastSuccessAt = &successAt
	return false, nil
}
