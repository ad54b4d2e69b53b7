package auth

import "time"

// Account is a registered human or bot identity.
type Account struct {
	ID           string
	Handle       string
	Email        string
	DisplayName  string
	PasswordHash string

	FailedCount   int
	LastFailedAt  *time.Time
	LockedUntil   *time.Time
	LastSuccessAt *time.Time

	CreatedAt time.Time
}

// HasPassword reports whether the account can log in with a password at all.
func (a Account) HasPassword() bool { return a.PasswordHash != "" }

// LockState is the lockout phase of an account at a given instant.
type LockState int

const (
	Unlocked LockState = iota
	Locked
	// LockExpired means LockedUntil is set but has passed; the next attempt clears it.
	LockExpired
)

func (a Account) LockState(now time.Time) LockState {
	switch {
	case a.LockedUntil == nil:
		return Unlocked
	case a.LockedUntil.After(now):
		return Locked
	default:
		return LockExpired
	}
}

// RoleGrant gives an account a role. Roles double as the scope vocabulary.
type RoleGrant struct {
	AccountID string
	Role      string
	GrantedBy string
	GrantedAt time.Time
}

// Credential is an API key record. The plaintext key is never stored.
type Credential struct {
	ID         string
	AccountID  string
	Digest     string
	Prefix     string
	Name       string
	Scopes     []string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
}

// Usable is the single check for whether a credential may authenticate at now.
func (c Credential) Usable(now time.Time) error {
	if c.RevokedAt != nil {
		return ErrCredentialRevoked
	}
	if c.ExpiresAt != nil && !now.UTC().Before(c.ExpiresAt.UTC()) {
		return ErrCredentialExpired
	}
	return nil
}

// NeedsTouch reports whether LastUsedAt is missing or older than freshness.
func (c Credential) NeedsTouch(now time.Time, freshness time.Duration) bool {
	return c.LastUsedAt == nil || now.Sub(*c.LastUsedAt) > freshness
}

// Principal is the authenticated caller of a request.
type Principal struct {
	Account Account
	// Credential is nil for session (password/JWT) authentication.
	Credential *Credential
	// Scopes is what the caller may do right now.
	Scopes ScopeSet
	// Roles is the account's current role set.
	Roles ScopeSet
}

// Require returns a *ScopeError when scope is not in the principal's effective scopes.
func (p Principal) Require(scopes ...string) error {
	var missing []string
	for _, s := range scopes {
		if !p.Scopes.Has(s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return &ScopeError{Missing: missing}
	}
	return nil
}

// IsAdmin checks the account's current roles, not the credential scopes.
func (p Principal) IsAdmin() bool { return p.Roles.Has(RoleAdmin) }
