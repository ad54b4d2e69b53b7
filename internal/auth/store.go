package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	AccountStore
	RoleStore
	CredentialStore
}

// LoginStateFunc inspects and mutates the lockout fields of a locked account row.
type LoginStateFunc func(acc *Account) error

// AccountStore manages accounts.
type AccountStore interface {
	// Register atomically creates the account, its role grants and its first credential.
	// It returns ErrAlreadyExists when the handle or email is taken.
	Register(ctx context.Context, acc *Account, roles []RoleGrant, cred *Credential) error
	FindAccount(ctx context.Context, id string) (Account, error)
	FindAccountByHandle(ctx context.Context, handle string) (Account, error)
	// FindAccountByLogin matches the handle exactly or the email case-insensitively.
	FindAccountByLogin(ctx context.Context, identifier string) (Account, error)
	// UpdateLoginState loads the account under an exclusive per-account lock and runs fn.
	// The lockout fields are written back and committed even when fn returns an error;
	// fn's error is then returned to the caller.
	UpdateLoginState(ctx context.Context, accountID string, fn LoginStateFunc) error
}

// RoleStore manages role grants.
type RoleStore interface {
	Roles(ctx context.Context, accountID string) ([]string, error)
	// ReplaceRoles swaps the whole role set of an account.
	ReplaceRoles(ctx context.Context, accountID string, grants []RoleGrant) error
}

// CredentialStore manages API keys.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *Credential) error
	// FindCredentialByDigest returns only non-revoked credentials.
	FindCredentialByDigest(ctx context.Context, digest string) (Credential, error)
	// ListCredentials returns non-revoked credentials, newest first.
	ListCredentials(ctx context.Context, accountID string) ([]Credential, error)
	RevokeCredential(ctx context.Context, accountID, credentialID string, at time.Time) error
	RevokeAllCredentials(ctx context.Context, accountID string, at time.Time) (int, error)
	TouchCredential(ctx context.Context, credentialID string, at time.Time) error
}
