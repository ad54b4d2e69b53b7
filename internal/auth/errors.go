package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthenticated is the single externally visible authentication failure class.
// Every specific kind below wraps it; the kinds exist for logs and tests.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

var (
	ErrCredentialMissing       = unauthenticated("credential missing")
	ErrInvalidCredentialFormat = unauthenticated("invalid credential format")
	ErrCredentialNotFound      = unauthenticated("credential not found")
	ErrCredentialRevoked       = unauthenticated("credential revoked")
	ErrCredentialExpired       = unauthenticated("credential expired")
	ErrInvalidSession          = unauthenticated("invalid session token")
	ErrInvalidPassword         = unauthenticated("invalid username or password")
	ErrAccountLocked           = unauthenticated("account locked")
)

var (
	ErrInsufficientScope = errors.New("auth: insufficient scope")
	ErrForbidden         = errors.New("auth: forbidden")
	ErrNotFound          = errors.New("auth: not found")
	ErrAlreadyExists     = errors.New("auth: already exists")
	ErrInvalidInput      = errors.New("auth: invalid input")
)

func unauthenticated(kind string) error {
	return fmt.Errorf("%w: %s", ErrUnauthenticated, kind)
}

// ScopeError names the scopes a request lacked.
type ScopeError struct {
	Missing []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("auth: insufficient scope: missing %s", strings.Join(e.Missing, ", "))
}

func (e *ScopeError) Unwrap() error { return ErrInsufficientScope }
