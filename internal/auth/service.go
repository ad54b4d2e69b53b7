package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"thirdspace.org/internal/credential"
	"thirdspace.org/internal/ids"
	"thirdspace.org/internal/obs"
	"thirdspace.org/internal/token"
)

const (
	defaultKeyName    = "Default Key"
	maxKeyNameLen     = 100
	maxDisplayNameLen = 100
	minPasswordLen    = 8
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// Service covers registration, password login, sessions, API key management and
// role administration.
type Service struct {
	store     Store
	passwords credential.PasswordHasher
	keys      credential.KeyHasher
	tokens    *token.Issuer
	now       func() time.Time
	log       logrus.FieldLogger

	// dummyDigest is verified against when no account matches, so unknown
	// identifiers cost the same hash work as wrong passwords.
	dummyDigest string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

func WithLogger(l logrus.FieldLogger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, passwords credential.PasswordHasher, keys credential.KeyHasher, tokens *token.Issuer, opts ...ServiceOption) (*Service, error) {
	if store == nil || passwords == nil || keys == nil || tokens == nil {
		return nil, errors.New("auth: service requires store, hashers and token issuer")
	}
	svc := &Service{
		store:     store,
		passwords: passwords,
		keys:      keys,
		tokens:    tokens,
		now:       time.Now,
		log:       obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	dummy, err := passwords.Hash("third-space-no-such-account")
	if err != nil {
		return nil, fmt.Errorf("auth: dummy password digest: %w", err)
	}
	svc.dummyDigest = dummy
	return svc, nil
}

// RegisterInput is a self-service signup request.
type RegisterInput struct {
	Handle      string
	Email       string
	Password    string
	DisplayName string
}

// Registration is the result of a signup. APIKey is the only time the plaintext is exposed.
type Registration struct {
	Account   Account
	Roles     []string
	APIKey    string
	KeyScopes []string
}

// Register creates an account with the default roles and a first API key holding all of them.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Registration, error) {
	in.Handle = strings.TrimSpace(in.Handle)
	in.Email = strings.TrimSpace(in.Email)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if err := validateRegistration(in); err != nil {
		return Registration{}, err
	}

	digest, err := s.passwords.Hash(in.Password)
	if err != nil {
		return Registration{}, fmt.Errorf("auth: hash password: %w", err)
	}
	issued, err := credential.GenerateAPIKey(s.keys)
	if err != nil {
		return Registration{}, err
	}

	now := s.now().UTC()
	acc := Account{
		ID:           ids.New(),
		Handle:       in.Handle,
		Email:        in.Email,
		DisplayName:  in.DisplayName,
		PasswordHash: digest,
		CreatedAt:    now,
	}
	grants := make([]RoleGrant, 0, len(DefaultRoles))
	for _, role := range DefaultRoles {
		grants = append(grants, RoleGrant{AccountID: acc.ID, Role: role, GrantedAt: now})
	}
	cred := Credential{
		ID:        ids.New(),
		AccountID: acc.ID,
		Digest:    issued.Digest,
		Prefix:    issued.Prefix,
		Name:      defaultKeyName,
		Scopes:    append([]string(nil), DefaultRoles...),
		CreatedAt: now,
	}
	if err := s.store.Register(ctx, &acc, grants, &cred); err != nil {
		return Registration{}, err
	}

	roles := NewScopeSet(DefaultRoles...).Sorted()
	return Registration{
		Account:   acc,
		Roles:     roles,
		APIKey:    issued.Plaintext,
		KeyScopes: roles,
	}, nil
}

func validateRegistration(in RegisterInput) error {
	if !handlePattern.MatchString(in.Handle) {
		return fmt.Errorf("%w: username must be 3-32 characters of lowercase letters, digits and underscores", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(in.Email)
	if err != nil || addr.Address != in.Email || !strings.Contains(in.Email[strings.LastIndex(in.Email, "@")+1:], ".") {
		return fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	if len(in.DisplayName) > maxDisplayNameLen {
		return fmt.Errorf("%w: display name must be %d characters or less", ErrInvalidInput, maxDisplayNameLen)
	}
	return validatePassword(in.Password)
}

func validatePassword(pw string) error {
	if len(pw) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return fmt.Errorf("%w: password must contain an uppercase letter, a lowercase letter and a digit", ErrInvalidInput)
	}
	return nil
}

// Login authenticates with a password and issues a session token pair.
func (s *Service) Login(ctx context.Context, identifier, password string) (Account, token.Pair, error) {
	acc, err := s.AttemptLogin(ctx, identifier, password)
	if err != nil {
		return Account{}, token.Pair{}, err
	}
	pair, err := s.tokens.IssuePair(acc.ID)
	if err != nil {
		return Account{}, token.Pair{}, err
	}
	return acc, pair, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Account, token.Pair, error) {
	claims, err := s.tokens.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return Account{}, token.Pair{}, ErrInvalidSession
	}
	acc, err := s.store.FindAccount(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return Account{}, token.Pair{}, ErrInvalidSession
	}
	if err != nil {
		return Account{}, token.Pair{}, fmt.Errorf("auth: load account: %w", err)
	}
	pair, err := s.tokens.IssuePair(acc.ID)
	if err != nil {
		return Account{}, token.Pair{}, err
	}
	return acc, pair, nil
}

// NewKey describes an API key to create.
type NewKey struct {
	Name      string
	Scopes    []string
	ExpiresAt *time.Time
}

// CreateAPIKey issues a key for the caller. Requested scopes must be a subset of
// the caller's current roles; when none are requested the key gets all of them.
func (s *Service) CreateAPIKey(ctx context.Context, caller Principal, in NewKey) (Credential, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = defaultKeyName
	}
	if len(name) > maxKeyNameLen {
		return Credential{}, "", fmt.Errorf("%w: key name must be %d characters or less", ErrInvalidInput, maxKeyNameLen)
	}
	now := s.now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return Credential{}, "", fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}

	requested := caller.Roles
	if len(in.Scopes) > 0 {
		requested = NewScopeSet(in.Scopes...)
	}
	if missing := requested.Difference(caller.Roles); len(missing) > 0 {
		return Credential{}, "", &ScopeError{Missing: missing}
	}

	issued, err := credential.GenerateAPIKey(s.keys)
	if err != nil {
		return Credential{}, "", err
	}
	cred := Credential{
		ID:        ids.New(),
		AccountID: caller.Account.ID,
		Digest:    issued.Digest,
		Prefix:    issued.Prefix,
		Name:      name,
		Scopes:    requested.Sorted(),
		CreatedAt: now,
	}
	if in.ExpiresAt != nil {
		exp := in.ExpiresAt.UTC()
		cred.ExpiresAt = &exp
	}
	if err := s.store.CreateCredential(ctx, &cred); err != nil {
		return Credential{}, "", err
	}
	return cred, issued.Plaintext, nil
}

func (s *Service) ListAPIKeys(ctx context.Context, caller Principal) ([]Credential, error) {
	return s.store.ListCredentials(ctx, caller.Account.ID)
}

// RevokeAPIKey soft-deletes one of the caller's keys. Other accounts' keys are reported as not found.
func (s *Service) RevokeAPIKey(ctx context.Context, caller Principal, credentialID string) error {
	if strings.TrimSpace(credentialID) == "" {
		return ErrNotFound
	}
	return s.store.RevokeCredential(ctx, caller.Account.ID, credentialID, s.now().UTC())
}

// ReplaceRoles swaps the role set of the account named handle. Only admins may call it.
func (s *Service) ReplaceRoles(ctx context.Context, caller Principal, handle string, roles []string) (Account, []string, error) {
	if !caller.IsAdmin() {
		return Account{}, nil, ErrForbidden
	}
	set := NewScopeSet(roles...)
	for role := range set {
		if !KnownRole(role) {
			return Account{}, nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
		}
	}
	acc, err := s.store.FindAccountByHandle(ctx, strings.TrimSpace(handle))
	if err != nil {
		return Account{}, nil, err
	}
	now := s.now().UTC()
	sorted := set.Sorted()
	grants := make([]RoleGrant, 0, len(sorted))
	for _, role := range sorted {
		grants = append(grants, RoleGrant{AccountID: acc.ID, Role: role, GrantedBy: caller.Account.ID, GrantedAt: now})
	}
	if err := s.store.ReplaceRoles(ctx, acc.ID, grants); err != nil {
		return Account{}, nil, err
	}
	return acc, sorted, nil
}

// RevokeAllKeys soft-deletes every active key of the account named handle. Admin only.
func (s *Service) RevokeAllKeys(ctx context.Context, caller Principal, handle string) (int, error) {
	if !caller.IsAdmin() {
		return 0, ErrForbidden
	}
	acc, err := s.store.FindAccountByHandle(ctx, strings.TrimSpace(handle))
	if err != nil {
		return 0, err
	}
	return s.store.RevokeAllCredentials(ctx, acc.ID, s.now().UTC())
}
