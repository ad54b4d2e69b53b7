package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"thirdspace.org/internal/credential"
	"thirdspace.org/internal/obs"
	"thirdspace.org/internal/token"
)

// LastUsedFreshness bounds how often a credential's last-used timestamp is written.
const LastUsedFreshness = 5 * time.Minute

// Dispatcher runs fire-and-forget work outside the request.
type Dispatcher interface {
	Dispatch(name string, fn func(ctx context.Context) error) bool
}

// Gate turns a presented secret into a Principal.
type Gate struct {
	store      Store
	keys       credential.KeyHasher
	tokens     *token.Issuer
	dispatcher Dispatcher
	now        func() time.Time
	log        logrus.FieldLogger

	sentinelDigest string
}

type GateOption func(*Gate)

func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func WithGateLogger(l logrus.FieldLogger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithSessionTokens enables AuthenticateSession.
func WithSessionTokens(tokens *token.Issuer) GateOption {
	return func(g *Gate) { g.tokens = tokens }
}

func NewGate(store Store, keys credential.KeyHasher, dispatcher Dispatcher, opts ...GateOption) (*Gate, error) {
	if store == nil || keys == nil || dispatcher == nil {
		return nil, errors.New("auth: gate requires store, key hasher and dispatcher")
	}
	g := &Gate{
		store:      store,
		keys:       keys,
		dispatcher: dispatcher,
		now:        time.Now,
		log:        obs.Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.sentinelDigest = keys.Hash(credential.KeyPrefix + strings.Repeat("0", 64))
	return g, nil
}

// Authenticate validates an API key and returns the caller with scopes narrowed
// to the intersection of the key's scopes and the account's current roles.
func (g *Gate) Authenticate(ctx context.Context, presented string) (Principal, error) {
	p, err := g.authenticate(ctx, presented)
	obs.ObserveAuthAttempt("api_key", outcome(err))
	return p, err
}

func (g *Gate) authenticate(ctx context.Context, presented string) (Principal, error) {
	if presented == "" {
		return Principal{}, ErrCredentialMissing
	}
	if err := credential.ValidateKeyFormat(presented); err != nil {
		return Principal{}, ErrInvalidCredentialFormat
	}

	digest := g.keys.Hash(presented)
	cred, err := g.store.FindCredentialByDigest(ctx, digest)
	if errors.Is(err, ErrNotFound) {
		subtle.ConstantTimeCompare([]byte(digest), []byte(g.sentinelDigest))
		return Principal{}, ErrCredentialNotFound
	}
	if err != nil {
		return Principal{}, fmt.Errorf("auth: lookup credential: %w", err)
	}

	now := g.now().UTC()
	if err := cred.Usable(now); err != nil {
		return Principal{}, err
	}

	acc, err := g.store.FindAccount(ctx, cred.AccountID)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrCredentialNotFound
	}
	if err != nil {
		return Principal{}, fmt.Errorf("auth: load account: %w", err)
	}
	roles, err := g.store.Roles(ctx, acc.ID)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: load roles: %w", err)
	}

	if cred.NeedsTouch(now, LastUsedFreshness) {
		g.touch(cred.ID, now)
	}

	current := NewScopeSet(roles...)
	return Principal{
		Account:    acc,
		Credential: &cred,
		Scopes:     NewScopeSet(cred.Scopes...).Intersect(current),
		Roles:      current,
	}, nil
}

func (g *Gate) touch(credentialID string, at time.Time) {
	store := g.store
	ok := g.dispatcher.Dispatch("credential_touch", func(ctx context.Context) error {
		return store.TouchCredential(ctx, credentialID, at)
	})
	if !ok {
		g.log.WithField("credential_id", credentialID).Debug("last-used touch skipped")
	}
}

// AuthenticateSession validates an access token issued at login. Session principals
// carry no credential and hold the full current role set as scopes.
func (g *Gate) AuthenticateSession(ctx context.Context, accessToken string) (Principal, error) {
	p, err := g.authenticateSession(ctx, accessToken)
	obs.ObserveAuthAttempt("session", outcome(err))
	return p, err
}

func (g *Gate) authenticateSession(ctx context.Context, accessToken string) (Principal, error) {
	if strings.TrimSpace(accessToken) == "" {
		return Principal{}, ErrCredentialMissing
	}
	if g.tokens == nil {
		return Principal{}, ErrInvalidSession
	}
	claims, err := g.tokens.Verify(accessToken, token.KindAccess)
	if err != nil {
		return Principal{}, ErrInvalidSession
	}
	acc, err := g.store.FindAccount(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrInvalidSession
	}
	if err != nil {
		return Principal{}, fmt.Errorf("auth: load account: %w", err)
	}
	roles, err := g.store.Roles(ctx, acc.ID)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: load roles: %w", err)
	}
	current := NewScopeSet(roles...)
	return Principal{Account: acc, Scopes: current, Roles: current}, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCredentialMissing):
		return "missing"
	case errors.Is(err, ErrInvalidCredentialFormat):
		return "malformed"
	case errors.Is(err, ErrCredentialNotFound):
		return "not_found"
	case errors.Is(err, ErrCredentialRevoked):
		return "revoked"
	case errors.Is(err, ErrCredentialExpired):
		return "expired"
	case errors.Is(err, ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, ErrAccountLocked):
		return "locked"
	case errors.Is(err, ErrInvalidPassword):
		return "invalid_password"
	default:
		return "error"
	}
}
