package httpapi

import (
	"context"
	"net/http"
	"strings"

	"thirdspace.org/internal/auth"
	"thirdspace.org/internal/credential"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
	bearer       = "Bearer "

	accessCookie  = "access_token"
	refreshCookie = "refresh_token"
	refreshPath   = "/api/v1/auth/refresh"
)

// withAuth resolves the caller and rejects the request with 401 when it cannot.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.authenticate(r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate tries X-API-Key, then the Authorization header, then the access
// cookie. A bearer value shaped like an API key is checked as one; anything else
// is treated as a session token.
func (a *API) authenticate(r *http.Request) (auth.Principal, error) {
	ctx := r.Context()
	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		return a.deps.Gate.Authenticate(ctx, key)
	}
	if h := r.Header.Get(authHeader); h != "" {
		tok, err := extractBearerToken(h)
		if err != nil {
			return auth.Principal{}, err
		}
		if strings.HasPrefix(tok, credential.KeyPrefix) {
			return a.deps.Gate.Authenticate(ctx, tok)
		}
		return a.deps.Gate.AuthenticateSession(ctx, tok)
	}
	if c, err := r.Cookie(accessCookie); err == nil && c.Value != "" {
		return a.deps.Gate.AuthenticateSession(ctx, c.Value)
	}
	return a.deps.Gate.Authenticate(ctx, "")
}

func principalFrom(ctx context.Context) auth.Principal {
	p, _ := auth.PrincipalFromContext(ctx)
	return p
}

func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", auth.ErrCredentialMissing
	}
	if !strings.HasPrefix(header, bearer) {
		return "", auth.ErrInvalidCredentialFormat
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearer))
	if token == "" {
		return "", auth.ErrCredentialMissing
	}
	return token, nil
}
