package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"thirdspace.org/internal/audit"
	"thirdspace.org/internal/auth"
	"thirdspace.org/internal/token"
)

func (a *API) routeAuth() {
	a.mux.Handle("POST /api/v1/auth/register",
		RateLimit(http.HandlerFunc(a.handleRegister), a.deps.Limits.Register, "register", byClientIP))
	a.mux.Handle("POST /api/v1/auth/login",
		RateLimit(http.HandlerFunc(a.handleLogin), a.deps.Limits.Login, "login", byClientIP))
	a.mux.HandleFunc("POST /api/v1/auth/refresh", a.handleRefresh)

	a.mux.Handle("POST /api/v1/auth/api-keys", a.withAuth(
		RateLimit(a.idempotent(http.HandlerFunc(a.handleCreateKey)), a.deps.Limits.KeyCreate, "api_key_create", byAccount)))
	a.mux.Handle("GET /api/v1/auth/api-keys", a.withAuth(http.HandlerFunc(a.handleListKeys)))
	a.mux.Handle("DELETE /api/v1/auth/api-keys/{id}", a.withAuth(a.idempotent(http.HandlerFunc(a.handleRevokeKey))))
}

type registerRequest struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type registerResponse struct {
	UserID       string   `json:"user_id"`
	Username     string   `json:"username"`
	Email        string   `json:"email"`
	DisplayName  string   `json:"display_name"`
	APIKey       string   `json:"api_key"`
	Roles        []string `json:"roles"`
	APIKeyScopes []string `json:"api_key_scopes"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	reg, err := a.deps.Auth.Register(r.Context(), auth.RegisterInput{
		Handle:      req.Username,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", map[string]any{
		"user_id":  reg.Account.ID,
		"username": reg.Account.Handle,
	})
	writeJSON(w, http.StatusCreated, registerResponse{
		UserID:       reg.Account.ID,
		Username:     reg.Account.Handle,
		Email:        reg.Account.Email,
		DisplayName:  reg.Account.DisplayName,
		APIKey:       reg.APIKey,
		Roles:        reg.Roles,
		APIKeyScopes: reg.KeyScopes,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type sessionResponse struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	acc, pair, err := a.deps.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		event := "auth.login.failed"
		if errors.Is(err, auth.ErrAccountLocked) {
			event = "auth.login.locked"
		}
		if errors.Is(err, auth.ErrUnauthenticated) {
			_ = audit.LogEvent(r.Context(), event, map[string]any{
				"username":  req.Username,
				"remote_ip": clientIP(r),
			})
		}
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{
		"user_id":   acc.ID,
		"remote_ip": clientIP(r),
	})
	a.writeSession(w, acc, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var raw string
	if c, err := r.Cookie(refreshCookie); err == nil {
		raw = c.Value
	}
	if raw == "" && r.ContentLength != 0 {
		var req refreshRequest
		if err := decodeJSON(r, &req); err != nil {
			writeDecodeError(w, r, err)
			return
		}
		raw = req.RefreshToken
	}
	if raw == "" {
		writeServiceError(w, r, auth.ErrCredentialMissing)
		return
	}
	acc, pair, err := a.deps.Auth.Refresh(r.Context(), raw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	a.writeSession(w, acc, pair)
}

// writeSession sets the session cookies and echoes the access token for non-browser clients.
func (a *API) writeSession(w http.ResponseWriter, acc auth.Account, pair token.Pair) {
	now := time.Now()
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookie,
		Value:    pair.Access,
		Path:     "/",
		Expires:  pair.AccessExpiresAt,
		MaxAge:   int(pair.AccessExpiresAt.Sub(now).Seconds()),
		HttpOnly: true,
		Secure:   a.deps.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    pair.Refresh,
		Path:     refreshPath,
		Expires:  pair.RefreshExpiresAt,
		MaxAge:   int(pair.RefreshExpiresAt.Sub(now).Seconds()),
		HttpOnly: true,
		Secure:   a.deps.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:      acc.ID,
		Username:    acc.Handle,
		AccessToken: pair.Access,
		TokenType:   "bearer",
		ExpiresAt:   pair.AccessExpiresAt,
	})
}

type createKeyRequest struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type createKeyResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	APIKey    string     `json:"api_key"`
	KeyPrefix string     `json:"key_prefix"`
	Scopes    []string   `json:"scopes"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
}

type keyInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (a *API) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	cred, plaintext, err := a.deps.Auth.CreateAPIKey(r.Context(), principalFrom(r.Context()), auth.NewKey{
		Name:      req.Name,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		var scopeErr *auth.ScopeError
		if errors.As(err, &scopeErr) {
			writeError(w, r, http.StatusForbidden, codeForbidden,
				"cannot grant scopes you don't have: "+strings.Join(scopeErr.Missing, ", "),
				map[string]any{"missing_scopes": scopeErr.Missing})
			return
		}
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.api_key.created", map[string]any{
		"key_id":     cred.ID,
		"key_prefix": cred.Prefix,
		"scopes":     cred.Scopes,
	})
	writeJSON(w, http.StatusCreated, createKeyResponse{
		ID:        cred.ID,
		Name:      cred.Name,
		APIKey:    plaintext,
		KeyPrefix: cred.Prefix,
		Scopes:    cred.Scopes,
		CreatedAt: cred.CreatedAt,
		ExpiresAt: cred.ExpiresAt,
	})
}

func (a *API) handleListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := a.deps.Auth.ListAPIKeys(r.Context(), principalFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items := make([]keyInfo, 0, len(creds))
	for _, c := range creds {
		items = append(items, keyInfo{
			ID:         c.ID,
			Name:       c.Name,
			KeyPrefix:  c.Prefix,
			Scopes:     c.Scopes,
			CreatedAt:  c.CreatedAt,
			LastUsedAt: c.LastUsedAt,
			ExpiresAt:  c.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.deps.Auth.RevokeAPIKey(r.Context(), principalFrom(r.Context()), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.api_key.revoked", map[string]any{"key_id": id})
	w.WriteHeader(http.StatusNoContent)
}
