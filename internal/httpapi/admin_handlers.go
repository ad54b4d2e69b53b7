package httpapi

import (
	"net/http"

	"thirdspace.org/internal/audit"
)

func (a *API) routeAdmin() {
	a.mux.Handle("PATCH /api/v1/admin/users/{username}/roles", a.withAuth(a.idempotent(http.HandlerFunc(a.handleReplaceRoles))))
	a.mux.Handle("POST /api/v1/admin/users/{username}/revoke-keys", a.withAuth(a.idempotent(http.HandlerFunc(a.handleRevokeUserKeys))))
}

type replaceRolesRequest struct {
	Roles []string `json:"roles"`
}

type replaceRolesResponse struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

func (a *API) handleReplaceRoles(w http.ResponseWriter, r *http.Request) {
	var req replaceRolesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	acc, roles, err := a.deps.Auth.ReplaceRoles(r.Context(), principalFrom(r.Context()), r.PathValue("username"), req.Roles)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	_ = audit.LogEvent(r.Context(), "admin.roles.replaced", map[string]any{
		"target_user_id": acc.ID,
		"roles":          roles,
	})
	writeJSON(w, http.StatusOK, replaceRolesResponse{UserID: acc.ID, Username: acc.Handle, Roles: roles})
}

func (a *API) handleRevokeUserKeys(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	n, err := a.deps.Auth.RevokeAllKeys(r.Context(), principalFrom(r.Context()), username)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.keys.revoked", map[string]any{
		"target_username": username,
		"revoked_count":   n,
	})
	writeJSON(w, http.StatusOK, map[string]any{"username": username, "revoked_count": n})
}
