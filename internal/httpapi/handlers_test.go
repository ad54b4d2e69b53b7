package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"thirdspace.org/internal/async"
	"thirdspace.org/internal/auth"
	"thirdspace.org/internal/credential"
	"thirdspace.org/internal/idempotency"
	"thirdspace.org/internal/library"
	"thirdspace.org/internal/ratelimit"
	"thirdspace.org/internal/store/memory"
	"thirdspace.org/internal/token"
)

const testPassword = "Correct-Horse-1"

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	t       *testing.T
}

func newTestAPI(t *testing.T, limits Limits) *apiClient {
	t.Helper()

	store := memory.New()
	keys, err := credential.NewHMACKeyHasher("test-api-key-secret")
	if err != nil {
		t.Fatalf("NewHMACKeyHasher: %v", err)
	}
	tokens, err := token.NewIssuer("test-jwt-secret")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	dispatcher := async.NewDispatcher(2, 16, time.Second)
	t.Cleanup(func() { _ = dispatcher.Close(context.Background()) })

	gate, err := auth.NewGate(store, keys, dispatcher, auth.WithSessionTokens(tokens))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	svc, err := auth.NewService(store, credential.NewBcrypt(4), keys, tokens)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	api := New(Deps{
		Auth:        svc,
		Gate:        gate,
		Library:     library.NewService(store),
		Idempotency: idempotency.NewController(store.Idempotency()),
		Limits:      limits,
		Ready:       ReadyProbe{Store: store},
		Version:     "test",
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("%s %s: status %d, want %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, resp *http.Response, status int, code string) errorEnvelope {
	t.Helper()
	expectStatus(t, resp, status)
	env := decode[errorEnvelope](t, resp)
	if env.Error.Code != code {
		t.Fatalf("error code %q, want %q (%s)", env.Error.Code, code, env.Error.Message)
	}
	return env
}

func (c *apiClient) register(handle string) registerResponse {
	c.t.Helper()
	resp := c.post("/api/v1/auth/register", map[string]string{
		"username": handle,
		"email":    handle + "@example.com",
		"password": testPassword,
	}, nil)
	expectStatus(c.t, resp, http.StatusCreated)
	return decode[registerResponse](c.t, resp)
}

func keyHeader(key string) map[string]string { return map[string]string{apiKeyHeader: key} }

func TestHealthAndReady(t *testing.T) {
	c := newTestAPI(t, Limits{})
	for _, path := range []string{"/healthz", "/readyz", "/api/v1/info"} {
		resp := c.get(path, nil, nil)
		expectStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
	resp := c.get("/nope", nil, nil)
	expectError(t, resp, http.StatusNotFound, codeNotFound)
}

func TestUnauthenticatedRequestsGet401(t *testing.T) {
	c := newTestAPI(t, Limits{})
	cases := []map[string]string{
		nil,
		{apiKeyHeader: "ts_live_nope"},
		{authHeader: "Basic Zm9vOmJhcg=="},
		{authHeader: "Bearer not-a-jwt"},
	}
	for _, h := range cases {
		resp := c.get("/api/v1/library/articles", nil, h)
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Fatalf("%v: missing WWW-Authenticate", h)
		}
		expectError(t, resp, http.StatusUnauthorized, codeUnauthorized)
	}
}

func TestRegisterLoginAndKeyLifecycle(t *testing.T) {
	c := newTestAPI(t, Limits{})
	reg := c.register("alice")
	if !strings.HasPrefix(reg.APIKey, credential.KeyPrefix) {
		t.Fatalf("unexpected api key %q", reg.APIKey)
	}
	if len(reg.Roles) == 0 || len(reg.APIKeyScopes) != len(reg.Roles) {
		t.Fatalf("roles %v, key scopes %v", reg.Roles, reg.APIKeyScopes)
	}

	resp := c.post("/api/v1/auth/register", map[string]string{
		"username": "alice", "email": "other@example.com", "password": testPassword,
	}, nil)
	expectError(t, resp, http.StatusConflict, codeConflict)

	resp = c.post("/api/v1/auth/register", map[string]string{
		"username": "bob", "email": "bob@example.com", "password": "weak",
	}, nil)
	expectError(t, resp, http.StatusUnprocessableEntity, codeValidation)

	resp = c.post("/api/v1/auth/api-keys", map[string]any{
		"name": "reader", "scopes": []string{auth.ScopeLibraryRead},
	}, keyHeader(reg.APIKey))
	expectStatus(t, resp, http.StatusCreated)
	created := decode[createKeyResponse](t, resp)
	if len(created.Scopes) != 1 || created.Scopes[0] != auth.ScopeLibraryRead {
		t.Fatalf("created scopes %v", created.Scopes)
	}

	resp = c.post("/api/v1/auth/api-keys", map[string]any{
		"name": "greedy", "scopes": []string{auth.RoleAdmin},
	}, keyHeader(reg.APIKey))
	env := expectError(t, resp, http.StatusForbidden, codeForbidden)
	if !strings.Contains(env.Error.Message, auth.RoleAdmin) {
		t.Fatalf("message should name the missing scope: %q", env.Error.Message)
	}

	resp = c.post("/api/v1/auth/login", map[string]string{"username": "alice", "password": testPassword}, nil)
	expectStatus(t, resp, http.StatusOK)
	var access *http.Cookie
	for _, ck := range resp.Cookies() {
		if ck.Name == accessCookie {
			access = ck
		}
		if ck.Name == refreshCookie && ck.Path != refreshPath {
			t.Fatalf("refresh cookie path %q", ck.Path)
		}
	}
	if access == nil || !access.HttpOnly || access.SameSite != http.SameSiteStrictMode {
		t.Fatalf("access cookie not hardened: %+v", access)
	}
	session := decode[sessionResponse](t, resp)
	if session.Username != "alice" || session.AccessToken == "" {
		t.Fatalf("unexpected session %+v", session)
	}

	resp = c.get("/api/v1/auth/api-keys", nil, map[string]string{"Cookie": accessCookie + "=" + access.Value})
	expectStatus(t, resp, http.StatusOK)
	list := decode[struct {
		Items []keyInfo `json:"items"`
	}](t, resp)
	if len(list.Items) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(list.Items))
	}

	resp = c.do(http.MethodDelete, "/api/v1/auth/api-keys/"+created.ID, nil,
		map[string]string{authHeader: bearer + session.AccessToken})
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.get("/api/v1/library/articles", nil, keyHeader(created.APIKey))
	expectError(t, resp, http.StatusUnauthorized, codeUnauthorized)

	resp = c.do(http.MethodDelete, "/api/v1/auth/api-keys/"+created.ID, nil, keyHeader(reg.APIKey))
	expectError(t, resp, http.StatusNotFound, codeNotFound)
}

func TestRefreshFromBody(t *testing.T) {
	c := newTestAPI(t, Limits{})
	c.register("alice")

	resp := c.post("/api/v1/auth/login", map[string]string{"username": "alice", "password": testPassword}, nil)
	expectStatus(t, resp, http.StatusOK)
	var refresh string
	for _, ck := range resp.Cookies() {
		if ck.Name == refreshCookie {
			refresh = ck.Value
		}
	}
	resp.Body.Close()

	resp = c.post("/api/v1/auth/refresh", map[string]string{"refresh_token": refresh}, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.post("/api/v1/auth/refresh", map[string]string{"refresh_token": "garbage"}, nil)
	expectError(t, resp, http.StatusUnauthorized, codeUnauthorized)
}

func TestLoginLockoutOverHTTP(t *testing.T) {
	c := newTestAPI(t, Limits{})
	c.register("alice")

	for i := 0; i < auth.LockoutThreshold; i++ {
		resp := c.post("/api/v1/auth/login", map[string]string{"username": "alice", "password": "Wrong-Horse-1"}, nil)
		expectError(t, resp, http.StatusUnauthorized, codeUnauthorized)
	}
	resp := c.post("/api/v1/auth/login", map[string]string{"username": "alice", "password": testPassword}, nil)
	expectError(t, resp, http.StatusUnauthorized, codeAccountLocked)
}

func TestRegisterRateLimited(t *testing.T) {
	c := newTestAPI(t, Limits{Register: ratelimit.NewMemory(ratelimit.Policy{Limit: 2, Window: time.Hour}, 0)})
	c.register("alice")
	c.register("bobby")

	resp := c.post("/api/v1/auth/register", map[string]string{
		"username": "carol", "email": "carol@example.com", "password": testPassword,
	}, nil)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	expectError(t, resp, http.StatusTooManyRequests, codeRateLimited)
}

func createArticle(t *testing.T, c *apiClient, key, title, content string) articleResponse {
	t.Helper()
	resp := c.post("/api/v1/library/articles", map[string]string{"title": title, "content_md": content}, keyHeader(key))
	expectStatus(t, resp, http.StatusCreated)
	return decode[articleResponse](t, resp)
}

func TestArticleUpdateRequiresCurrentVersion(t *testing.T) {
	c := newTestAPI(t, Limits{})
	alice := c.register("alice")
	art := createArticle(t, c, alice.APIKey, "Hello World", "first draft")
	if art.Slug != "hello-world" || art.CurrentVersion != 1 {
		t.Fatalf("unexpected article %+v", art)
	}
	path := "/api/v1/library/articles/" + art.Slug
	patch := map[string]string{"content_md": "second draft", "edit_summary": "rewrite"}

	resp := c.do(http.MethodPatch, path, patch, keyHeader(alice.APIKey))
	expectError(t, resp, http.StatusPreconditionRequired, codePreconditionRequired)

	resp = c.do(http.MethodPatch, path, patch, map[string]string{apiKeyHeader: alice.APIKey, "If-Match": "one"})
	expectError(t, resp, http.StatusBadRequest, codeBadRequest)

	resp = c.do(http.MethodPatch, path, patch, map[string]string{apiKeyHeader: alice.APIKey, "If-Match": `"1"`})
	expectStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("ETag"); got != `"2"` {
		t.Fatalf("ETag %q", got)
	}
	updated := decode[articleResponse](t, resp)
	if updated.CurrentVersion != 2 || updated.ContentMD != "second draft" {
		t.Fatalf("unexpected update %+v", updated)
	}

	resp = c.do(http.MethodPatch, path, patch, map[string]string{apiKeyHeader: alice.APIKey, "If-Match": "1"})
	env := expectError(t, resp, http.StatusConflict, codeVersionMismatch)
	if env.Error.Details["expected_version"] != float64(1) || env.Error.Details["current_version"] != float64(2) {
		t.Fatalf("conflict details %v", env.Error.Details)
	}

	bob := c.register("bobby")
	resp = c.do(http.MethodPatch, path, patch, map[string]string{apiKeyHeader: bob.APIKey, "If-Match": "2"})
	expectError(t, resp, http.StatusForbidden, codeForbidden)

	resp = c.get(path+"/revisions", nil, keyHeader(bob.APIKey))
	expectStatus(t, resp, http.StatusOK)
	revs := decode[struct {
		Items          []revisionListItem `json:"items"`
		ArticleSlug    string             `json:"article_slug"`
		CurrentVersion int                `json:"current_version"`
	}](t, resp)
	if len(revs.Items) != 1 || revs.Items[0].Version != 1 || revs.CurrentVersion != 2 {
		t.Fatalf("unexpected revisions %+v", revs)
	}

	resp = c.get(path+"/revisions/1", nil, keyHeader(bob.APIKey))
	expectStatus(t, resp, http.StatusOK)
	if rev := decode[revisionResponse](t, resp); rev.ContentMD != "first draft" || rev.EditSummary != "rewrite" {
		t.Fatalf("unexpected revision %+v", rev)
	}

	resp = c.get(path+"/revisions/9", nil, keyHeader(bob.APIKey))
	expectError(t, resp, http.StatusNotFound, codeNotFound)

	resp = c.do(http.MethodDelete, path, nil, keyHeader(bob.APIKey))
	expectError(t, resp, http.StatusForbidden, codeForbidden)
}

func TestIdempotentCreateReplays(t *testing.T) {
	c := newTestAPI(t, Limits{})
	alice := c.register("alice")
	headers := map[string]string{apiKeyHeader: alice.APIKey, idempotencyKeyHeader: "create-1"}
	body := map[string]string{"title": "Once Only", "content_md": "body"}

	resp := c.post("/api/v1/library/articles", body, headers)
	expectStatus(t, resp, http.StatusCreated)
	first := decode[articleResponse](t, resp)

	resp = c.post("/api/v1/library/articles", body, headers)
	expectStatus(t, resp, http.StatusCreated)
	if resp.Header.Get(replayedHeader) != "true" {
		t.Fatal("expected replayed response")
	}
	if second := decode[articleResponse](t, resp); second.ID != first.ID {
		t.Fatalf("replay returned a different article: %s vs %s", second.ID, first.ID)
	}

	resp = c.get("/api/v1/library/articles", nil, keyHeader(alice.APIKey))
	expectStatus(t, resp, http.StatusOK)
	listed := decode[listArticlesResponse](t, resp)
	onceOnly := 0
	for _, item := range listed.Items {
		if item.Title == "Once Only" {
			onceOnly++
		}
	}
	if onceOnly != 1 || len(listed.Items) != 1 {
		t.Fatalf("replay must not create another article: %d matching of %d", onceOnly, len(listed.Items))
	}

	resp = c.post("/api/v1/library/articles", map[string]string{"title": "Other", "content_md": "x"}, headers)
	expectError(t, resp, http.StatusConflict, codeIdempotencyConflict)

	// The key space is per caller.
	bob := c.register("bobby")
	resp = c.post("/api/v1/library/articles", map[string]string{"title": "Bob Post", "content_md": "b"},
		map[string]string{apiKeyHeader: bob.APIKey, idempotencyKeyHeader: "create-1"})
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = c.post("/api/v1/library/articles", body,
		map[string]string{apiKeyHeader: alice.APIKey, idempotencyKeyHeader: strings.Repeat("k", 256)})
	expectError(t, resp, http.StatusBadRequest, codeBadRequest)
}

func TestIdempotentUpdateRetriesAfterVersionConflict(t *testing.T) {
	c := newTestAPI(t, Limits{})
	alice := c.register("alice")
	art := createArticle(t, c, alice.APIKey, "Retry Me", "v1")
	path := "/api/v1/library/articles/" + art.Slug
	patch := map[string]string{"content_md": "v2"}

	resp := c.do(http.MethodPatch, path, patch, map[string]string{apiKeyHeader: alice.APIKey, idempotencyKeyHeader: "edit-1"})
	expectError(t, resp, http.StatusPreconditionRequired, codePreconditionRequired)

	resp = c.do(http.MethodPatch, path, patch,
		map[string]string{apiKeyHeader: alice.APIKey, idempotencyKeyHeader: "edit-1", "If-Match": "7"})
	if resp.Header.Get(replayedHeader) != "" {
		t.Fatal("precondition failure must not be replayed")
	}
	expectError(t, resp, http.StatusConflict, codeVersionMismatch)

	headers := map[string]string{apiKeyHeader: alice.APIKey, idempotencyKeyHeader: "edit-1", "If-Match": "1"}
	resp = c.do(http.MethodPatch, path, patch, headers)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get(replayedHeader) != "" {
		t.Fatal("corrected retry must execute, not replay")
	}
	if got := decode[articleResponse](t, resp); got.CurrentVersion != 2 {
		t.Fatalf("unexpected version %d", got.CurrentVersion)
	}

	resp = c.do(http.MethodPatch, path, patch, headers)
	expectStatus(t, resp, http.StatusOK)
	if resp.Header.Get(replayedHeader) != "true" {
		t.Fatal("successful update must replay")
	}
	if got := decode[articleResponse](t, resp); got.CurrentVersion != 2 {
		t.Fatalf("replay applied the update twice: version %d", got.CurrentVersion)
	}
}

func TestSearchAndBatchReadOverHTTP(t *testing.T) {
	c := newTestAPI(t, Limits{})
	alice := c.register("alice")
	createArticle(t, c, alice.APIKey, "Go Concurrency", strings.Repeat("channels ", 40))
	createArticle(t, c, alice.APIKey, "Rust Ownership", "borrow checker")

	resp := c.get("/api/v1/library/search", url.Values{"q": {"concurrency"}}, keyHeader(alice.APIKey))
	expectStatus(t, resp, http.StatusOK)
	found := decode[struct {
		Items      []searchItem `json:"items"`
		TotalCount int          `json:"total_count"`
	}](t, resp)
	if found.TotalCount != 1 || found.Items[0].Slug != "go-concurrency" {
		t.Fatalf("unexpected search result %+v", found)
	}
	if !strings.HasSuffix(found.Items[0].Snippet, "...") || len(found.Items[0].Snippet) != snippetLen+3 {
		t.Fatalf("unexpected snippet %q", found.Items[0].Snippet)
	}

	resp = c.get("/api/v1/library/search", nil, keyHeader(alice.APIKey))
	expectError(t, resp, http.StatusUnprocessableEntity, codeValidation)

	resp = c.post("/api/v1/library/articles/batch-read",
		map[string]any{"slugs": []string{"rust-ownership", "missing-one", "go-concurrency"}}, keyHeader(alice.APIKey))
	expectStatus(t, resp, http.StatusOK)
	batch := decode[struct {
		Items   []articleResponse `json:"items"`
		Missing []string          `json:"missing"`
	}](t, resp)
	if len(batch.Items) != 2 || batch.Items[0].Slug != "rust-ownership" || len(batch.Missing) != 1 {
		t.Fatalf("unexpected batch %+v", batch)
	}

	resp = c.get("/api/v1/library/articles", url.Values{"limit": {"1"}}, keyHeader(alice.APIKey))
	expectStatus(t, resp, http.StatusOK)
	page := decode[listArticlesResponse](t, resp)
	if len(page.Items) != 1 || !page.HasMore || page.NextCursor == nil {
		t.Fatalf("unexpected page %+v", page)
	}

	resp = c.get("/api/v1/library/articles", url.Values{"limit": {"500"}}, keyHeader(alice.APIKey))
	expectError(t, resp, http.StatusUnprocessableEntity, codeValidation)
}

func TestAdminEndpoints(t *testing.T) {
	c := newTestAPI(t, Limits{})
	root := c.register("rootadmin")
	bob := c.register("bobby")

	resp := c.post("/api/v1/admin/users/bobby/revoke-keys", nil, keyHeader(root.APIKey))
	expectError(t, resp, http.StatusForbidden, codeForbidden)

	grants := []auth.RoleGrant{{AccountID: root.UserID, Role: auth.RoleAdmin, GrantedAt: time.Now()}}
	if err := c.store.ReplaceRoles(context.Background(), root.UserID, grants); err != nil {
		t.Fatalf("ReplaceRoles: %v", err)
	}

	resp = c.do(http.MethodPatch, "/api/v1/admin/users/bobby/roles",
		map[string]any{"roles": []string{auth.ScopeLibraryRead, auth.ScopeLibraryDelete}}, keyHeader(root.APIKey))
	expectStatus(t, resp, http.StatusOK)
	roles := decode[replaceRolesResponse](t, resp)
	if roles.UserID != bob.UserID || len(roles.Roles) != 2 {
		t.Fatalf("unexpected roles response %+v", roles)
	}

	resp = c.do(http.MethodPatch, "/api/v1/admin/users/bobby/roles",
		map[string]any{"roles": []string{"superuser"}}, keyHeader(root.APIKey))
	expectError(t, resp, http.StatusUnprocessableEntity, codeValidation)

	resp = c.do(http.MethodPatch, "/api/v1/admin/users/nobody/roles",
		map[string]any{"roles": []string{auth.ScopeLibraryRead}}, keyHeader(root.APIKey))
	expectError(t, resp, http.StatusNotFound, codeNotFound)

	resp = c.post("/api/v1/admin/users/bobby/revoke-keys", nil, keyHeader(root.APIKey))
	expectStatus(t, resp, http.StatusOK)
	out := decode[struct {
		Username     string `json:"username"`
		RevokedCount int    `json:"revoked_count"`
	}](t, resp)
	if out.Username != "bobby" || out.RevokedCount != 1 {
		t.Fatalf("unexpected revoke response %+v", out)
	}

	resp = c.get("/api/v1/library/articles", nil, keyHeader(bob.APIKey))
	expectError(t, resp, http.StatusUnauthorized, codeUnauthorized)
}
