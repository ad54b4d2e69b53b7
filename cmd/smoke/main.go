// Command smoke runs an end-to-end check against a live API: signup, an
// idempotent create, a versioned edit and a stale edit that must be rejected.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"thirdspace.org/internal/ids"
	"thirdspace.org/internal/obs"
)

type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func (c *client) call(method, path string, body any, headers map[string]string, out any) (int, http.Header, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, payload)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, resp.Header, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, resp.Header, nil
}

type article struct {
	ID             string `json:"id"`
	Slug           string `json:"slug"`
	CurrentVersion int    `json:"current_version"`
}

func main() {
	log := obs.Logger()
	base := os.Getenv("THIRDSPACE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	fail := func(step string, err error) {
		log.WithError(err).WithField("step", step).Fatal("smoke test failed")
	}
	expect := func(step string, got, want int, err error) {
		if err != nil {
			fail(step, err)
		}
		if got != want {
			fail(step, fmt.Errorf("status %d, want %d", got, want))
		}
	}

	handle := "smoke_" + strings.ToLower(ids.New()[16:])
	var reg struct {
		APIKey string `json:"api_key"`
	}
	status, _, err := c.call(http.MethodPost, "/api/v1/auth/register", map[string]string{
		"username": handle,
		"email":    handle + "@smoke.test",
		"password": "Smoke-Test-Passw0rd",
	}, nil, &reg)
	expect("register", status, http.StatusCreated, err)
	c.apiKey = reg.APIKey

	idem := map[string]string{"Idempotency-Key": "smoke-" + handle}
	body := map[string]string{"title": "Smoke " + handle, "content_md": "first"}
	var created, replayed article
	status, _, err = c.call(http.MethodPost, "/api/v1/library/articles", body, idem, &created)
	expect("create", status, http.StatusCreated, err)
	status, hdr, err := c.call(http.MethodPost, "/api/v1/library/articles", body, idem, &replayed)
	expect("replay", status, http.StatusCreated, err)
	if hdr.Get("Idempotent-Replayed") != "true" || replayed.ID != created.ID {
		fail("replay", fmt.Errorf("create was not replayed"))
	}

	path := "/api/v1/library/articles/" + created.Slug
	var updated article
	status, _, err = c.call(http.MethodPatch, path, map[string]string{"content_md": "second"},
		map[string]string{"If-Match": "1"}, &updated)
	expect("update", status, http.StatusOK, err)
	if updated.CurrentVersion != 2 {
		fail("update", fmt.Errorf("version %d after edit", updated.CurrentVersion))
	}
	status, _, err = c.call(http.MethodPatch, path, map[string]string{"content_md": "stale"},
		map[string]string{"If-Match": "1"}, nil)
	expect("stale update", status, http.StatusConflict, err)

	status, _, err = c.call(http.MethodDelete, path, nil, nil, nil)
	if err == nil && status != http.StatusNoContent && status != http.StatusForbidden {
		err = fmt.Errorf("status %d", status)
	}
	if err != nil {
		fail("cleanup", err)
	}

	fmt.Printf("smoke test passed: user=%s article=%s\n", handle, created.Slug)
}
