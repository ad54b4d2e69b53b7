package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"thirdspace.org/internal/auth"
	"thirdspace.org/internal/idempotency"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
)

// captureWriter passes the response through while keeping a copy for the idempotency record.
type captureWriter struct {
	http.ResponseWriter
	code    int
	written bool
	body    bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if !w.written {
		w.code = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// idempotent makes a write safe to retry when the client sends Idempotency-Key.
// It must run after withAuth: records are scoped to the authenticated account.
// Other responses below 500 are stored and replayed. A 5xx, a 409, a 428 or a
// panic releases the key.
func (a *API) idempotent(next http.Handler) http.Handler {
	if a.deps.Idempotency == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyKeyHeader)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !idempotency.ValidKey(key) {
			writeServiceError(w, r, idempotency.ErrInvalidKey)
			return
		}
		callerID, ok := auth.AccountIDFromContext(r.Context())
		if !ok {
			writeServiceError(w, r, auth.ErrCredentialMissing)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeDecodeError(w, r, err)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctrl := a.deps.Idempotency
		out, err := ctrl.Acquire(r.Context(), idempotency.Request{
			Key:      key,
			CallerID: callerID,
			Method:   r.Method,
			Path:     r.URL.Path,
			BodyHash: idempotency.HashBody(body),
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if out.Cached != nil {
			replay(w, key, out.Cached)
			return
		}

		// Finishing the record must survive a client that hung up mid-request.
		bg := context.WithoutCancel(r.Context())
		cw := &captureWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			if rec := recover(); rec != nil {
				a.releaseKey(bg, key, callerID)
				panic(rec)
			}
		}()
		w.Header().Set(idempotencyKeyHeader, key)
		next.ServeHTTP(cw, r)

		if !recordable(cw.code) {
			a.releaseKey(bg, key, callerID)
			return
		}
		if err := ctrl.Complete(bg, key, callerID, cw.code, cw.body.Bytes()); err != nil {
			a.log.WithError(err).WithField("idempotency_key", key).Error("store idempotent response")
		}
	})
}

// recordable reports whether a response is stored against its key. Server errors
// and version precondition failures release the key so a retry with a corrected
// If-Match runs again.
func recordable(code int) bool {
	switch code {
	case http.StatusConflict, http.StatusPreconditionRequired, http.StatusPreconditionFailed:
		return false
	}
	return code < http.StatusInternalServerError
}

func (a *API) releaseKey(ctx context.Context, key, callerID string) {
	if err := a.deps.Idempotency.Fail(ctx, key, callerID); err != nil {
		a.log.WithError(err).WithField("idempotency_key", key).Error("release idempotency key")
	}
}

func replay(w http.ResponseWriter, key string, cached *idempotency.Response) {
	w.Header().Set(idempotencyKeyHeader, key)
	w.Header().Set(replayedHeader, "true")
	if len(cached.Body) > 0 && strings.HasPrefix(strings.TrimSpace(string(cached.Body)), "{") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(cached.Status)
	_, _ = w.Write(cached.Body)
}
