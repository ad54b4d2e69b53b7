package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"thirdspace.org/internal/auth"
	"thirdspace.org/internal/idempotency"
	"thirdspace.org/internal/library"
	"thirdspace.org/internal/obs"
)

const (
	codeBadRequest            = "BAD_REQUEST"
	codeUnauthorized          = "UNAUTHORIZED"
	codeAccountLocked         = "ACCOUNT_LOCKED"
	codeForbidden             = "FORBIDDEN"
	codeNotFound              = "NOT_FOUND"
	codeConflict              = "CONFLICT"
	codeValidation            = "VALIDATION_ERROR"
	codePreconditionRequired  = "PRECONDITION_REQUIRED"
	codeVersionMismatch       = "VERSION_MISMATCH"
	codeIdempotencyConflict   = "IDEMPOTENCY_CONFLICT"
	codeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	codePayloadTooLarge       = "PAYLOAD_TOO_LARGE"
	codeRateLimited           = "RATE_LIMITED"
	codeInternal              = "INTERNAL_ERROR"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string, details map[string]any) {
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:      code,
		Message:   msg,
		Details:   details,
		RequestID: RequestIDFromContext(r.Context()),
	}})
}

// writeServiceError maps domain errors onto HTTP statuses and error codes.
// Every authentication failure kind collapses to one 401 UNAUTHORIZED except a
// locked account, which only the login path can produce.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		scopeErr    *auth.ScopeError
		conflictErr *library.VersionConflictError
		maxBytesErr *http.MaxBytesError
	)
	switch {
	case errors.Is(err, auth.ErrAccountLocked):
		writeError(w, r, http.StatusUnauthorized, codeAccountLocked,
			"account is temporarily locked due to too many failed login attempts", nil)
	case errors.Is(err, auth.ErrInvalidPassword):
		writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid username or password", nil)
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", `Bearer realm="third-space"`)
		writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid or missing credentials", nil)
	case errors.As(err, &scopeErr):
		writeError(w, r, http.StatusForbidden, codeForbidden, "insufficient scope",
			map[string]any{"missing_scopes": scopeErr.Missing})
	case errors.Is(err, auth.ErrInsufficientScope), errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, codeForbidden, "forbidden", nil)
	case errors.Is(err, library.ErrForbidden):
		writeError(w, r, http.StatusForbidden, codeForbidden, "you can only modify your own articles", nil)
	case errors.As(err, &conflictErr):
		writeError(w, r, http.StatusConflict, codeVersionMismatch, conflictErr.Error(), map[string]any{
			"expected_version": conflictErr.Expected,
			"current_version":  conflictErr.Current,
		})
	case errors.Is(err, library.ErrVersionConflict):
		writeError(w, r, http.StatusConflict, codeVersionMismatch, "version mismatch", nil)
	case errors.Is(err, library.ErrPreconditionRequired):
		writeError(w, r, http.StatusPreconditionRequired, codePreconditionRequired, "If-Match header required for updates", nil)
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, library.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found", nil)
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, codeConflict, "username or email already exists", nil)
	case errors.Is(err, library.ErrSlugTaken):
		writeError(w, r, http.StatusConflict, codeConflict, "an article with this slug already exists", nil)
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, library.ErrInvalidInput):
		writeError(w, r, http.StatusUnprocessableEntity, codeValidation, validationMessage(err), nil)
	case errors.Is(err, idempotency.ErrKeyConflict):
		writeError(w, r, http.StatusConflict, codeIdempotencyConflict, "idempotency key reused with different request", nil)
	case errors.Is(err, idempotency.ErrInProgress):
		writeError(w, r, http.StatusConflict, codeIdempotencyInProgress, "request with this idempotency key is currently processing", nil)
	case errors.Is(err, idempotency.ErrInvalidKey):
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "Idempotency-Key must be 1-255 characters", nil)
	case errors.As(err, &maxBytesErr):
		writeError(w, r, http.StatusRequestEntityTooLarge, codePayloadTooLarge, "request body too large", nil)
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("unhandled service error")
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error", nil)
	}
}

func validationMessage(err error) string {
	msg := err.Error()
	const marker = "invalid input: "
	if i := strings.LastIndex(msg, marker); i >= 0 {
		return msg[i+len(marker):]
	}
	return msg
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeDecodeError reports a body that could not be decoded.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeServiceError(w, r, err)
		return
	}
	writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error(), nil)
}
