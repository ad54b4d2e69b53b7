package idempotency

import "errors"

var (
	// ErrKeyConflict means the key was reused for a different method, path or body.
	ErrKeyConflict = errors.New("idempotency: key reused with different request")
	// ErrInProgress means the original request holding the key has not finished.
	ErrInProgress = errors.New("idempotency: request in progress")
	ErrInvalidKey = errors.New("idempotency: invalid key")

	// ErrDuplicate is returned by Store.Insert when (key, caller) already exists.
	ErrDuplicate = errors.New("idempotency: duplicate record")
	ErrNotFound  = errors.New("idempotency: record not found")
)
