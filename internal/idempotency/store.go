package idempotency

import (
	"context"
	"time"
)

// ResolveFunc inspects the locked record and may replace it in place. When write is
// true the store persists *rec before releasing the lock.
type ResolveFunc func(rec *Record) (write bool, err error)

// Store persists idempotency records. Implementations must enforce uniqueness of
// (key, caller) so that concurrent inserts cannot both succeed.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	// Resolve reads the record under an exclusive row lock and runs fn.
	Resolve(ctx context.Context, key, callerID string, fn ResolveFunc) error
	Complete(ctx context.Context, key, callerID string, status int, body []byte, at time.Time) error
	Fail(ctx context.Context, key, callerID string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
