// Package ratelimit enforces per-key request quotas for the public auth endpoints.
package ratelimit

import (
	"context"
	"time"
)

// Policy allows Limit events per Window for one key.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the verdict for one event.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether the event identified by key may proceed. Implementations
// that depend on remote state fail open: on error they return an allowing Decision
// together with the error.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}
