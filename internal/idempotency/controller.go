package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"thirdspace.org/internal/obs"
)

const (
	// Retention is how long a record protects its key.
	Retention = 24 * time.Hour
	// MaxKeyLen bounds client supplied keys.
	MaxKeyLen = 255
)

// Controller implements the acquire/complete/fail lifecycle.
type Controller struct {
	store     Store
	now       func() time.Time
	retention time.Duration
	log       logrus.FieldLogger
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

func NewController(store Store, opts ...Option) *Controller {
	c := &Controller{store: store, now: time.Now, retention: Retention, log: obs.Logger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HashBody fingerprints a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ValidKey reports whether key is acceptable as an idempotency key.
func ValidKey(key string) bool {
	return key != "" && len(key) <= MaxKeyLen && strings.TrimSpace(key) == key
}

// Acquire claims req.Key for req.CallerID. Proceed means the caller must run the
// operation and then call Complete or Fail; Cached means the operation already ran.
func (c *Controller) Acquire(ctx context.Context, req Request) (Outcome, error) {
	out, err := c.acquire(ctx, req)
	obs.ObserveIdempotency(acquireOutcome(out, err))
	return out, err
}

func (c *Controller) acquire(ctx context.Context, req Request) (Outcome, error) {
	if !ValidKey(req.Key) || req.CallerID == "" {
		return Outcome{}, ErrInvalidKey
	}
	now := c.now().UTC()
	fresh := freshRecord(req, now)

	err := c.store.Insert(ctx, fresh)
	if err == nil {
		return Outcome{Proceed: true}, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return Outcome{}, fmt.Errorf("idempotency: insert: %w", err)
	}

	var out Outcome
	err = c.store.Resolve(ctx, req.Key, req.CallerID, func(rec *Record) (bool, error) {
		o, replacement, derr := decide(*rec, req, now, c.retention)
		if derr != nil {
			return false, derr
		}
		out = o
		if replacement != nil {
			*rec = *replacement
			return true, nil
		}
		return false, nil
	})
	if errors.Is(err, ErrNotFound) {
		// Swept between the insert and the lock; one more claim attempt.
		if ierr := c.store.Insert(ctx, fresh); ierr == nil {
			return Outcome{Proceed: true}, nil
		}
		return Outcome{}, ErrInProgress
	}
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// decide maps an existing record and an incoming request to an outcome. A non-nil
// replacement must be written before the lock is released.
func decide(rec Record, req Request, now time.Time, retention time.Duration) (Outcome, *Record, error) {
	if rec.CreatedAt.Before(now.Add(-retention)) {
		fresh := freshRecord(req, now)
		return Outcome{Proceed: true}, &fresh, nil
	}
	if rec.Method != req.Method || rec.Path != req.Path || rec.RequestHash != req.BodyHash {
		return Outcome{}, nil, ErrKeyConflict
	}
	switch rec.Status {
	case StatusProcessing:
		return Outcome{}, nil, ErrInProgress
	case StatusCompleted:
		body := append([]byte(nil), rec.ResponseBody...)
		return Outcome{Cached: &Response{Status: rec.ResponseStatus, Body: body}}, nil, nil
	case StatusFailed:
		reset := rec
		reset.Status = StatusProcessing
		reset.CreatedAt = now
		reset.ResponseBody = nil
		reset.ResponseStatus = 0
		reset.CompletedAt = nil
		return Outcome{Proceed: true}, &reset, nil
	default:
		return Outcome{}, nil, fmt.Errorf("idempotency: unknown record status %q", rec.Status)
	}
}

func freshRecord(req Request, now time.Time) Record {
	return Record{
		Key:         req.Key,
		CallerID:    req.CallerID,
		Method:      req.Method,
		Path:        req.Path,
		RequestHash: req.BodyHash,
		Status:      StatusProcessing,
		CreatedAt:   now,
	}
}

// Complete stores the response of a finished operation for replay.
func (c *Controller) Complete(ctx context.Context, key, callerID string, status int, body []byte) error {
	if err := c.store.Complete(ctx, key, callerID, status, body, c.now().UTC()); err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	return nil
}

// Fail marks the operation as failed so a retry with the same key runs it again.
func (c *Controller) Fail(ctx context.Context, key, callerID string) error {
	if err := c.store.Fail(ctx, key, callerID); err != nil {
		return fmt.Errorf("idempotency: fail: %w", err)
	}
	return nil
}

func acquireOutcome(out Outcome, err error) string {
	switch {
	case errors.Is(err, ErrKeyConflict):
		return "conflict"
	case errors.Is(err, ErrInProgress):
		return "in_progress"
	case errors.Is(err, ErrInvalidKey):
		return "invalid"
	case err != nil:
		return "error"
	case out.Cached != nil:
		return "replayed"
	default:
		return "acquired"
	}
}
