package memory

import (
	"context"
	"sync"
	"time"

	"thirdspace.org/internal/idempotency"
)

type idemKey struct {
	key    string
	caller string
}

// Idempotency keeps idempotency records in a map keyed by (key, caller).
type Idempotency struct {
	mu      sync.Mutex
	records map[idemKey]idempotency.Record
}

func NewIdempotency() *Idempotency {
	return &Idempotency{records: make(map[idemKey]idempotency.Record)}
}

func (s *Idempotency) Insert(_ context.Context, rec idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{rec.Key, rec.CallerID}
	if _, ok := s.records[k]; ok {
		return idempotency.ErrDuplicate
	}
	s.records[k] = rec
	return nil
}

func (s *Idempotency) Resolve(_ context.Context, key, callerID string, fn idempotency.ResolveFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{key, callerID}
	rec, ok := s.records[k]
	if !ok {
		return idempotency.ErrNotFound
	}
	write, err := fn(&rec)
	if err != nil {
		return err
	}
	if write {
		s.records[k] = rec
	}
	return nil
}

func (s *Idempotency) Complete(_ context.Context, key, callerID string, status int, body []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{key, callerID}
	rec, ok := s.records[k]
	if !ok {
		return idempotency.ErrNotFound
	}
	rec.Status = idempotency.StatusCompleted
	rec.ResponseStatus = status
	rec.ResponseBody = append([]byte(nil), body...)
	rec.CompletedAt = &at
	s.records[k] = rec
	return nil
}

func (s *Idempotency) Fail(_ context.Context, key, callerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{key, callerID}
	rec, ok := s.records[k]
	if !ok {
		return idempotency.ErrNotFound
	}
	rec.Status = idempotency.StatusFailed
	s.records[k] = rec
	return nil
}

func (s *Idempotency) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.records {
		if rec.CreatedAt.Before(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
