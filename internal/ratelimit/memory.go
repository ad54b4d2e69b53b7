package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const defaultMaxKeys = 10000

// Memory is a per-process token bucket limiter. Buckets live in an expiring LRU so
// idle keys are forgotten once their bucket would have refilled.
type Memory struct {
	policy  Policy
	mu      sync.Mutex
	buckets *lru.LRU[string, *rate.Limiter]
	now     func() time.Time
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory builds a limiter tracking at most maxKeys keys (10000 when zero).
func NewMemory(p Policy, maxKeys int, opts ...MemoryOption) *Memory {
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}
	m := &Memory{
		policy:  p,
		buckets: lru.NewLRU[string, *rate.Limiter](maxKeys, nil, p.Window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) bucket(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.buckets.Get(key); ok {
		return lim
	}
	every := m.policy.Window / time.Duration(m.policy.Limit)
	lim := rate.NewLimiter(rate.Every(every), m.policy.Limit)
	m.buckets.Add(key, lim)
	return lim
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	lim := m.bucket(key)
	now := m.now()
	d := Decision{Limit: m.policy.Limit}

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		d.RetryAfter = m.policy.Window
		return d, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		d.RetryAfter = delay
		return d, nil
	}
	d.Allowed = true
	if remaining := int(lim.TokensAt(now)); remaining > 0 {
		d.Remaining = remaining
	}
	return d, nil
}
