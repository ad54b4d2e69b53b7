package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"thirdspace.org/internal/obs"
)

const sweepTimeout = 30 * time.Second

// Sweeper deletes records older than the retention window on a cron schedule.
// Expired records are also replaced lazily by Acquire, so sweeping only bounds storage.
type Sweeper struct {
	store     Store
	cron      *cron.Cron
	retention time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

type SweeperOption func(*Sweeper)

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSweeperRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewSweeper schedules Sweep according to schedule, e.g. "@every 1h" or "0 * * * *".
func NewSweeper(store Store, schedule string, opts ...SweeperOption) (*Sweeper, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, errors.New("idempotency: sweep schedule is required")
	}
	s := &Sweeper{
		store:     store,
		cron:      cron.New(),
		retention: Retention,
		now:       time.Now,
		log:       obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("idempotency: schedule sweeper: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running sweep or ctx, whichever ends first.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep deletes every record created before now minus the retention window.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("idempotency: sweep: %w", err)
	}
	return n, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := s.Sweep(ctx)
	if err != nil {
		obs.ObserveBackgroundTask("idempotency_sweep", "error")
		s.log.WithError(err).Warn("idempotency sweep failed")
		return
	}
	obs.ObserveBackgroundTask("idempotency_sweep", "ok")
	if n > 0 {
		s.log.WithField("deleted", n).Info("idempotency records swept")
	}
}
