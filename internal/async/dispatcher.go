// Package async runs fire-and-forget background work on a bounded worker pool.
package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"thirdspace.org/internal/obs"
)

// ErrClosed is returned by Close when the dispatcher was already closed.
var ErrClosed = errors.New("async: dispatcher closed")

type task struct {
	name string
	fn   func(context.Context) error
}

// Dispatcher executes tasks on a fixed number of workers reading from a bounded queue.
// Tasks never inherit a request context; each runs under its own timeout.
type Dispatcher struct {
	timeout time.Duration
	log     logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	queue  chan task
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher starts workers goroutines draining a queue of the given capacity.
func NewDispatcher(workers, queue int, timeout time.Duration, opts ...Option) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers * 2
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		timeout: timeout,
		log:     obs.Logger(),
		queue:   make(chan task, queue),
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch enqueues fn without blocking. It reports false when the queue is full
// or the dispatcher is closed; the task is then dropped.
func (d *Dispatcher) Dispatch(name string, fn func(context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		obs.ObserveBackgroundTask(name, "dropped")
		return false
	}
	select {
	case d.queue <- task{name: name, fn: fn}:
		return true
	default:
		obs.ObserveBackgroundTask(name, "dropped")
		d.log.WithField("task", name).Debug("background queue full, task dropped")
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("async: drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for t := range d.queue {
		d.run(t)
	}
}

func (d *Dispatcher) run(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			obs.ObserveBackgroundTask(t.name, "panic")
			d.log.WithFields(logrus.Fields{
				"task":  t.name,
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("background task panicked")
		}
	}()
	if err := t.fn(ctx); err != nil {
		obs.ObserveBackgroundTask(t.name, "error")
		d.log.WithError(err).WithField("task", t.name).Debug("background task failed")
		return
	}
	obs.ObserveBackgroundTask(t.name, "ok")
}
