package gate

import (
	"context"
	"time"

	"github.com/chattyhq/chatty/internal/observability"
)

// Semaphore bounds concurrent model invocations across replicas. Waiters are
// event driven: instead of polling the counter they block on the backend's
// release notifications, bounded by the acquire budget.
type Semaphore struct {
	backend        Backend
	max            int
	acquireTimeout time.Duration
	metrics        *observability.Metrics
}

// NewSemaphore creates a semaphore with max slots and the given acquire
// budget. metrics may be nil.
func NewSemaphore(backend Backend, max int, acquireTimeout time.Duration, metrics *observability.Metrics) *Semaphore {
	return &Semaphore{
		backend:        backend,
		max:            max,
		acquireTimeout: acquireTimeout,
		metrics:        metrics,
	}
}

// Acquire claims a model slot, blocking until one frees up, the acquire
// budget elapses (ErrAcquireTimeout), or ctx is cancelled. The sequence is:
// one fast-path try, subscribe, one immediate re-try to close the race
// between the first try and the subscription, then wait-and-retry with a
// positive remaining-time deadline until the budget runs out. A cancelled or
// timed-out call never leaves the counter incremented.
func (s *Semaphore) Acquire(ctx context.Context) error {
	start := time.Now()
	deadline := start.Add(s.acquireTimeout)

	ok, err := s.backend.SlotTryAcquire(ctx, s.max)
	if err != nil {
		return err
	}
	if ok {
		s.record("acquired", start)
		return nil
	}

	notifier, err := s.backend.SlotNotifier(ctx)
	if err != nil {
		return err
	}
	defer notifier.Close()

	ok, err = s.backend.SlotTryAcquire(ctx, s.max)
	if err != nil {
		return err
	}
	if ok {
		s.record("acquired", start)
		return nil
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.record("timeout", start)
			return ErrAcquireTimeout
		}

		if _, err := notifier.Wait(ctx, remaining); err != nil {
			s.record("cancelled", start)
			return err
		}

		ok, err := s.backend.SlotTryAcquire(ctx, s.max)
		if err != nil {
			return err
		}
		if ok {
			s.record("acquired", start)
			return nil
		}
	}
}

// TryAcquire claims a slot without waiting. Background work such as the
// prewarm cron uses this so it never competes with real traffic for the
// wait queue.
func (s *Semaphore) TryAcquire(ctx context.Context) (bool, error) {
	return s.backend.SlotTryAcquire(ctx, s.max)
}

// Release frees the slot. It runs detached from the caller's cancellation so
// an aborted request cannot leak concurrency capacity.
func (s *Semaphore) Release(ctx context.Context) error {
	return s.backend.SlotRelease(context.WithoutCancel(ctx))
}

func (s *Semaphore) record(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordSlotWait(outcome, time.Since(start).Seconds())
	}
}
