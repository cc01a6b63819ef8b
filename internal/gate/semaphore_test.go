package gate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSemaphoreFastPath(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), 2, time.Second, nil)
	ctx := context.Background()

	start := time.Now()
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("fast path took %v", elapsed)
	}
	if err := sem.Release(ctx); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestSemaphoreWaiterWakesOnRelease(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), 1, 5*time.Second, nil)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sem.Acquire(ctx) }()

	// Give the waiter time to reach its blocking wait.
	time.Sleep(50 * time.Millisecond)
	if err := sem.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter Acquire() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake after release")
	}

	if err := sem.Release(ctx); err != nil {
		t.Errorf("final Release() error = %v", err)
	}
}

func TestSemaphoreAcquireTimeout(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), 1, 100*time.Millisecond, nil)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	start := time.Now()
	err := sem.Acquire(ctx)
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("second Acquire() error = %v, want ErrAcquireTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Acquire() gave up after %v, before the budget elapsed", elapsed)
	}

	// The timed-out waiter must not have incremented the counter: after one
	// release exactly one slot is claimable.
	if err := sem.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	ok, err := sem.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("TryAcquire() after release = %v, %v, want true, nil", ok, err)
	}
	ok, err = sem.TryAcquire(ctx)
	if err != nil || ok {
		t.Errorf("TryAcquire() = %v, %v; timed-out waiter leaked a slot", ok, err)
	}
}

func TestSemaphoreAcquireCancelled(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), 1, 5*time.Second, nil)

	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sem.Acquire(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Acquire() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire() did not return after cancellation")
	}

	// No slot leaked by the cancelled waiter.
	bg := context.Background()
	if err := sem.Release(bg); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	ok, err := sem.TryAcquire(bg)
	if err != nil || !ok {
		t.Fatalf("TryAcquire() after release = %v, %v, want true, nil", ok, err)
	}
	ok, err = sem.TryAcquire(bg)
	if err != nil || ok {
		t.Errorf("TryAcquire() = %v, %v; cancelled waiter leaked a slot", ok, err)
	}
}

func TestSemaphoreTryAcquire(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), 1, time.Second, nil)
	ctx := context.Background()

	ok, err := sem.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("TryAcquire() = %v, %v, want true, nil", ok, err)
	}

	// Busy: returns immediately instead of waiting.
	start := time.Now()
	ok, err = sem.TryAcquire(ctx)
	if err != nil || ok {
		t.Fatalf("TryAcquire() while busy = %v, %v, want false, nil", ok, err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("TryAcquire() blocked for %v", elapsed)
	}

	if err := sem.Release(ctx); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestSemaphoreReleaseWakesOneOfManyWaiters(t *testing.T) {
	sem := NewSemaphore(NewLocalBackend(), 1, 500*time.Millisecond, nil)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { results <- sem.Acquire(ctx) }()
	}

	time.Sleep(50 * time.Millisecond)
	if err := sem.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	var acquired, timedOut int
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			switch {
			case err == nil:
				acquired++
			case errors.Is(err, ErrAcquireTimeout):
				timedOut++
			default:
				t.Errorf("Acquire() error = %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("waiter neither acquired nor timed out")
		}
	}

	if acquired != 1 {
		t.Errorf("acquired = %d, want exactly 1", acquired)
	}
	if timedOut != 2 {
		t.Errorf("timed out = %d, want 2", timedOut)
	}
}
