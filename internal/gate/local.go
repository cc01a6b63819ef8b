package gate

import (
	"context"
	"sync"
	"time"
)

// localSweepInterval bounds how often expired guard entries are purged.
const localSweepInterval = time.Minute

// LocalBackend keeps admission state in process memory. It mirrors the shared
// backend's semantics exactly, including the floor-at-zero counters and the
// all-writes-then-inspect guard batch, but is only safe for single-replica
// deployments.
type LocalBackend struct {
	mu     sync.Mutex
	inbox  int
	slots  int
	notify chan struct{}

	rateIP     map[string][]time.Time
	rateGlobal []time.Time
	fp         map[string]time.Time
	nonces     map[string]time.Time
	sweepAt    time.Time

	now func() time.Time
}

// NewLocalBackend creates an in-process backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		notify: make(chan struct{}),
		rateIP: make(map[string][]time.Time),
		fp:     make(map[string]time.Time),
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
}

// InboxEnter implements Backend.
func (b *LocalBackend) InboxEnter(_ context.Context, max int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inbox >= max {
		return 0, ErrInboxFull
	}
	b.inbox++
	return b.inbox, nil
}

// InboxLeave implements Backend.
func (b *LocalBackend) InboxLeave(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inbox > 0 {
		b.inbox--
	}
	return nil
}

// SlotTryAcquire implements Backend.
func (b *LocalBackend) SlotTryAcquire(_ context.Context, max int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slots >= max {
		return false, nil
	}
	b.slots++
	return true, nil
}

// SlotRelease implements Backend. The broadcast channel is swapped under the
// lock and closed after the counter drops, so any waiter woken by the close
// observes the freed slot.
func (b *LocalBackend) SlotRelease(_ context.Context) error {
	b.mu.Lock()
	if b.slots > 0 {
		b.slots--
	}
	ch := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()

	close(ch)
	return nil
}

// SlotNotifier implements Backend. The returned notifier snapshots the
// current broadcast channel, so a release that lands between subscribing and
// the first Wait call is still observed as an immediate wake-up.
func (b *LocalBackend) SlotNotifier(context.Context) (Notifier, error) {
	b.mu.Lock()
	ch := b.notify
	b.mu.Unlock()
	return &localNotifier{backend: b, ch: ch}, nil
}

// Guard implements Backend. The whole batch runs under one lock acquisition,
// which gives the same atomicity as the shared backend's MULTI/EXEC.
func (b *LocalBackend) Guard(_ context.Context, req GuardRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.maybeSweep(now)

	var ipCount, globalCount int
	if req.PerIPLimit > 0 {
		entries := pruneWindow(b.rateIP[req.IP], now.Add(-req.RateWindow))
		entries = append(entries, now)
		b.rateIP[req.IP] = entries
		ipCount = len(entries)
	}
	if req.GlobalLimit > 0 {
		b.rateGlobal = append(pruneWindow(b.rateGlobal, now.Add(-req.RateWindow)), now)
		globalCount = len(b.rateGlobal)
	}

	fpDup := false
	if req.Fingerprint != "" && req.DedupWindow > 0 {
		if exp, ok := b.fp[req.Fingerprint]; ok && exp.After(now) {
			fpDup = true
		} else {
			b.fp[req.Fingerprint] = now.Add(req.DedupWindow)
		}
	}
	nonceDup := false
	if req.Nonce != "" {
		if exp, ok := b.nonces[req.Nonce]; ok && exp.After(now) {
			nonceDup = true
		} else {
			b.nonces[req.Nonce] = now.Add(req.NonceTTL)
		}
	}

	switch {
	case req.PerIPLimit > 0 && ipCount > req.PerIPLimit:
		return &RateLimitError{Scope: ScopeIP}
	case req.GlobalLimit > 0 && globalCount > req.GlobalLimit:
		return &RateLimitError{Scope: ScopeGlobal}
	case fpDup || nonceDup:
		return ErrDuplicate
	}
	return nil
}

// Close implements Backend.
func (b *LocalBackend) Close() error {
	return nil
}

// maybeSweep purges expired dedup keys and idle rate windows. Expiry is
// normally checked lazily on access; the sweep catches keys never touched
// again. Caller must hold the lock.
func (b *LocalBackend) maybeSweep(now time.Time) {
	if now.Before(b.sweepAt) {
		return
	}
	b.sweepAt = now.Add(localSweepInterval)

	for k, exp := range b.fp {
		if !exp.After(now) {
			delete(b.fp, k)
		}
	}
	for k, exp := range b.nonces {
		if !exp.After(now) {
			delete(b.nonces, k)
		}
	}
	cutoff := now.Add(-localSweepInterval)
	for ip, entries := range b.rateIP {
		if len(entries) == 0 || !entries[len(entries)-1].After(cutoff) {
			delete(b.rateIP, ip)
		}
	}
}

// pruneWindow drops entries at or before cutoff. Entries are appended in
// time order, so the survivors are a suffix.
func pruneWindow(entries []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(entries) && !entries[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return entries
	}
	return append(entries[:0:0], entries[idx:]...)
}

type localNotifier struct {
	backend *LocalBackend
	ch      chan struct{}
}

// Wait implements Notifier.
func (n *localNotifier) Wait(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-n.ch:
		// Advance to the next broadcast channel so consecutive waits see
		// releases that happen between calls.
		n.backend.mu.Lock()
		n.ch = n.backend.notify
		n.backend.mu.Unlock()
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close implements Notifier.
func (n *localNotifier) Close() error {
	return nil
}
