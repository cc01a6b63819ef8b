// Package gate implements the request admission pipeline: a bounded inbox,
// a model-concurrency semaphore, and the anti-flood request guard. All three
// share one Backend so that counters and windows stay consistent across
// replicas when a shared store is configured, and degrade to in-process
// state when it is not.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for admission outcomes.
var (
	// ErrInboxFull indicates the bounded inbox is at capacity.
	ErrInboxFull = errors.New("inbox is full")

	// ErrAcquireTimeout indicates no model slot became free within the
	// acquire budget.
	ErrAcquireTimeout = errors.New("timed out waiting for a model slot")

	// ErrDuplicate indicates the request was suppressed by fingerprint or
	// nonce deduplication.
	ErrDuplicate = errors.New("duplicate request")
)

// Rate limit scopes.
const (
	ScopeIP     = "ip"
	ScopeGlobal = "global"
)

// RateLimitError reports which sliding window rejected the request.
type RateLimitError struct {
	Scope string
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (scope=%s)", e.Scope)
}

// IsRateLimited reports whether err is or wraps a RateLimitError.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// GuardRequest carries one request's admission checks. Zero limits and empty
// keys disable the corresponding check; the remaining checks still execute
// as a single atomic batch.
type GuardRequest struct {
	// IP is the resolved client address keying the per-IP window.
	IP string

	// Fingerprint is the (ip, query) digest; empty disables fingerprint
	// dedup.
	Fingerprint string

	// Nonce is the client-supplied dedup token; empty disables nonce dedup.
	Nonce string

	// PerIPLimit caps requests per IP within RateWindow; 0 disables.
	PerIPLimit int

	// GlobalLimit caps requests service-wide within RateWindow; 0 disables.
	GlobalLimit int

	// RateWindow is the sliding window length for both rate limits.
	RateWindow time.Duration

	// DedupWindow is the fingerprint TTL; 0 disables fingerprint dedup.
	DedupWindow time.Duration

	// NonceTTL is the nonce key TTL.
	NonceTTL time.Duration
}

// Backend is the storage contract shared by the inbox, the semaphore, and
// the guard. Implementations must make each method atomic with respect to
// every other: multi-step updates never interleave.
type Backend interface {
	// InboxEnter increments the inbox counter if it is below max and returns
	// the post-increment count. Returns ErrInboxFull at capacity.
	InboxEnter(ctx context.Context, max int) (int, error)

	// InboxLeave decrements the inbox counter, flooring at zero.
	InboxLeave(ctx context.Context) error

	// SlotTryAcquire claims a model slot if the counter is below max.
	SlotTryAcquire(ctx context.Context, max int) (bool, error)

	// SlotRelease frees a model slot, flooring at zero, and publishes a
	// wake-up to every subscribed Notifier.
	SlotRelease(ctx context.Context) error

	// SlotNotifier subscribes to release notifications. The subscription is
	// live before SlotNotifier returns, so a release published immediately
	// after cannot be missed.
	SlotNotifier(ctx context.Context) (Notifier, error)

	// Guard runs the admission checks of req as one atomic batch and returns
	// nil, a RateLimitError, or ErrDuplicate. On simultaneous failures the
	// per-IP limit wins over the global limit, which wins over dedup.
	Guard(ctx context.Context, req GuardRequest) error

	// Close releases backend resources.
	Close() error
}

// Notifier delivers slot-release wake-ups to a semaphore waiter.
type Notifier interface {
	// Wait blocks until a release notification arrives, d elapses, or ctx is
	// cancelled. It returns true when a notification was received and false
	// on timer expiry; cancellation surfaces as ctx.Err().
	Wait(ctx context.Context, d time.Duration) (bool, error)

	// Close tears down the subscription.
	Close() error
}
