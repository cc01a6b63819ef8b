package gate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// The four admission scripts. Counters and windows are mutated exclusively
// through these and the guard pipeline so that multi-step invariants hold
// across replicas. Every successful op refreshes the key TTL: a holder that
// dies without releasing stops wedging admission once the TTL lapses.
var (
	// KEYS[1] inbox counter, ARGV[1] max, ARGV[2] ttl millis.
	// Returns the post-increment count, or -1 when full.
	inboxEnterScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
  return -1
end
count = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return count
`)

	// KEYS[1] inbox counter, ARGV[1] ttl millis. Floors at zero.
	inboxLeaveScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count <= 0 then
  return 0
end
count = redis.call('DECR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return count
`)

	// KEYS[1] slot counter, ARGV[1] max, ARGV[2] ttl millis.
	// Returns 1 when a slot was claimed, 0 when at capacity.
	slotTryAcquireScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

	// KEYS[1] slot counter, ARGV[1] ttl millis, ARGV[2] notify channel.
	// Publishes even after flooring so stale waiters still wake and re-check.
	slotReleaseScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 then
  redis.call('DECR', KEYS[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
redis.call('PUBLISH', ARGV[2], '1')
return 1
`)
)

// RedisBackend coordinates admission state across replicas through a shared
// Redis instance. Scripts give the counters atomicity, MULTI/EXEC gives the
// guard batch atomicity, and Pub/Sub carries slot-release wake-ups.
type RedisBackend struct {
	client  *redis.Client
	prefix  string
	slotTTL time.Duration
}

// NewRedisBackend wraps an established client. The prefix namespaces every
// key so multiple deployments can share one Redis. slotTTL is the crash-safety
// TTL refreshed on every counter op.
func NewRedisBackend(client *redis.Client, prefix string, slotTTL time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "chatty"
	}
	return &RedisBackend{
		client:  client,
		prefix:  prefix,
		slotTTL: slotTTL,
	}
}

func (b *RedisBackend) key(suffix string) string {
	return b.prefix + ":" + suffix
}

func (b *RedisBackend) notifyChannel() string {
	return b.key("slots:notify")
}

// InboxEnter implements Backend.
func (b *RedisBackend) InboxEnter(ctx context.Context, max int) (int, error) {
	n, err := inboxEnterScript.Run(ctx, b.client,
		[]string{b.key("inbox")}, max, b.slotTTL.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("inbox enter: %w", err)
	}
	if n < 0 {
		return 0, ErrInboxFull
	}
	return n, nil
}

// InboxLeave implements Backend.
func (b *RedisBackend) InboxLeave(ctx context.Context) error {
	if err := inboxLeaveScript.Run(ctx, b.client,
		[]string{b.key("inbox")}, b.slotTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("inbox leave: %w", err)
	}
	return nil
}

// SlotTryAcquire implements Backend.
func (b *RedisBackend) SlotTryAcquire(ctx context.Context, max int) (bool, error) {
	n, err := slotTryAcquireScript.Run(ctx, b.client,
		[]string{b.key("slots")}, max, b.slotTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("slot try acquire: %w", err)
	}
	return n == 1, nil
}

// SlotRelease implements Backend.
func (b *RedisBackend) SlotRelease(ctx context.Context) error {
	if err := slotReleaseScript.Run(ctx, b.client,
		[]string{b.key("slots")}, b.slotTTL.Milliseconds(), b.notifyChannel()).Err(); err != nil {
		return fmt.Errorf("slot release: %w", err)
	}
	return nil
}

// SlotNotifier implements Backend. The initial subscription handshake is
// awaited so that releases published after this call returns are never lost.
func (b *RedisBackend) SlotNotifier(ctx context.Context) (Notifier, error) {
	pubsub := b.client.Subscribe(ctx, b.notifyChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe slot notifications: %w", err)
	}
	return &redisNotifier{pubsub: pubsub}, nil
}

// Guard implements Backend. All checks execute in one MULTI/EXEC batch;
// go-redis hands back a typed result per queued command, so each check is
// read from its own handle rather than by positional index. The writes all
// land even for a rejected request: a rate-limited caller still consumes its
// fingerprint slot, matching the single-batch semantics.
func (b *RedisBackend) Guard(ctx context.Context, req GuardRequest) error {
	now := time.Now()
	nowNano := now.UnixNano()
	cutoff := strconv.FormatInt(now.Add(-req.RateWindow).UnixNano(), 10)
	member := strconv.FormatInt(nowNano, 10)

	pipe := b.client.TxPipeline()

	var ipCount, globalCount *redis.IntCmd
	var fpSet, nonceSet *redis.BoolCmd

	if req.PerIPLimit > 0 {
		key := b.key("rate:ip:" + req.IP)
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowNano), Member: member})
		ipCount = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, req.RateWindow)
	}
	if req.GlobalLimit > 0 {
		key := b.key("rate:global")
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowNano), Member: member})
		globalCount = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, req.RateWindow)
	}
	if req.Fingerprint != "" && req.DedupWindow > 0 {
		fpSet = pipe.SetNX(ctx, b.key("fp:"+req.Fingerprint), 1, req.DedupWindow)
	}
	if req.Nonce != "" {
		nonceSet = pipe.SetNX(ctx, b.key("nonce:"+req.Nonce), 1, req.NonceTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("guard batch: %w", err)
	}

	if ipCount != nil && ipCount.Val() > int64(req.PerIPLimit) {
		return &RateLimitError{Scope: ScopeIP}
	}
	if globalCount != nil && globalCount.Val() > int64(req.GlobalLimit) {
		return &RateLimitError{Scope: ScopeGlobal}
	}
	if fpSet != nil && !fpSet.Val() {
		return ErrDuplicate
	}
	if nonceSet != nil && !nonceSet.Val() {
		return ErrDuplicate
	}
	return nil
}

// Close implements Backend.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

type redisNotifier struct {
	pubsub *redis.PubSub
}

// Wait implements Notifier.
func (n *redisNotifier) Wait(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case _, ok := <-n.pubsub.Channel():
		if !ok {
			return false, errors.New("slot notification subscription closed")
		}
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close implements Notifier.
func (n *redisNotifier) Close() error {
	return n.pubsub.Close()
}
