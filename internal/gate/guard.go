package gate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// rateWindow is the sliding window for both rate limits; the configured
	// limits are expressed per second.
	rateWindow = time.Second

	// nonceTTL is how long a client-supplied nonce suppresses repeats.
	nonceTTL = 60 * time.Second

	// fingerprintLen is the hex length of the (ip, query) digest.
	fingerprintLen = 16
)

// Guard performs the pre-admission anti-flood checks: per-IP and global
// sliding-window rate limits, fingerprint dedup over (ip, query), and nonce
// dedup. All four execute as one atomic backend batch.
type Guard struct {
	backend     Backend
	perIPLimit  int
	globalLimit int
	dedupWindow time.Duration
}

// NewGuard creates a guard. Zero perIPLimit or globalLimit disables that
// rate limit; zero dedupWindow disables fingerprint dedup.
func NewGuard(backend Backend, perIPLimit, globalLimit int, dedupWindow time.Duration) *Guard {
	return &Guard{
		backend:     backend,
		perIPLimit:  perIPLimit,
		globalLimit: globalLimit,
		dedupWindow: dedupWindow,
	}
}

// Check admits or rejects one request. Returns nil on admission, a
// RateLimitError when a window is exceeded, or ErrDuplicate when the
// fingerprint or nonce was already seen. Rejection priority on simultaneous
// failures: per-IP rate, then global rate, then fingerprint, then nonce.
func (g *Guard) Check(ctx context.Context, ip, query, nonce string) error {
	req := GuardRequest{
		IP:          ip,
		Nonce:       nonce,
		PerIPLimit:  g.perIPLimit,
		GlobalLimit: g.globalLimit,
		RateWindow:  rateWindow,
		DedupWindow: g.dedupWindow,
		NonceTTL:    nonceTTL,
	}
	if g.dedupWindow > 0 {
		req.Fingerprint = Fingerprint(ip, query)
	}
	return g.backend.Guard(ctx, req)
}

// Fingerprint digests (ip, query) into the 16-hex-character dedup key.
func Fingerprint(ip, query string) string {
	sum := sha256.Sum256([]byte(ip + query))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
