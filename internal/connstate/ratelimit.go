package connstate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket wraps golang.org/x/time/rate.Limiter with the vocabulary the
// spec uses (capacity, refill rate) and a RateLimitResult return instead of
// a bare bool, so callers can log or surface "cooldown" distinctly from a
// hard reject.
//
// golang.org/x/time/rate is grounded on the same package's use for the S3
// upload/download bandwidth limiter in nishisan-dev-n-backup, and on the
// identical pattern in the DERP relay client retrieved alongside this pack
// (rate.Limiter gating outbound frames).
type TokenBucket struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// RateLimitResult is the outcome of a token-bucket check.
type RateLimitResult int

const (
	RateLimitOK RateLimitResult = iota
	RateLimitCooldown
)

// NewTokenBucket creates a bucket with the given capacity (burst) that
// refills at refillPerPeriod tokens every period — e.g.
// NewTokenBucket(6, 6, time.Minute) is "capacity 6, refill 6/min" (spec §3).
func NewTokenBucket(capacity, refillPerPeriod int, period time.Duration) *TokenBucket {
	ratePerSec := rate.Limit(float64(refillPerPeriod) / period.Seconds())

	return &TokenBucket{limiter: rate.NewLimiter(ratePerSec, capacity)}
}

// Allow consumes one token if available and reports the outcome. It never
// blocks — a miss is reported as RateLimitCooldown, not queued.
func (b *TokenBucket) Allow() RateLimitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limiter.Allow() {
		return RateLimitOK
	}

	return RateLimitCooldown
}

// IdentityBuckets is a single-writer, multi-reader registry of per-identity
// token buckets (spec §5: "shared across connections for that identity;
// access must be atomic"), keyed by identity string with a TTL-based sweep
// left to internal/maintenance.
type IdentityBuckets struct {
	mu      sync.Mutex
	buckets map[string]*identityEntry
}

type identityEntry struct {
	bucket     *TokenBucket
	lastTouch  time.Time
}

// IdentityBucketTTL is how long an idle per-identity bucket is kept before
// internal/maintenance evicts it (spec §5: "rate-limit identity TTL 30 min").
const IdentityBucketTTL = 30 * time.Minute

// NewIdentityBuckets creates an empty registry.
func NewIdentityBuckets() *IdentityBuckets {
	return &IdentityBuckets{buckets: make(map[string]*identityEntry)}
}

// Get returns the bucket for identity, creating one (capacity 30, refill
// 30/min per spec §3) on first use.
func (r *IdentityBuckets) Get(identity string, now time.Time) *TokenBucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.buckets[identity]
	if !ok {
		e = &identityEntry{bucket: NewTokenBucket(30, 30, time.Minute)}
		r.buckets[identity] = e
	}

	e.lastTouch = now

	return e.bucket
}

// EvictIdle removes buckets untouched for longer than IdentityBucketTTL.
// Called periodically by internal/maintenance; returns the number evicted.
func (r *IdentityBuckets) EvictIdle(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0

	for id, e := range r.buckets {
		if now.Sub(e.lastTouch) > IdentityBucketTTL {
			delete(r.buckets, id)
			evicted++
		}
	}

	return evicted
}
