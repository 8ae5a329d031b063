package infrastructure

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MessageRateLimiter implements token bucket rate limiting per WhatsApp
// instance so bulk sends (reminders, bot bursts) do not get the number banned.
type MessageRateLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*tokenBucket
	perSecond   rate.Limit
	burst       int
	cleanupTick time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

type tokenBucket struct {
	limiter    *rate.Limiter
	lastUpdate time.Time
}

// NewMessageRateLimiter creates a rate limiter with specified rate and burst
// rate: messages per second allowed
// burst: maximum burst capacity
func NewMessageRateLimiter(perSecond float64, burst int) *MessageRateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	rl := &MessageRateLimiter{
		buckets:     make(map[string]*tokenBucket),
		perSecond:   rate.Limit(perSecond),
		burst:       burst,
		cleanupTick: 5 * time.Minute,
		stop:        make(chan struct{}),
		now:         time.Now,
	}

	go rl.cleanup()

	return rl
}

// bucket must be called with mu held.
func (rl *MessageRateLimiter) bucket(key string, now time.Time) *tokenBucket {
	b, ok := rl.buckets[key]
	if !ok {
		b = &tokenBucket{limiter: rate.NewLimiter(rl.perSecond, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastUpdate = now
	return b
}

// Allow checks if key can send a message (consumes 1 token if allowed)
func (rl *MessageRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	return rl.bucket(key, now).limiter.AllowN(now, 1)
}

// WaitTime returns how long to wait before next message is allowed
func (rl *MessageRateLimiter) WaitTime(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		return 0
	}

	tokens := b.limiter.TokensAt(rl.now())
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / float64(rl.perSecond) * float64(time.Second))
}

// Wait blocks until key may send or ctx is done.
func (rl *MessageRateLimiter) Wait(ctx context.Context, key string) error {
	for {
		if rl.Allow(key) {
			return nil
		}
		wait := rl.WaitTime(key)
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset removes rate limit state for a key
func (rl *MessageRateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// Close stops the cleanup goroutine.
func (rl *MessageRateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// cleanup removes stale buckets periodically
func (rl *MessageRateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupTick)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, bucket := range rl.buckets {
				if now.Sub(bucket.lastUpdate) > 10*time.Minute {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// GetStats returns rate limiter statistics
func (rl *MessageRateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"active_instances": len(rl.buckets),
		"rate":             float64(rl.perSecond),
		"burst":            rl.burst,
	}
}
