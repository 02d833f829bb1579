package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys bounds the limiter map so rotating source keys cannot
	// grow it without limit.
	maxTrackedKeys = 4096

	rateLimitWindow  = 60 * time.Second
	rateLimitMaxHits = 30
)

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter throttles inbound webhook traffic per sender key.
// Each key gets a token bucket that refills rateLimitMaxHits tokens per
// window. Safe for concurrent use.
type WebhookRateLimiter struct {
	mu   sync.Mutex
	keys map[string]*keyedLimiter
}

func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{keys: make(map[string]*keyedLimiter)}
}

// Allow reports whether the key may proceed, consuming one token.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if len(r.keys) >= maxTrackedKeys {
		r.evict(now)
	}

	kl, ok := r.keys[key]
	if !ok {
		kl = &keyedLimiter{
			limiter: rate.NewLimiter(rate.Every(rateLimitWindow/rateLimitMaxHits), rateLimitMaxHits),
		}
		r.keys[key] = kl
	}
	kl.lastSeen = now
	return kl.limiter.Allow()
}

// evict drops keys idle for a full window, then removes arbitrary entries
// if the map is still at the cap. Caller holds mu.
func (r *WebhookRateLimiter) evict(now time.Time) {
	for k, kl := range r.keys {
		if now.Sub(kl.lastSeen) >= rateLimitWindow {
			delete(r.keys, k)
		}
	}
	for len(r.keys) >= maxTrackedKeys {
		for k := range r.keys {
			delete(r.keys, k)
			break
		}
	}
}
