// This file implements inbound request rate limiting. Two limiters share one
// Gin handler:
//
//   - LocalLimiter: per-key token buckets (golang.org/x/time/rate) held in
//     process memory with opportunistic eviction of idle buckets.
//   - SharedLimiter: a fixed one-second window counter per key in the shared
//     kv store, so every engine instance draws from the same allowance.
//
// Requests flagged as idempotent replays bypass limiting.
package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/changuard/internal/kv"
)

// Limiter decides whether a request identified by key may proceed. When it
// may not, retryAfter says how long the client should wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration)
}

// KeyFunc selects the identity a request is limited under.
type KeyFunc func(*gin.Context) string

// KeyByClientIP limits by client address.
func KeyByClientIP() KeyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() }
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter keeps one token bucket per key in memory.
type LocalLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	lookups  uint64
	now      func() time.Time
}

// NewLocalLimiter allows rps sustained requests per key with the given burst.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

func (l *LocalLimiter) bucket(key string) *rate.Limiter {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	// Sweep before touching key so an idle bucket for key is evicted too.
	l.lookups++
	if l.lookups >= 5000 {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) >= l.ttl {
				delete(l.visitors, k)
			}
		}
		l.lookups = 0
	}

	if v, ok := l.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(l.rps, l.burst)
	l.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, time.Duration) {
	lim := l.bucket(key)
	now := l.now()
	if lim.AllowN(now, 1) {
		return true, 0
	}
	if l.rps <= 0 {
		return false, time.Second
	}
	return false, time.Duration(float64(time.Second) / float64(l.rps))
}

// SharedLimiter counts requests per key and second in a kv.Store. A store
// error lets the request through.
type SharedLimiter struct {
	store  kv.Store
	perSec int64
}

// NewSharedLimiter allows perSecond requests per key per one-second window.
func NewSharedLimiter(store kv.Store, perSecond int) *SharedLimiter {
	if perSecond < 1 {
		perSecond = 1
	}
	return &SharedLimiter{store: store, perSec: int64(perSecond)}
}

// Allow implements Limiter.
func (l *SharedLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	n, resetAt, err := l.store.Increment(ctx, "ratelimit:"+key, 1, time.Second)
	if err != nil {
		return true, 0
	}
	if n <= l.perSec {
		return true, 0
	}
	wait := time.Until(resetAt)
	if wait <= 0 {
		wait = time.Second
	}
	return false, wait
}

// IsRateBypass reports whether IdempotencyValidator marked the request as a
// replay that should not consume rate budget.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// RateLimit rejects requests over l's allowance with 429 and Retry-After.
func RateLimit(l Limiter, keyFn KeyFunc) gin.HandlerFunc {
	if keyFn == nil {
		keyFn = KeyByClientIP()
	}
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		ok, wait := l.Allow(c.Request.Context(), keyFn(c))
		if ok {
			c.Next()
			return
		}
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": GetRequestID(c),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
