// Package verifycache stores (user, channel) membership outcomes in the shared
// kv store so repeated checks for the same pair skip the platform API.
//
// Members are cached for the long positive base, non-members for the short
// negative base; both are jittered. Reads never fail: any store error is
// reported and treated as a miss. Writes and invalidations are best-effort.
package verifycache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tbourn/changuard/internal/audit"
	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/kv"
	"github.com/tbourn/changuard/internal/observability"
	"github.com/tbourn/changuard/internal/ttl"
)

// Record is the cached value for one (user, channel) pair.
type Record struct {
	IsMember  bool      `json:"is_member"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache is the verification cache. The zero value is not usable; use New.
type Cache struct {
	store  kv.Store
	policy *ttl.Policy
	sink   audit.Sink
	clock  clockwork.Clock
	logger zerolog.Logger
}

// Option customizes a Cache.
type Option func(*Cache)

// WithSink reports cache writes and degraded reads to s.
func WithSink(s audit.Sink) Option { return func(c *Cache) { c.sink = s } }

// WithClock sets the clock used for CachedAt/ExpiresAt bookkeeping.
func WithClock(clk clockwork.Clock) Option { return func(c *Cache) { c.clock = clk } }

// WithLogger sets the logger for degraded-mode warnings.
func WithLogger(l zerolog.Logger) Option { return func(c *Cache) { c.logger = l } }

// New builds a Cache over store using policy for expiries.
func New(store kv.Store, policy *ttl.Policy, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		policy: policy,
		sink:   audit.Nop{},
		clock:  clockwork.NewRealClock(),
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key returns the store key for (user, channel).
func Key(userID, channelID int64) string {
	return fmt.Sprintf("verify:%d:%d", userID, channelID)
}

// Get returns the cached outcome and true, or false on a miss. Store failures
// and undecodable values count as misses.
func (c *Cache) Get(ctx context.Context, userID, channelID int64) (isMember bool, ok bool) {
	raw, err := c.store.Get(ctx, Key(userID, channelID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			observability.CacheLookups.WithLabelValues("miss").Inc()
			return false, false
		}
		observability.CacheLookups.WithLabelValues("unavailable").Inc()
		c.unavailable(userID, channelID, "get", err)
		return false, false
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Warn().Err(err).Str("key", Key(userID, channelID)).Msg("discarding undecodable cache entry")
		observability.CacheLookups.WithLabelValues("miss").Inc()
		return false, false
	}
	// The store expires entries itself; this guards against a fallback
	// store whose clock disagrees with ours.
	if !rec.ExpiresAt.IsZero() && !c.clock.Now().Before(rec.ExpiresAt) {
		observability.CacheLookups.WithLabelValues("miss").Inc()
		return false, false
	}
	if rec.IsMember {
		observability.CacheLookups.WithLabelValues("hit_member").Inc()
	} else {
		observability.CacheLookups.WithLabelValues("hit_nonmember").Inc()
	}
	return rec.IsMember, true
}

// Set caches isMember with the policy TTL for the outcome.
func (c *Cache) Set(ctx context.Context, userID, channelID int64, isMember bool) {
	c.SetWithBase(ctx, userID, channelID, isMember, 0)
}

// SetWithBase caches isMember, jittering base instead of the policy default
// when base > 0. Groups with TTL overrides use this.
func (c *Cache) SetWithBase(ctx context.Context, userID, channelID int64, isMember bool, base time.Duration) {
	var d time.Duration
	if base > 0 {
		d = c.policy.ForBase(base)
	} else {
		d = c.policy.For(isMember)
	}
	now := c.clock.Now().UTC()
	rec := Record{IsMember: isMember, CachedAt: now, ExpiresAt: now.Add(d)}
	raw, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode cache record")
		return
	}
	if err := c.store.Set(ctx, Key(userID, channelID), raw, d); err != nil {
		observability.CacheWrites.WithLabelValues("failed").Inc()
		c.unavailable(userID, channelID, "set", err)
		return
	}

	outcome := "nonmember"
	if isMember {
		outcome = "member"
	}
	observability.CacheWrites.WithLabelValues(outcome).Inc()
	c.sink.Record(audit.Event{
		Kind:    domain.AuditCacheWrite,
		UserID:  userID,
		Allowed: audit.Bool(isMember),
		Detail:  fmt.Sprintf("channel=%d ttl=%s", channelID, d),
	})
}

// Invalidate removes the cached outcome. Removing an absent entry is a no-op.
func (c *Cache) Invalidate(ctx context.Context, userID, channelID int64) {
	if err := c.store.Delete(ctx, Key(userID, channelID)); err != nil {
		c.unavailable(userID, channelID, "invalidate", err)
	}
}

// Peek returns the stored record, expiry included, without counting a
// lookup or auditing a store failure.
func (c *Cache) Peek(ctx context.Context, userID, channelID int64) (Record, bool) {
	raw, err := c.store.Get(ctx, Key(userID, channelID))
	if err != nil {
		return Record{}, false
	}
	var rec Record
	if json.Unmarshal(raw, &rec) != nil {
		return Record{}, false
	}
	return rec, true
}

func (c *Cache) unavailable(userID, channelID int64, op string, err error) {
	c.logger.Warn().Err(err).Str("op", op).Int64("user_id", userID).Int64("channel_id", channelID).Msg("verification cache unavailable")
	c.sink.Record(audit.Event{
		Kind:   domain.AuditCacheUnavailable,
		UserID: userID,
		Detail: fmt.Sprintf("%s channel=%d: %v", op, channelID, err),
	})
}
