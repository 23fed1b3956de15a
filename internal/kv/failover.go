package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// FailoverStore routes operations to a primary store and switches to a
// fallback for retryInterval after any primary error. When the interval
// elapses the next call probes the primary again.
//
// Values written during an outage live only in the fallback, so entries made
// on one instance are not visible to the others until the primary returns.
// Deletes made during an outage are remembered and replayed against the
// primary once it answers again.
type FailoverStore struct {
	primary       Store
	fallback      Store
	retryInterval time.Duration
	clock         clockwork.Clock
	logger        zerolog.Logger

	mu        sync.Mutex
	downUntil time.Time
	pending   map[string]struct{}
}

// maxPendingDeletes caps the deletes remembered during one outage. Keys past
// the cap are dropped and expire on their own TTL.
const maxPendingDeletes = 10000

// Failover composes primary and fallback. A nil clock uses the real clock.
func Failover(primary, fallback Store, retryInterval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *FailoverStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &FailoverStore{
		primary:       primary,
		fallback:      fallback,
		retryInterval: retryInterval,
		clock:         clock,
		logger:        logger,
	}
}

// Degraded reports whether calls currently go to the fallback.
func (f *FailoverStore) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock.Now().Before(f.downUntil)
}

// pick returns the store to use, first replaying deletes the primary missed
// if it has just come back.
func (f *FailoverStore) pick(ctx context.Context) Store {
	f.mu.Lock()
	if f.clock.Now().Before(f.downUntil) {
		f.mu.Unlock()
		return f.fallback
	}
	keys := f.pending
	f.pending = nil
	f.mu.Unlock()

	if len(keys) > 0 && !f.replay(ctx, keys) {
		return f.fallback
	}
	return f.primary
}

// replay deletes keys from the primary. On failure the unreplayed keys are
// kept for the next recovery and the breaker trips again.
func (f *FailoverStore) replay(ctx context.Context, keys map[string]struct{}) bool {
	n := len(keys)
	for k := range keys {
		if err := f.primary.Delete(ctx, k); err != nil && !errors.Is(err, ErrNotFound) {
			f.mu.Lock()
			for rest := range keys {
				f.rememberLocked(rest)
			}
			f.mu.Unlock()
			f.observe(f.primary, err)
			return false
		}
		delete(keys, k)
	}
	f.logger.Info().Int("keys", n).Msg("replayed outage deletes to shared store")
	return true
}

// remember records a delete the primary did not see.
func (f *FailoverStore) remember(key string) {
	f.mu.Lock()
	f.rememberLocked(key)
	f.mu.Unlock()
}

func (f *FailoverStore) rememberLocked(key string) {
	if f.pending == nil {
		f.pending = make(map[string]struct{})
	}
	if len(f.pending) >= maxPendingDeletes {
		return
	}
	f.pending[key] = struct{}{}
}

// observe inspects a primary result and trips the breaker on real failures.
func (f *FailoverStore) observe(s Store, err error) bool {
	if s != f.primary || err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	f.mu.Lock()
	wasUp := !f.clock.Now().Before(f.downUntil)
	f.downUntil = f.clock.Now().Add(f.retryInterval)
	f.mu.Unlock()
	if wasUp {
		f.logger.Warn().Err(err).Dur("retry_in", f.retryInterval).Msg("shared store unavailable, using local fallback")
	}
	return true
}

func (f *FailoverStore) Get(ctx context.Context, key string) ([]byte, error) {
	s := f.pick(ctx)
	v, err := s.Get(ctx, key)
	if f.observe(s, err) {
		return f.fallback.Get(ctx, key)
	}
	return v, err
}

func (f *FailoverStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s := f.pick(ctx)
	err := s.Set(ctx, key, value, ttl)
	if f.observe(s, err) {
		return f.fallback.Set(ctx, key, value, ttl)
	}
	return err
}

func (f *FailoverStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s := f.pick(ctx)
	ok, err := s.SetNX(ctx, key, value, ttl)
	if f.observe(s, err) {
		return f.fallback.SetNX(ctx, key, value, ttl)
	}
	return ok, err
}

// Delete removes key from both stores so a stale fallback entry cannot
// resurface during a later outage. A delete the primary misses is replayed
// when it recovers.
func (f *FailoverStore) Delete(ctx context.Context, key string) error {
	_ = f.fallback.Delete(ctx, key)
	s := f.pick(ctx)
	if s == f.fallback {
		f.remember(key)
		return nil
	}
	err := s.Delete(ctx, key)
	if f.observe(s, err) {
		f.remember(key)
		return nil
	}
	return err
}

func (f *FailoverStore) Increment(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Time, error) {
	s := f.pick(ctx)
	n, reset, err := s.Increment(ctx, key, delta, window)
	if f.observe(s, err) {
		return f.fallback.Increment(ctx, key, delta, window)
	}
	return n, reset, err
}

// Ping reports the primary's health; the fallback is assumed reachable.
func (f *FailoverStore) Ping(ctx context.Context) error {
	return f.primary.Ping(ctx)
}

func (f *FailoverStore) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}

var _ Store = (*FailoverStore)(nil)
