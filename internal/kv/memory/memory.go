// Package memory provides a process-local kv.Store with TTL support. It is
// the last-resort fallback when the shared store is unreachable, and the
// default backing for single-instance deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tbourn/changuard/internal/kv"
)

type item struct {
	value     []byte
	counter   int64
	expiresAt time.Time
}

func (i *item) expired(now time.Time) bool {
	return !now.Before(i.expiresAt)
}

// Store is an in-memory kv.Store.
type Store struct {
	mu     sync.Mutex
	items  map[string]*item
	clock  clockwork.Clock
	stop   chan struct{}
	closed bool
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source (tests use a fake clock).
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New creates a Store. cleanupInterval > 0 starts a janitor goroutine that
// evicts expired items; reads never return expired items either way.
func New(cleanupInterval time.Duration, opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*item),
		clock: clockwork.NewRealClock(),
		stop:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.deleteExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) deleteExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for k, v := range s.items {
		if v.expired(now) {
			delete(s.items, k)
		}
	}
}

// live returns the unexpired item under key. Caller holds mu.
func (s *Store) live(key string, now time.Time) (*item, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if it.expired(now) {
		delete(s.items, key)
		return nil, false
	}
	return it, true
}

// Get returns a copy of the value under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	it, ok := s.live(key, s.clock.Now())
	if !ok {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Set stores a copy of value for ttl.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	s.items[key] = &item{value: v, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

// SetNX stores value only if key is absent or expired.
func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, kv.ErrClosed
	}
	now := s.clock.Now()
	if _, ok := s.live(key, now); ok {
		return false, nil
	}
	s.items[key] = &item{value: v, expiresAt: now.Add(ttl)}
	return true, nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	delete(s.items, key)
	return nil
}

// Increment implements a fixed-window counter.
func (s *Store) Increment(_ context.Context, key string, delta int64, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, time.Time{}, kv.ErrClosed
	}
	now := s.clock.Now()
	it, ok := s.live(key, now)
	if !ok {
		it = &item{expiresAt: now.Add(window)}
		s.items[key] = it
	}
	it.counter += delta
	return it.counter, it.expiresAt, nil
}

// Ping always succeeds on an open store.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	return nil
}

// Len reports the number of live items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	n := 0
	for _, it := range s.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the janitor. Further operations return kv.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	return nil
}

var _ kv.Store = (*Store)(nil)
