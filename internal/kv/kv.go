// Package kv defines the shared key-value store used by every running engine
// instance: verification results, per-event dedup keys, prompt cool-downs,
// restriction markers and the optional global dispatch budget all live here.
//
// Drivers live in sub-packages (kv/valkey for the shared store, kv/memory for
// the per-instance fallback). Failover composes the two so callers never have
// to special-case an unreachable shared store.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kv: key not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
)

// Store is a TTL-aware key-value store.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key for ttl, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent. It reports whether the
	// write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment adds delta to the counter under key. A new counter lives for
	// window; later increments keep the original expiry. It returns the new
	// value and the instant the counter resets.
	Increment(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Time, error)

	// Ping checks reachability.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Prefixed namespaces every key of s under prefix.
func Prefixed(s Store, prefix string) Store {
	if prefix == "" {
		return s
	}
	return &prefixed{inner: s, prefix: prefix}
}

type prefixed struct {
	inner  Store
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.inner.Set(ctx, p.prefix+key, value, ttl)
}

func (p *prefixed) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return p.inner.SetNX(ctx, p.prefix+key, value, ttl)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Increment(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Time, error) {
	return p.inner.Increment(ctx, p.prefix+key, delta, window)
}

func (p *prefixed) Ping(ctx context.Context) error { return p.inner.Ping(ctx) }

func (p *prefixed) Close() error { return p.inner.Close() }

// Degraded reports the wrapped store's failover state.
func (p *prefixed) Degraded() bool {
	if d, ok := p.inner.(interface{ Degraded() bool }); ok {
		return d.Degraded()
	}
	return false
}
