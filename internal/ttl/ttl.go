// Package ttl implements the randomized expiry policy used for verification
// cache entries. Spreading expiries over a window around the base TTL keeps a
// burst of identical writes (e.g. a group-wide rescan) from expiring in the
// same instant and stampeding the external membership API.
//
// The random source is injectable so tests can seed it and get a
// reproducible sequence.
package ttl

import (
	"math/rand/v2"
	"sync"
	"time"
)

// MinTTL is the floor applied to every jittered duration.
const MinTTL = time.Second

// Source yields uniformly distributed floats in [0, 1).
type Source interface {
	Float64() float64
}

// Jittered returns base ± uniform(base*fraction), clamped to MinTTL.
//
// fraction is clamped into [0, 1). A nil src uses the global math/rand/v2
// generator.
func Jittered(base time.Duration, fraction float64, src Source) time.Duration {
	if fraction < 0 {
		fraction = 0
	}
	if fraction >= 1 {
		fraction = 0.999
	}

	var u float64
	if src != nil {
		u = src.Float64()
	} else {
		u = rand.Float64()
	}

	// u ∈ [0,1) → offset ∈ [-span, +span)
	span := float64(base) * fraction
	d := time.Duration(float64(base) + (2*u-1)*span)
	if d < MinTTL {
		return MinTTL
	}
	return d
}

// JitteredSeconds is the integer-seconds form of Jittered. The result is
// rounded toward the base, up below it and down above it, so it stays inside
// the jitter window even when the window edges are fractional.
func JitteredSeconds(baseSeconds int, fraction float64, src Source) int {
	base := time.Duration(baseSeconds) * time.Second
	d := Jittered(base, fraction, src)
	s := int(d / time.Second)
	if d < base && d%time.Second != 0 {
		s++
	}
	if s < 1 {
		return 1
	}
	return s
}

// Policy pairs the positive and negative base TTLs with a shared jitter
// fraction. It is safe for concurrent use.
type Policy struct {
	Positive time.Duration
	Negative time.Duration
	Fraction float64

	mu  sync.Mutex
	src Source
}

// NewPolicy builds a Policy. A nil src uses the global generator, which is
// already safe for concurrent use.
func NewPolicy(positive, negative time.Duration, fraction float64, src Source) *Policy {
	return &Policy{Positive: positive, Negative: negative, Fraction: fraction, src: src}
}

// Seeded returns a deterministic source for tests and reproducible runs.
func Seeded(seed uint64) Source {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// For returns a jittered TTL for the given membership outcome: the long base
// for members, the short one for non-members.
func (p *Policy) For(isMember bool) time.Duration {
	return p.ForBase(p.base(isMember))
}

// ForBase jitters an explicit base, used when a group overrides the defaults.
func (p *Policy) ForBase(base time.Duration) time.Duration {
	if p.src == nil {
		return Jittered(base, p.Fraction, nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Jittered(base, p.Fraction, p.src)
}

// Bounds reports the inclusive [lo, hi] window a TTL drawn for isMember falls into.
func (p *Policy) Bounds(isMember bool) (lo, hi time.Duration) {
	base := float64(p.base(isMember))
	lo = time.Duration(base * (1 - p.Fraction))
	hi = time.Duration(base * (1 + p.Fraction))
	if lo < MinTTL {
		lo = MinTTL
	}
	if hi < MinTTL {
		hi = MinTTL
	}
	return lo, hi
}

func (p *Policy) base(isMember bool) time.Duration {
	if isMember {
		return p.Positive
	}
	return p.Negative
}
