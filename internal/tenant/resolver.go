// Package tenant resolves which channels a protected group requires.
//
// The Resolver sits in front of the persistence layer with a short-TTL
// in-process cache (seconds, not minutes: admins expect a link or an
// enable/disable toggle to take effect almost immediately). Concurrent
// misses for the same group share a single load, and every load runs
// under its own timeout, independent of the platform rate budget.
//
// A disabled or unknown group resolves to an empty requirement set. Any
// persistence failure is returned as *ResolveError and is never cached: a
// group must not be treated as unprotected because the database hiccupped.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/observability"
)

// Repo is the persistence contract the Resolver reads through.
type Repo interface {
	// GetGroup returns the group or gorm.ErrRecordNotFound.
	GetGroup(ctx context.Context, db *gorm.DB, id int64) (*domain.ProtectedGroup, error)
	// ListRequiredChannels returns the group's channel ids in link order.
	ListRequiredChannels(ctx context.Context, db *gorm.DB, groupID int64) ([]int64, error)
}

// Requirements is what a group demands of its members.
type Requirements struct {
	GroupID int64
	// Enabled is false for disabled and unknown groups; Channels is then empty.
	Enabled  bool
	Channels []int64
	Settings domain.GroupSettings
}

// Protected reports whether evaluation has anything to check.
func (r Requirements) Protected() bool { return r.Enabled && len(r.Channels) > 0 }

// ResolveError wraps a persistence failure while resolving a group.
type ResolveError struct {
	GroupID int64
	Err     error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve group %d: %v", e.GroupID, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

type entry struct {
	req       Requirements
	expiresAt time.Time
}

// Resolver maps group ids to Requirements.
type Resolver struct {
	// DB is the GORM handle passed to Repo.
	DB *gorm.DB
	// Repo performs the actual reads.
	Repo Repo
	// TTL bounds how long a resolved group is served from memory.
	TTL time.Duration
	// Timeout bounds each persistence load.
	Timeout time.Duration
	// Clock drives TTL expiry.
	Clock clockwork.Clock
	// Logger receives load failures.
	Logger zerolog.Logger

	mu      sync.Mutex
	entries map[int64]entry
	flight  singleflight.Group
}

// NewResolver builds a Resolver with a real clock and a no-op logger.
func NewResolver(db *gorm.DB, r Repo, ttl, timeout time.Duration) *Resolver {
	return &Resolver{
		DB:      db,
		Repo:    r,
		TTL:     ttl,
		Timeout: timeout,
		Clock:   clockwork.NewRealClock(),
		Logger:  zerolog.Nop(),
	}
}

// RequiredChannels returns the group's requirements, from memory when fresh.
// Errors are always *ResolveError.
func (r *Resolver) RequiredChannels(ctx context.Context, groupID int64) (Requirements, error) {
	if req, ok := r.cached(groupID); ok {
		observability.ResolverLookups.WithLabelValues("hit").Inc()
		return req, nil
	}

	ch := r.flight.DoChan(strconv.FormatInt(groupID, 10), func() (any, error) {
		return r.load(ctx, groupID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			observability.ResolverLookups.WithLabelValues("error").Inc()
			return Requirements{}, res.Err
		}
		observability.ResolverLookups.WithLabelValues("loaded").Inc()
		return clone(res.Val.(Requirements)), nil
	case <-ctx.Done():
		observability.ResolverLookups.WithLabelValues("error").Inc()
		return Requirements{}, &ResolveError{GroupID: groupID, Err: ctx.Err()}
	}
}

// Invalidate drops the cached entry for groupID so the next lookup reloads.
func (r *Resolver) Invalidate(groupID int64) {
	r.mu.Lock()
	delete(r.entries, groupID)
	r.mu.Unlock()
	r.flight.Forget(strconv.FormatInt(groupID, 10))
}

func (r *Resolver) cached(groupID int64) (Requirements, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[groupID]
	if !ok {
		return Requirements{}, false
	}
	if !r.clock().Now().Before(e.expiresAt) {
		delete(r.entries, groupID)
		return Requirements{}, false
	}
	return clone(e.req), true
}

func (r *Resolver) load(ctx context.Context, groupID int64) (Requirements, error) {
	// Shared by every waiter, so one caller's cancellation must not fail
	// the rest; the load has its own deadline instead.
	ctx = context.WithoutCancel(ctx)
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	req := Requirements{GroupID: groupID}
	g, err := r.Repo.GetGroup(ctx, r.DB, groupID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		r.store(req)
		return req, nil
	case err != nil:
		r.Logger.Error().Err(err).Int64("group_id", groupID).Msg("resolve group failed")
		return Requirements{}, &ResolveError{GroupID: groupID, Err: err}
	}
	if !g.Enabled {
		r.store(req)
		return req, nil
	}

	channels, err := r.Repo.ListRequiredChannels(ctx, r.DB, groupID)
	if err != nil {
		r.Logger.Error().Err(err).Int64("group_id", groupID).Msg("list required channels failed")
		return Requirements{}, &ResolveError{GroupID: groupID, Err: err}
	}

	settings, err := domain.ParseGroupSettings(g.Config)
	if err != nil {
		r.Logger.Warn().Err(err).Int64("group_id", groupID).Msg("ignoring invalid group settings")
		settings = domain.GroupSettings{}
	}

	req.Enabled = true
	req.Channels = dedupe(channels)
	req.Settings = settings
	r.store(req)
	return req, nil
}

func (r *Resolver) store(req Requirements) {
	if r.TTL <= 0 {
		return
	}
	r.mu.Lock()
	if r.entries == nil {
		r.entries = make(map[int64]entry)
	}
	r.entries[req.GroupID] = entry{req: clone(req), expiresAt: r.clock().Now().Add(r.TTL)}
	r.mu.Unlock()
}

func (r *Resolver) clock() clockwork.Clock {
	if r.Clock == nil {
		return clockwork.NewRealClock()
	}
	return r.Clock
}

// dedupe keeps the first occurrence of each id, preserving order.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func clone(r Requirements) Requirements {
	if r.Channels != nil {
		r.Channels = append([]int64(nil), r.Channels...)
	}
	return r
}
