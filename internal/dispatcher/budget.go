package dispatcher

import (
	"context"
	"time"

	"github.com/tbourn/changuard/internal/kv"
)

// Budget is a call ceiling shared across engine instances. The local token
// bucket keeps one process honest; a Budget keeps a fleet honest.
type Budget interface {
	// Admit consumes one unit at now. When refused it returns the time the
	// current window ends.
	Admit(ctx context.Context, now time.Time) (ok bool, retryAt time.Time, err error)
}

// StoreBudget is a fixed-window counter in a kv.Store.
type StoreBudget struct {
	store  kv.Store
	key    string
	limit  int64
	window time.Duration
}

// NewStoreBudget allows limit calls per window across every process sharing
// store. An empty key defaults to "dispatch:budget".
func NewStoreBudget(store kv.Store, key string, limit int64, window time.Duration) *StoreBudget {
	if key == "" {
		key = "dispatch:budget"
	}
	if window <= 0 {
		window = time.Second
	}
	return &StoreBudget{store: store, key: key, limit: limit, window: window}
}

// Admit implements Budget.
func (b *StoreBudget) Admit(ctx context.Context, now time.Time) (bool, time.Time, error) {
	n, resetAt, err := b.store.Increment(ctx, b.key, 1, b.window)
	if err != nil {
		return true, time.Time{}, err
	}
	if n > b.limit {
		if !resetAt.After(now) {
			resetAt = now.Add(b.window)
		}
		return false, resetAt, nil
	}
	return true, time.Time{}, nil
}

// admitBudget asks the shared budget for a unit. An unreachable store admits:
// the local limiter still bounds this process.
func (d *Dispatcher) admitBudget() (bool, time.Time) {
	ctx, cancel := context.WithTimeout(d.ctx, time.Second)
	defer cancel()
	ok, retryAt, err := d.budget.Admit(ctx, d.clock.Now())
	if err != nil {
		d.logger.Warn().Err(err).Msg("shared dispatch budget unavailable, admitting")
		return true, time.Time{}
	}
	return ok, retryAt
}
