// Package dispatcher serializes outbound membership checks so the engine
// stays under the platform's API ceiling no matter how many events arrive.
//
// Admission is a token bucket (golang.org/x/time/rate) feeding three lanes:
//
//   - Interactive: re-verify presses and admin commands; always served first.
//   - Event: join/leave/message checks.
//   - Batch: bulk re-scans; only drained while the other lanes are empty and
//     additionally throttled to a fraction of the budget.
//
// A single scheduler goroutine owns the queues. It waits for an in-flight
// slot, then for a token, then pops the head of the highest-priority eligible
// lane. It never polls: every wait is on a channel or a clock timer.
//
// A 429 from the platform pauses the offending lane for exactly the
// advertised duration; the task goes back to the head of its lane. Other
// transient failures are retried with exponential backoff (1s, 2s, 4s) up to
// MaxRetries, after which the caller gets KindExhausted.
package dispatcher

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tbourn/changuard/internal/observability"
)

// Priority selects a lane. Lower values are served first.
type Priority int

const (
	Interactive Priority = iota
	Event
	Batch

	numLanes = 3
)

func (p Priority) String() string {
	switch p {
	case Interactive:
		return "interactive"
	case Event:
		return "event"
	case Batch:
		return "batch"
	}
	return fmt.Sprintf("lane%d", int(p))
}

// Valid reports whether p names a lane.
func (p Priority) Valid() bool { return p >= Interactive && p <= Batch }

// ParsePriority maps a lane name to its Priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "interactive", "0":
		return Interactive, true
	case "event", "1", "":
		return Event, true
	case "batch", "2":
		return Batch, true
	}
	return 0, false
}

// Checker performs one membership lookup against the platform.
//
// Errors may implement RetryAfter() time.Duration (rate limited) or
// Permanent() bool (do not retry); anything else is treated as transient.
type Checker interface {
	IsMember(ctx context.Context, userID, channelID int64) (bool, error)
}

// Config tunes a Dispatcher. Zero values fall back to DefaultConfig.
type Config struct {
	// Burst is the token bucket capacity.
	Burst int
	// Rate is the sustained refill in tokens per second. Zero disables
	// refill, which is only useful in tests.
	Rate float64
	// BatchShare caps the batch lane at this fraction of Rate.
	BatchShare float64
	// MaxInFlight caps concurrent platform calls.
	MaxInFlight int
	// MaxRetries bounds retries after the first attempt.
	MaxRetries int
	// Timeouts per lane. Zero means no lane deadline (the caller's context
	// deadline still applies).
	InteractiveTimeout time.Duration
	EventTimeout       time.Duration
	BatchTimeout       time.Duration
	// InitialBackoff and MaxBackoff shape the transient retry schedule.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig mirrors the documented engine defaults.
func DefaultConfig() Config {
	return Config{
		Burst:              20,
		Rate:               20,
		BatchShare:         0.1,
		MaxInFlight:        8,
		MaxRetries:         3,
		InteractiveTimeout: 900 * time.Millisecond,
		EventTimeout:       500 * time.Millisecond,
		BatchTimeout:       30 * time.Second,
		InitialBackoff:     time.Second,
		MaxBackoff:         30 * time.Second,
	}
}

func (c Config) timeout(p Priority) time.Duration {
	switch p {
	case Interactive:
		return c.InteractiveTimeout
	case Event:
		return c.EventTimeout
	default:
		return c.BatchTimeout
	}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the real clock (tests).
func WithClock(c clockwork.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithBudget gates every admission on a shared budget as well.
func WithBudget(b Budget) Option { return func(d *Dispatcher) { d.budget = b } }

type outcome struct {
	member bool
	err    error
}

type task struct {
	userID    int64
	channelID int64
	lane      Priority
	ctx       context.Context
	enqueued  time.Time
	attempts  int
	bo        *backoff.ExponentialBackOff
	result    chan outcome

	elem *list.Element // non-nil while queued
	done bool
}

// Dispatcher is the rate-limited priority dispatcher. Create with New and
// release with Close.
type Dispatcher struct {
	cfg     Config
	checker Checker
	clock   clockwork.Clock
	logger  zerolog.Logger
	budget  Budget

	limiter      *rate.Limiter
	batchLimiter *rate.Limiter
	slots        *semaphore.Weighted
	flight       singleflight.Group

	mu          sync.Mutex
	lanes       [numLanes]*list.List
	pausedUntil [numLanes]time.Time
	closed      bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	loop   sync.WaitGroup
	execs  sync.WaitGroup
}

// New starts a Dispatcher calling checker.
func New(checker Checker, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Rate < 0 {
		cfg.Rate = 0
	}
	if cfg.BatchShare <= 0 || cfg.BatchShare > 1 {
		cfg.BatchShare = def.BatchShare
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}

	batchBurst := int(float64(cfg.Burst) * cfg.BatchShare)
	if batchBurst < 1 {
		batchBurst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:          cfg,
		checker:      checker,
		clock:        clockwork.NewRealClock(),
		logger:       zerolog.Nop(),
		limiter:      rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		batchLimiter: rate.NewLimiter(rate.Limit(cfg.Rate*cfg.BatchShare), batchBurst),
		slots:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = list.New()
	}
	for _, o := range opts {
		o(d)
	}

	d.loop.Add(1)
	go d.run()
	return d
}

// Dispatch asks the platform whether userID is a member of channelID,
// queued at priority p. Identical in-flight requests on the same lane share
// one platform call.
//
// Errors are always *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, channelID int64, p Priority) (bool, error) {
	if !p.Valid() {
		p = Event
	}
	key := fmt.Sprintf("%d:%d:%d", userID, channelID, p)
	ch := d.flight.DoChan(key, func() (any, error) {
		return d.submit(ctx, userID, channelID, p)
	})

	select {
	case r := <-ch:
		if r.Shared {
			observability.Dispatches.WithLabelValues(p.String(), "coalesced").Inc()
		}
		if r.Err != nil {
			return false, r.Err
		}
		return r.Val.(bool), nil
	case <-ctx.Done():
		return false, &Error{Kind: KindTimeout, Err: ctx.Err()}
	}
}

// submit enqueues one task and waits for its outcome. The task's deadline is
// the lane timeout or the caller's deadline, whichever is sooner; caller
// cancellation without a deadline does not abandon the shared task.
func (d *Dispatcher) submit(callerCtx context.Context, userID, channelID int64, p Priority) (bool, error) {
	ctx := context.WithoutCancel(callerCtx)
	var cancel context.CancelFunc = func() {}
	deadline, hasDeadline := callerCtx.Deadline()
	if to := d.cfg.timeout(p); to > 0 {
		if laneDL := time.Now().Add(to); !hasDeadline || laneDL.Before(deadline) {
			deadline, hasDeadline = laneDL, true
		}
	}
	if hasDeadline {
		ctx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = d.cfg.MaxBackoff

	t := &task{
		userID:    userID,
		channelID: channelID,
		lane:      p,
		ctx:       ctx,
		enqueued:  d.clock.Now(),
		bo:        bo,
		result:    make(chan outcome, 1),
	}

	if !d.enqueue(t, false) {
		return false, d.finish(t, outcome{err: &Error{Kind: KindClosed}})
	}

	select {
	case o := <-t.result:
		return o.member, o.err
	case <-ctx.Done():
		d.remove(t)
		// A result may have raced the deadline.
		select {
		case o := <-t.result:
			return o.member, o.err
		default:
		}
		return false, d.finish(t, outcome{err: &Error{Kind: KindTimeout, Err: ctx.Err()}})
	}
}

// enqueue appends t (or pushes it to the head for a retry). It reports false
// once the dispatcher is closed.
func (d *Dispatcher) enqueue(t *task, front bool) bool {
	d.mu.Lock()
	if d.closed || t.done {
		d.mu.Unlock()
		return false
	}
	l := d.lanes[t.lane]
	if front {
		t.elem = l.PushFront(t)
	} else {
		t.elem = l.PushBack(t)
	}
	depth := l.Len()
	d.mu.Unlock()

	observability.LaneDepth.WithLabelValues(t.lane.String()).Set(float64(depth))
	d.signal()
	return true
}

// remove drops t from its lane if it is still queued.
func (d *Dispatcher) remove(t *task) {
	d.mu.Lock()
	if t.elem != nil {
		d.lanes[t.lane].Remove(t.elem)
		t.elem = nil
	}
	t.done = true
	depth := d.lanes[t.lane].Len()
	d.mu.Unlock()
	observability.LaneDepth.WithLabelValues(t.lane.String()).Set(float64(depth))
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// finish records metrics for a terminal outcome and returns its error.
func (d *Dispatcher) finish(t *task, o outcome) error {
	label := "ok"
	if o.err != nil {
		label = KindOf(o.err).String()
	}
	observability.Dispatches.WithLabelValues(t.lane.String(), label).Inc()
	observability.DispatchLatency.WithLabelValues(t.lane.String()).Observe(d.clock.Since(t.enqueued).Seconds())
	return o.err
}

// deliver hands a terminal outcome to the waiting submit call.
func (d *Dispatcher) deliver(t *task, o outcome) {
	d.mu.Lock()
	already := t.done
	t.done = true
	d.mu.Unlock()
	if already {
		return
	}
	d.finish(t, o)
	t.result <- o
}

// run is the scheduler loop.
func (d *Dispatcher) run() {
	defer d.loop.Done()
	for {
		if err := d.slots.Acquire(d.ctx, 1); err != nil {
			return
		}
		t, ok := d.next()
		if !ok {
			d.slots.Release(1)
			return
		}
		d.execs.Add(1)
		go d.execute(t)
	}
}

// next blocks until a task is admitted, or the dispatcher closes.
func (d *Dispatcher) next() (*task, bool) {
	for {
		now := d.clock.Now()

		d.mu.Lock()
		lane, wait := d.pickLocked(now)
		d.mu.Unlock()

		if lane < 0 {
			if !d.sleep(wait) {
				return nil, false
			}
			continue
		}

		var (
			held     []*rate.Reservation
			batchRes *rate.Reservation
		)
		release := func() {
			for _, r := range held {
				r.CancelAt(now)
			}
		}

		if lane == Batch {
			r, delay, ok := d.reserve(d.batchLimiter, now)
			if !ok {
				if !d.sleep(delay) {
					return nil, false
				}
				continue
			}
			batchRes = r
			held = append(held, r)
		}
		r, delay, ok := d.reserve(d.limiter, now)
		if !ok {
			release()
			if !d.sleep(delay) {
				return nil, false
			}
			continue
		}
		held = append(held, r)

		if d.budget != nil {
			if ok, retryAt := d.admitBudget(); !ok {
				release()
				if !d.sleep(retryAt.Sub(d.clock.Now())) {
					return nil, false
				}
				continue
			}
		}

		// The token is spent; take the best task available now, which may
		// be from a higher lane than the one that woke us.
		d.mu.Lock()
		lane, _ = d.pickLocked(d.clock.Now())
		if lane >= 0 {
			settled, ok := d.settleBatch(lane, batchRes, now)
			if !ok {
				lane = -1
			} else if settled != nil && settled != batchRes {
				held = append(held, settled)
			}
		}
		var t *task
		depth := 0
		if lane >= 0 {
			l := d.lanes[lane]
			t = l.Remove(l.Front()).(*task)
			t.elem = nil
			depth = l.Len()
		}
		d.mu.Unlock()

		if t == nil {
			release()
			continue
		}
		observability.LaneDepth.WithLabelValues(lane.String()).Set(float64(depth))
		return t, true
	}
}

// pickLocked returns the lane to serve, or -1 and how long to wait. A zero
// wait means "until something is enqueued". Caller holds mu.
func (d *Dispatcher) pickLocked(now time.Time) (Priority, time.Duration) {
	var wait time.Duration
	for p := Interactive; p <= Batch; p++ {
		if d.lanes[p].Len() == 0 {
			continue
		}
		if p == Batch && (d.lanes[Interactive].Len() > 0 || d.lanes[Event].Len() > 0) {
			break
		}
		if until := d.pausedUntil[p]; now.Before(until) {
			if w := until.Sub(now); wait == 0 || w < wait {
				wait = w
			}
			continue
		}
		return p, 0
	}
	return -1, wait
}

// settleBatch charges the batch share to the lane actually served. A batch
// token taken before a higher lane was picked is returned, and a batch task
// picked on a token taken for another lane is charged now. It reports false
// when the batch share has no token left.
func (d *Dispatcher) settleBatch(lane Priority, res *rate.Reservation, now time.Time) (*rate.Reservation, bool) {
	switch {
	case lane == Batch && res == nil:
		r, _, ok := d.reserve(d.batchLimiter, now)
		return r, ok
	case lane != Batch && res != nil:
		res.CancelAt(now)
		return nil, true
	}
	return res, true
}

// reserve takes one token at now, or reports how long until one is free.
func (d *Dispatcher) reserve(lim *rate.Limiter, now time.Time) (*rate.Reservation, time.Duration, bool) {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		// Refill disabled and bucket empty: wait for an external wake.
		return nil, 0, false
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return nil, delay, false
	}
	return r, 0, true
}

// sleep waits for d (0 = indefinitely), a wake signal, or shutdown. It
// reports false on shutdown.
func (d *Dispatcher) sleep(dur time.Duration) bool {
	var timer <-chan time.Time
	if dur > 0 {
		timer = d.clock.After(dur)
	}
	select {
	case <-timer:
	case <-d.wake:
	case <-d.ctx.Done():
		return false
	}
	return true
}

func (d *Dispatcher) execute(t *task) {
	defer d.execs.Done()

	member, err := d.checker.IsMember(t.ctx, t.userID, t.channelID)
	d.slots.Release(1)
	d.signal()

	if err == nil {
		d.deliver(t, outcome{member: member})
		return
	}
	if t.ctx.Err() != nil {
		d.deliver(t, outcome{err: &Error{Kind: KindTimeout, Err: err}})
		return
	}
	if isPermanent(err) {
		d.deliver(t, outcome{err: &Error{Kind: KindRejected, Err: err}})
		return
	}

	t.attempts++
	if ra, ok := retryAfterOf(err); ok {
		d.onRateLimited(t, ra, err)
		return
	}
	if t.attempts > d.cfg.MaxRetries {
		d.deliver(t, outcome{err: &Error{Kind: KindExhausted, Err: err}})
		return
	}

	delay := t.bo.NextBackOff()
	if dl, ok := t.ctx.Deadline(); ok && dl.Before(time.Now().Add(delay)) {
		// The retry would land after the caller gave up.
		d.deliver(t, outcome{err: &Error{Kind: KindTimeout, Err: err}})
		return
	}
	d.logger.Debug().Err(err).
		Int64("user_id", t.userID).Int64("channel_id", t.channelID).
		Int("attempt", t.attempts).Dur("backoff", delay).
		Msg("membership check failed, retrying")

	select {
	case <-d.clock.After(delay):
	case <-t.ctx.Done():
		d.deliver(t, outcome{err: &Error{Kind: KindTimeout, Err: err}})
		return
	case <-d.ctx.Done():
		d.deliver(t, outcome{err: &Error{Kind: KindClosed, Err: err}})
		return
	}
	if !d.enqueue(t, true) {
		d.deliver(t, outcome{err: &Error{Kind: KindClosed, Err: err}})
	}
}

// onRateLimited pauses the task's lane for ra and requeues the task at its
// head, unless retries are spent or the task cannot live that long.
func (d *Dispatcher) onRateLimited(t *task, ra time.Duration, err error) {
	until := d.clock.Now().Add(ra)

	if t.attempts > d.cfg.MaxRetries {
		d.deliver(t, outcome{err: &Error{Kind: KindRateLimited, RetryAfter: ra, Err: err}})
		return
	}
	if dl, ok := t.ctx.Deadline(); ok && dl.Before(time.Now().Add(ra)) {
		d.pause(t.lane, until)
		d.deliver(t, outcome{err: &Error{Kind: KindRateLimited, RetryAfter: ra, Err: err}})
		return
	}

	d.pause(t.lane, until)
	d.logger.Warn().
		Str("lane", t.lane.String()).Dur("retry_after", ra).
		Msg("platform rate limit hit, pausing lane")
	if !d.enqueue(t, true) {
		d.deliver(t, outcome{err: &Error{Kind: KindClosed, Err: err}})
	}
}

func (d *Dispatcher) pause(p Priority, until time.Time) {
	d.mu.Lock()
	if until.After(d.pausedUntil[p]) {
		d.pausedUntil[p] = until
	}
	d.mu.Unlock()
	d.signal()
}

// Depth returns the number of queued tasks per lane.
func (d *Dispatcher) Depth() [numLanes]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [numLanes]int
	for i, l := range d.lanes {
		out[i] = l.Len()
	}
	return out
}

// Close stops the scheduler, fails every queued task with KindClosed and
// waits for in-flight checks to return.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var pending []*task
	for _, l := range d.lanes {
		for e := l.Front(); e != nil; e = e.Next() {
			t := e.Value.(*task)
			t.elem = nil
			pending = append(pending, t)
		}
		l.Init()
	}
	d.mu.Unlock()

	d.cancel()
	for _, t := range pending {
		d.deliver(t, outcome{err: &Error{Kind: KindClosed}})
	}
	d.loop.Wait()
	d.execs.Wait()
	for p := Interactive; p <= Batch; p++ {
		observability.LaneDepth.WithLabelValues(p.String()).Set(0)
	}
	return nil
}
