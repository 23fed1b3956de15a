package dispatcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tbourn/changuard/internal/kv/memory"
)

type checkerFunc func(ctx context.Context, userID, channelID int64) (bool, error)

func (f checkerFunc) IsMember(ctx context.Context, userID, channelID int64) (bool, error) {
	return f(ctx, userID, channelID)
}

type retryAfterErr time.Duration

func (e retryAfterErr) Error() string             { return "too many requests" }
func (e retryAfterErr) RetryAfter() time.Duration { return time.Duration(e) }

type permanentErr struct{}

func (permanentErr) Error() string   { return "bad request: chat not found" }
func (permanentErr) Permanent() bool { return true }

var errFlaky = errors.New("502 bad gateway")

// testConfig disables lane deadlines and refill so tests control time.
func testConfig() Config {
	return Config{
		Burst:          100,
		Rate:           0,
		MaxInFlight:    1,
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDispatch_Success(t *testing.T) {
	d := New(checkerFunc(func(_ context.Context, u, c int64) (bool, error) {
		return u == 1 && c == -10, nil
	}), testConfig())
	defer d.Close()

	ok, err := d.Dispatch(context.Background(), 1, -10, Event)
	if err != nil || !ok {
		t.Fatalf("Dispatch = %v, %v; want true, nil", ok, err)
	}
	ok, err = d.Dispatch(context.Background(), 2, -10, Interactive)
	if err != nil || ok {
		t.Fatalf("Dispatch = %v, %v; want false, nil", ok, err)
	}
}

func TestPriorityOrder(t *testing.T) {
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		order []int64
	)
	d := New(checkerFunc(func(_ context.Context, u, _ int64) (bool, error) {
		mu.Lock()
		order = append(order, u)
		mu.Unlock()
		if u == 0 {
			<-release
		}
		return true, nil
	}), testConfig())
	defer d.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	dispatch := func(u int64, p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(ctx, u, -10, p); err != nil {
				t.Errorf("Dispatch(%d): %v", u, err)
			}
		}()
	}

	dispatch(0, Interactive)
	waitFor(t, "blocker to start", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	})

	dispatch(3, Batch)
	waitFor(t, "batch queued", func() bool { return d.Depth()[Batch] == 1 })
	dispatch(2, Event)
	waitFor(t, "event queued", func() bool { return d.Depth()[Event] == 1 })
	dispatch(1, Interactive)
	waitFor(t, "interactive queued", func() bool { return d.Depth()[Interactive] == 1 })

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []int64{0, 1, 2, 3}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("call order = %v; want %v", order, want)
		}
	}
}

func TestRetryAfter_PausesLane(t *testing.T) {
	clk := clockwork.NewFakeClock()
	calls := make(chan time.Time, 8)
	var n atomic.Int32
	d := New(checkerFunc(func(context.Context, int64, int64) (bool, error) {
		calls <- clk.Now()
		if n.Add(1) == 1 {
			return false, retryAfterErr(7 * time.Second)
		}
		return true, nil
	}), testConfig(), WithClock(clk))
	defer d.Close()

	type res struct {
		ok  bool
		err error
	}
	done := make(chan res, 1)
	go func() {
		ok, err := d.Dispatch(context.Background(), 1, -10, Event)
		done <- res{ok, err}
	}()

	first := <-calls
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("scheduler never waited on the pause: %v", err)
	}

	clk.Advance(6 * time.Second)
	select {
	case <-calls:
		t.Fatal("platform called again before retry_after elapsed")
	case <-time.After(50 * time.Millisecond):
	}

	var second time.Time
	for i := 0; second.IsZero(); i++ {
		if i == 5 {
			t.Fatal("task never retried after the pause")
		}
		clk.Advance(time.Second)
		select {
		case second = <-calls:
		case <-time.After(200 * time.Millisecond):
		}
	}
	if gap := second.Sub(first); gap < 7*time.Second {
		t.Fatalf("retried after %v; want >= 7s", gap)
	}

	r := <-done
	if r.err != nil || !r.ok {
		t.Fatalf("Dispatch = %v, %v; want true, nil", r.ok, r.err)
	}
}

func TestRetryAfter_ShortDeadlineFailsFast(t *testing.T) {
	d := New(checkerFunc(func(context.Context, int64, int64) (bool, error) {
		return false, retryAfterErr(time.Minute)
	}), testConfig())
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.Dispatch(ctx, 1, -10, Event)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v; want rate limited", err)
	}
	var de *Error
	if !errors.As(err, &de) || de.RetryAfter != time.Minute {
		t.Fatalf("RetryAfter not surfaced: %v", err)
	}
}

func TestTransientBackoffThenExhausted(t *testing.T) {
	clk := clockwork.NewFakeClock()
	calls := make(chan time.Time, 8)
	d := New(checkerFunc(func(context.Context, int64, int64) (bool, error) {
		calls <- clk.Now()
		return false, errFlaky
	}), testConfig(), WithClock(clk))
	defer d.Close()

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), 1, -10, Event)
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	at := []time.Time{<-calls}
	for _, gap := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if err := clk.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("backoff timer never armed: %v", err)
		}
		clk.Advance(gap)
		select {
		case ts := <-calls:
			at = append(at, ts)
		case <-ctx.Done():
			t.Fatalf("no retry after %v", gap)
		}
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := at[i+1].Sub(at[i]); got != w {
			t.Fatalf("gap %d = %v; want %v", i, got, w)
		}
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrExhausted) {
			t.Fatalf("err = %v; want exhausted", err)
		}
	case <-ctx.Done():
		t.Fatal("Dispatch did not return after the last retry")
	}
	if len(calls) != 0 {
		t.Fatal("platform called more than 1+MaxRetries times")
	}
}

func TestTransientBackoffPastDeadlineFailsFast(t *testing.T) {
	var n atomic.Int32
	cfg := testConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	d := New(checkerFunc(func(context.Context, int64, int64) (bool, error) {
		n.Add(1)
		return false, errFlaky
	}), cfg, WithClock(clockwork.NewFakeClock()))
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	_, err := d.Dispatch(ctx, 1, -10, Event)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v; want timeout", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("waited %v for a retry that could not fit the deadline", waited)
	}
	if n.Load() != 1 {
		t.Fatalf("calls = %d; want 1", n.Load())
	}
}

func TestRejectedIsNotRetried(t *testing.T) {
	var n atomic.Int32
	d := New(checkerFunc(func(context.Context, int64, int64) (bool, error) {
		n.Add(1)
		return false, permanentErr{}
	}), testConfig())
	defer d.Close()

	_, err := d.Dispatch(context.Background(), 1, -10, Event)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v; want rejected", err)
	}
	if n.Load() != 1 {
		t.Fatalf("calls = %d; want 1", n.Load())
	}
}

func TestTimeoutRemovesQueuedTask(t *testing.T) {
	release := make(chan struct{})
	var called sync.Map
	cfg := testConfig()
	cfg.EventTimeout = 50 * time.Millisecond
	d := New(checkerFunc(func(_ context.Context, u, _ int64) (bool, error) {
		called.Store(u, true)
		if u == 0 {
			<-release
		}
		return true, nil
	}), cfg)
	defer d.Close()

	blocked := make(chan struct{})
	go func() {
		defer close(blocked)
		_, _ = d.Dispatch(context.Background(), 0, -10, Interactive)
	}()
	waitFor(t, "blocker", func() bool { _, ok := called.Load(int64(0)); return ok })

	start := time.Now()
	_, err := d.Dispatch(context.Background(), 1, -10, Event)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v; want timeout", err)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("timeout took %v", el)
	}
	if got := d.Depth()[Event]; got != 0 {
		t.Fatalf("event depth = %d after timeout; want 0", got)
	}

	close(release)
	<-blocked
	time.Sleep(20 * time.Millisecond)
	if _, ok := called.Load(int64(1)); ok {
		t.Fatal("timed-out task reached the platform")
	}
}

func TestCoalescing(t *testing.T) {
	release := make(chan struct{})
	var n atomic.Int32
	cfg := testConfig()
	cfg.MaxInFlight = 4
	d := New(checkerFunc(func(context.Context, int64, int64) (bool, error) {
		n.Add(1)
		<-release
		return true, nil
	}), cfg)
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := d.Dispatch(context.Background(), 1, -10, Event); err != nil || !ok {
				t.Errorf("Dispatch = %v, %v", ok, err)
			}
		}()
	}
	waitFor(t, "first call", func() bool { return n.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := n.Load(); got != 1 {
		t.Fatalf("platform calls = %d; want 1", got)
	}
}

func TestClose(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Bool
	d := New(checkerFunc(func(_ context.Context, u, _ int64) (bool, error) {
		if u == 0 {
			started.Store(true)
			<-release
		}
		return true, nil
	}), testConfig())

	go func() { _, _ = d.Dispatch(context.Background(), 0, -10, Event) }()
	waitFor(t, "blocker in flight", started.Load)

	queued := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), 1, -10, Event)
		queued <- err
	}()
	waitFor(t, "second task queued", func() bool { return d.Depth()[Event] == 1 })

	closed := make(chan struct{})
	go func() {
		_ = d.Close()
		close(closed)
	}()

	select {
	case err := <-queued:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("queued task err = %v; want closed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued task not failed on Close")
	}
	close(release)
	<-closed

	if _, err := d.Dispatch(context.Background(), 2, -10, Event); !errors.Is(err, ErrClosed) {
		t.Fatalf("Dispatch after Close = %v; want closed", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestSharedBudget(t *testing.T) {
	clk := clockwork.NewFakeClock()
	store := memory.New(0, memory.WithClock(clk))
	defer store.Close()

	var n atomic.Int32
	d := New(checkerFunc(func(context.Context, int64, int64) (bool, error) {
		n.Add(1)
		return true, nil
	}), testConfig(), WithClock(clk), WithBudget(NewStoreBudget(store, "", 2, time.Second)))
	defer d.Close()

	ctx := context.Background()
	for u := int64(1); u <= 2; u++ {
		if _, err := d.Dispatch(ctx, u, -10, Event); err != nil {
			t.Fatalf("Dispatch(%d): %v", u, err)
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, 3, -10, Event)
		done <- err
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("scheduler never waited for the next window: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := n.Load(); got != 2 {
		t.Fatalf("calls = %d before window reset; want 2", got)
	}

	clk.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dispatch(3): %v", err)
		}
	case <-waitCtx.Done():
		t.Fatal("third call not admitted in the next window")
	}
}

func TestBatchShareThrottlesBatchLane(t *testing.T) {
	clk := clockwork.NewFakeClock()
	var (
		mu    sync.Mutex
		calls []int64
	)
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(calls)
	}
	// Global bucket holds 10 tokens, the batch share 2 refilling at 0.2/s.
	d := New(checkerFunc(func(_ context.Context, u, _ int64) (bool, error) {
		mu.Lock()
		calls = append(calls, u)
		mu.Unlock()
		return true, nil
	}), Config{Burst: 10, Rate: 1, BatchShare: 0.2, MaxInFlight: 1}, WithClock(clk))
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for u := int64(1); u <= 5; u++ {
		go func(u int64) { _, _ = d.Dispatch(ctx, u, -10, Batch) }(u)
	}
	waitFor(t, "batch burst", func() bool { return count() == 2 })
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("scheduler never waited on the batch share: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := count(); got != 2 {
		t.Fatalf("batch calls = %d with the share exhausted; want 2", got)
	}

	clk.Advance(6 * time.Second)
	waitFor(t, "one refilled batch token", func() bool { return count() == 3 })
	time.Sleep(20 * time.Millisecond)
	if got := count(); got != 3 {
		t.Fatalf("batch calls = %d after one refill; want 3", got)
	}

	// The global bucket still has room for higher lanes.
	if _, err := d.Dispatch(ctx, 100, -10, Interactive); err != nil {
		t.Fatalf("interactive blocked behind batch share: %v", err)
	}
}

func TestPriorityOrder_TokenScarce(t *testing.T) {
	clk := clockwork.NewFakeClock()
	var (
		mu    sync.Mutex
		order []int64
	)
	d := New(checkerFunc(func(_ context.Context, u, _ int64) (bool, error) {
		mu.Lock()
		order = append(order, u)
		mu.Unlock()
		return true, nil
	}), Config{Burst: 1, Rate: 1, MaxInFlight: 1}, WithClock(clk))
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := d.Dispatch(ctx, 0, -10, Event); err != nil {
		t.Fatalf("Dispatch(0): %v", err)
	}

	var wg sync.WaitGroup
	dispatch := func(u int64, p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(ctx, u, -10, p); err != nil {
				t.Errorf("Dispatch(%d): %v", u, err)
			}
		}()
	}
	dispatch(3, Batch)
	waitFor(t, "batch queued", func() bool { return d.Depth()[Batch] == 1 })
	dispatch(2, Event)
	waitFor(t, "event queued", func() bool { return d.Depth()[Event] == 1 })
	dispatch(1, Interactive)
	waitFor(t, "interactive queued", func() bool { return d.Depth()[Interactive] == 1 })

	// One token per second; each must go to the highest waiting lane.
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for {
		select {
		case <-done:
			mu.Lock()
			defer mu.Unlock()
			want := []int64{0, 1, 2, 3}
			for i := range want {
				if i >= len(order) || order[i] != want[i] {
					t.Fatalf("call order = %v; want %v", order, want)
				}
			}
			return
		case <-ctx.Done():
			t.Fatal("queued calls never admitted")
		case <-time.After(5 * time.Millisecond):
			clk.Advance(time.Second)
		}
	}
}

func TestSettleBatch(t *testing.T) {
	clk := clockwork.NewFakeClock()
	d := New(checkerFunc(func(context.Context, int64, int64) (bool, error) { return true, nil }),
		Config{Burst: 10, Rate: 1, BatchShare: 0.2}, WithClock(clk))
	defer d.Close()
	now := clk.Now()

	r, _, ok := d.reserve(d.batchLimiter, now)
	if !ok {
		t.Fatal("batch share should start full")
	}
	// A higher lane was served on that wake: the batch token comes back.
	if res, ok := d.settleBatch(Interactive, r, now); !ok || res != nil {
		t.Fatalf("settleBatch(Interactive) = %v, %v", res, ok)
	}
	if got := d.batchLimiter.TokensAt(now); got < 1.999 {
		t.Fatalf("batch tokens = %v after returning the reservation; want 2", got)
	}

	// A batch task picked on another lane's wake is charged.
	for i := 0; i < 2; i++ {
		if res, ok := d.settleBatch(Batch, nil, now); !ok || res == nil {
			t.Fatalf("charge %d = %v, %v", i, res, ok)
		}
	}
	if _, ok := d.settleBatch(Batch, nil, now); ok {
		t.Fatal("batch share exhausted but still charged")
	}
}

func TestRateCeiling(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	const (
		total = 1000
		burst = 20
		rps   = 200
	)
	var (
		mu sync.Mutex
		at []time.Time
	)
	d := New(checkerFunc(func(context.Context, int64, int64) (bool, error) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
		return true, nil
	}), Config{Burst: burst, Rate: rps, MaxInFlight: 32})
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for u := int64(0); u < total; u++ {
		wg.Add(1)
		go func(u int64) {
			defer wg.Done()
			if _, err := d.Dispatch(ctx, u, -10, Event); err != nil {
				t.Errorf("Dispatch(%d): %v", u, err)
			}
		}(u)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(at) != total {
		t.Fatalf("calls = %d; want %d", len(at), total)
	}
	sort.Slice(at, func(i, j int) bool { return at[i].Before(at[j]) })
	limit := burst + rps + 5
	for i, j := 0, 0; i < len(at); i++ {
		for at[i].Sub(at[j]) >= time.Second {
			j++
		}
		if w := i - j + 1; w > limit {
			t.Fatalf("%d calls in one second; ceiling %d", w, limit)
		}
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{"interactive": Interactive, "": Event, "event": Event, "2": Batch}
	for in, want := range cases {
		if got, ok := ParsePriority(in); !ok || got != want {
			t.Errorf("ParsePriority(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParsePriority("urgent"); ok {
		t.Error("unknown lane accepted")
	}
}

func TestErrorMatching(t *testing.T) {
	err := error(&Error{Kind: KindRateLimited, RetryAfter: 3 * time.Second, Err: retryAfterErr(3 * time.Second)})
	if !errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTimeout) {
		t.Fatal("Is should match by kind only")
	}
	if KindOf(err) != KindRateLimited || KindOf(errFlaky) != 0 {
		t.Fatal("KindOf mismatch")
	}
	if d, ok := retryAfterOf(errors.Unwrap(err)); !ok || d != 3*time.Second {
		t.Fatalf("retryAfterOf = %v, %v", d, ok)
	}
	if !isPermanent(permanentErr{}) || isPermanent(errFlaky) {
		t.Fatal("isPermanent mismatch")
	}
}
