package tenant

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/changuard/internal/domain"
	"github.com/tbourn/changuard/internal/repo"
)

func newResolverDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func seedGroup(t *testing.T, db *gorm.DB, id int64, enabled bool, config string, channels ...int64) {
	t.Helper()
	ctx := context.Background()
	if err := repo.UpsertGroup(ctx, db, &domain.ProtectedGroup{ID: id, Title: "g", Enabled: enabled, Config: config}); err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}
	for _, c := range channels {
		if err := repo.UpsertChannel(ctx, db, &domain.EnforcedChannel{ID: c, Title: "c"}); err != nil {
			t.Fatalf("UpsertChannel: %v", err)
		}
		if err := repo.LinkChannel(ctx, db, id, c, -1); err != nil {
			t.Fatalf("LinkChannel: %v", err)
		}
	}
}

// fakeRepo counts loads and can fail or stall on demand.
type fakeRepo struct {
	mu       sync.Mutex
	group    *domain.ProtectedGroup
	channels []int64
	groupErr error
	listErr  error
	gate     chan struct{}
	loads    atomic.Int32
}

func (f *fakeRepo) GetGroup(ctx context.Context, _ *gorm.DB, id int64) (*domain.ProtectedGroup, error) {
	f.loads.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groupErr != nil {
		return nil, f.groupErr
	}
	if f.group == nil {
		return nil, gorm.ErrRecordNotFound
	}
	g := *f.group
	return &g, nil
}

func (f *fakeRepo) ListRequiredChannels(context.Context, *gorm.DB, int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]int64(nil), f.channels...), nil
}

func TestRequiredChannels_FromDB(t *testing.T) {
	db := newResolverDB(t)
	seedGroup(t, db, -100, true, `{"warning_key":"strict","negative_ttl_seconds":30}`, -20, -10)
	seedGroup(t, db, -200, false, "", -30)

	r := NewResolver(db, GormRepo{}, 10*time.Second, time.Second)
	ctx := context.Background()

	req, err := r.RequiredChannels(ctx, -100)
	if err != nil {
		t.Fatalf("RequiredChannels: %v", err)
	}
	if !req.Enabled || !reflect.DeepEqual(req.Channels, []int64{-20, -10}) {
		t.Fatalf("requirements = %+v; want link order [-20 -10]", req)
	}
	if req.Settings.WarningKey != "strict" || req.Settings.NegativeTTLSeconds != 30 {
		t.Fatalf("settings = %+v", req.Settings)
	}

	disabled, err := r.RequiredChannels(ctx, -200)
	if err != nil || disabled.Enabled || len(disabled.Channels) != 0 || disabled.Protected() {
		t.Fatalf("disabled group = %+v, %v; want empty set", disabled, err)
	}

	unknown, err := r.RequiredChannels(ctx, -999)
	if err != nil || unknown.Protected() {
		t.Fatalf("unknown group = %+v, %v; want empty set", unknown, err)
	}
}

func TestRequiredChannels_CachedUntilTTL(t *testing.T) {
	clk := clockwork.NewFakeClock()
	f := &fakeRepo{group: &domain.ProtectedGroup{ID: -1, Enabled: true}, channels: []int64{-10}}
	r := NewResolver(nil, f, 5*time.Second, time.Second)
	r.Clock = clk
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.RequiredChannels(ctx, -1); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.loads.Load(); got != 1 {
		t.Fatalf("loads = %d; want 1 while fresh", got)
	}

	f.mu.Lock()
	f.channels = []int64{-10, -20}
	f.mu.Unlock()

	clk.Advance(4 * time.Second)
	req, _ := r.RequiredChannels(ctx, -1)
	if len(req.Channels) != 1 {
		t.Fatalf("stale entry expected before TTL, got %v", req.Channels)
	}

	clk.Advance(time.Second)
	req, _ = r.RequiredChannels(ctx, -1)
	if !reflect.DeepEqual(req.Channels, []int64{-10, -20}) {
		t.Fatalf("after TTL channels = %v", req.Channels)
	}
	if got := f.loads.Load(); got != 2 {
		t.Fatalf("loads = %d; want 2", got)
	}
}

func TestInvalidate(t *testing.T) {
	f := &fakeRepo{group: &domain.ProtectedGroup{ID: -1, Enabled: true}, channels: []int64{-10}}
	r := NewResolver(nil, f, time.Hour, time.Second)
	ctx := context.Background()

	_, _ = r.RequiredChannels(ctx, -1)
	f.mu.Lock()
	f.group.Enabled = false
	f.mu.Unlock()
	r.Invalidate(-1)

	req, err := r.RequiredChannels(ctx, -1)
	if err != nil || req.Enabled {
		t.Fatalf("after Invalidate = %+v, %v; want disabled", req, err)
	}
}

func TestRequiredChannels_ErrorsAreTypedAndNotCached(t *testing.T) {
	boom := errors.New("database is locked")
	f := &fakeRepo{groupErr: boom}
	r := NewResolver(nil, f, time.Hour, time.Second)
	ctx := context.Background()

	_, err := r.RequiredChannels(ctx, -1)
	var re *ResolveError
	if !errors.As(err, &re) || re.GroupID != -1 || !errors.Is(err, boom) {
		t.Fatalf("err = %v; want *ResolveError wrapping boom", err)
	}

	f.mu.Lock()
	f.groupErr = nil
	f.group = &domain.ProtectedGroup{ID: -1, Enabled: true}
	f.listErr = boom
	f.mu.Unlock()
	if _, err := r.RequiredChannels(ctx, -1); !errors.As(err, &re) {
		t.Fatalf("list failure err = %v; want *ResolveError", err)
	}

	f.mu.Lock()
	f.listErr = nil
	f.channels = []int64{-10}
	f.mu.Unlock()
	req, err := r.RequiredChannels(ctx, -1)
	if err != nil || !req.Protected() {
		t.Fatalf("recovery = %+v, %v", req, err)
	}
}

func TestRequiredChannels_Timeout(t *testing.T) {
	f := &fakeRepo{gate: make(chan struct{})}
	defer close(f.gate)
	r := NewResolver(nil, f, time.Hour, 30*time.Millisecond)

	_, err := r.RequiredChannels(context.Background(), -1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v; want deadline exceeded", err)
	}
}

func TestRequiredChannels_ConcurrentMissesShareOneLoad(t *testing.T) {
	f := &fakeRepo{group: &domain.ProtectedGroup{ID: -1, Enabled: true}, channels: []int64{-10}, gate: make(chan struct{})}
	r := NewResolver(nil, f, time.Hour, 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RequiredChannels(context.Background(), -1); err != nil {
				t.Errorf("RequiredChannels: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if got := f.loads.Load(); got != 1 {
		t.Fatalf("loads = %d; want 1", got)
	}
}

func TestRequiredChannels_InvalidSettingsFallBack(t *testing.T) {
	f := &fakeRepo{group: &domain.ProtectedGroup{ID: -1, Enabled: true, Config: "{not json"}, channels: []int64{-10, -10, -20}}
	r := NewResolver(nil, f, time.Hour, time.Second)
	req, err := r.RequiredChannels(context.Background(), -1)
	if err != nil {
		t.Fatalf("bad settings must not fail resolution: %v", err)
	}
	if !reflect.DeepEqual(req.Channels, []int64{-10, -20}) {
		t.Fatalf("channels = %v; want deduplicated", req.Channels)
	}
	if req.Settings != (domain.GroupSettings{}) {
		t.Fatalf("settings = %+v; want defaults", req.Settings)
	}
}

func TestRequirements_ReturnedCopiesAreIndependent(t *testing.T) {
	f := &fakeRepo{group: &domain.ProtectedGroup{ID: -1, Enabled: true}, channels: []int64{-10}}
	r := NewResolver(nil, f, time.Hour, time.Second)
	a, _ := r.RequiredChannels(context.Background(), -1)
	a.Channels[0] = 42
	b, _ := r.RequiredChannels(context.Background(), -1)
	if b.Channels[0] != -10 {
		t.Fatal("mutating a result leaked into the cache")
	}
}
