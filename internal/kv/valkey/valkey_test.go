package valkey_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/tbourn/changuard/internal/kv"
	"github.com/tbourn/changuard/internal/kv/valkey"
)

func newStore(t *testing.T) (*valkey.Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	s, err := valkey.New(valkey.Config{Addr: srv.Addr(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, srv
}

func TestNew_FailFastUnreachable(t *testing.T) {
	_, err := valkey.New(valkey.Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	if err == nil {
		t.Fatal("expected error when the server is unreachable")
	}
}

func TestNew_EmptyAddr(t *testing.T) {
	if _, err := valkey.New(valkey.Config{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := valkey.DefaultConfig()
	if cfg.Addr != "localhost:6379" || cfg.DB != 0 || cfg.Password != "" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestSetGetDelete(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "verify:1:2", []byte(`{"is_member":true}`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "verify:1:2")
	if err != nil || string(got) != `{"is_member":true}` {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := s.Delete(ctx, "verify:1:2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "verify:1:2"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("Get after delete = %v; want ErrNotFound", err)
	}
}

func TestSet_ExpiresWithServerClock(t *testing.T) {
	s, srv := newStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "neg", []byte("0"), 60*time.Second)
	_ = s.Set(ctx, "pos", []byte("1"), 600*time.Second)

	srv.FastForward(70 * time.Second)

	if _, err := s.Get(ctx, "neg"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("short-lived key should be gone, err = %v", err)
	}
	if _, err := s.Get(ctx, "pos"); err != nil {
		t.Fatalf("long-lived key should remain: %v", err)
	}
}

func TestSetNX(t *testing.T) {
	s, srv := newStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "event:abc", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}
	ok, err = s.SetNX(ctx, "event:abc", []byte("1"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v; want false, nil", ok, err)
	}
	srv.FastForward(time.Minute)
	ok, _ = s.SetNX(ctx, "event:abc", []byte("1"), time.Minute)
	if !ok {
		t.Fatal("SetNX after expiry should succeed")
	}
}

func TestIncrement_ResetAt(t *testing.T) {
	s, srv := newStore(t)
	ctx := context.Background()
	window := 30 * time.Second
	before := time.Now()

	n, resetAt, err := s.Increment(ctx, "budget", 1, window)
	if err != nil || n != 1 {
		t.Fatalf("Increment = %d, %v", n, err)
	}
	if resetAt.Before(before.Add(window-time.Second)) || resetAt.After(time.Now().Add(window+time.Second)) {
		t.Fatalf("resetAt %v outside expected window", resetAt)
	}

	n, _, _ = s.Increment(ctx, "budget", 4, window)
	if n != 5 {
		t.Fatalf("second Increment = %d; want 5", n)
	}

	srv.FastForward(window)
	n, _, _ = s.Increment(ctx, "budget", 1, window)
	if n != 1 {
		t.Fatalf("counter should restart after the window, got %d", n)
	}
}
