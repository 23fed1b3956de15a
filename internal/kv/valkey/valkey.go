// Package valkey is the shared kv.Store driver backed by a Valkey (or Redis)
// server. All engine instances point at the same server so verification
// results, dedup keys and cool-downs are visible cluster-wide.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/tbourn/changuard/internal/kv"
)

// Config holds connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// DefaultConfig returns local-development defaults.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		DialTimeout: 5 * time.Second,
	}
}

// incrementScript bumps a fixed-window counter and reports its remaining
// lifetime in one round trip. The window starts on the first increment.
var incrementScript = valkey.NewLuaScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
return {n, ttl}
`)

// Store implements kv.Store on top of valkey-go.
type Store struct {
	client valkey.Client
}

// New dials the server and fails fast when it is unreachable.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey: empty address")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Addr},
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		DisableCache:      true,
		ForceSingleClient: true,
		Dialer:            net.Dialer{Timeout: cfg.DialTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("valkey: connect %s: %w", cfg.Addr, err)
	}
	s := &Store{client: client}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey: ping %s: %w", cfg.Addr, err)
	}
	return s, nil
}

// Get returns kv.ErrNotFound on a nil reply.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, kv.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := s.client.B().Set().Key(key).Value(valkey.BinaryString(value)).PxMilliseconds(millis(ttl)).Build()
	return s.client.Do(ctx, cmd).Error()
}

// SetNX maps a nil reply (key already present) to false.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cmd := s.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Nx().PxMilliseconds(millis(ttl)).Build()
	err := s.client.Do(ctx, cmd).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
}

// Increment runs incrementScript and converts the remaining TTL into an
// absolute reset time.
func (s *Store) Increment(ctx context.Context, key string, delta int64, window time.Duration) (int64, time.Time, error) {
	now := time.Now()
	arr, err := incrementScript.Exec(ctx, s.client,
		[]string{key},
		[]string{strconv.FormatInt(delta, 10), strconv.FormatInt(millis(window), 10)},
	).ToArray()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(arr) != 2 {
		return 0, time.Time{}, fmt.Errorf("valkey: increment reply has %d elements", len(arr))
	}
	n, err := arr[0].AsInt64()
	if err != nil {
		return 0, time.Time{}, err
	}
	ttlMs, err := arr[1].AsInt64()
	if err != nil {
		return 0, time.Time{}, err
	}
	return n, now.Add(time.Duration(ttlMs) * time.Millisecond), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// millis rounds up so sub-millisecond TTLs still expire instead of persisting.
func millis(d time.Duration) int64 {
	ms := int64(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms < 1 {
		ms = 1
	}
	return ms
}

var _ kv.Store = (*Store)(nil)
