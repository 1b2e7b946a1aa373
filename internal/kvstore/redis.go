// ABOUTME: Redis-backed key/value store shared across relay processes
// ABOUTME: Maps connection failures to ErrStoreUnavailable and redis.Nil to ErrNotFound

package kvstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint for SCAN iterations.
const scanBatch = 100

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr        string
	Username    string
	Password    string
	DB          int
	TLS         bool
	DialTimeout time.Duration
	// KeyPrefix namespaces every key; it is stripped from Keys results.
	KeyPrefix  string
	DefaultTTL time.Duration
	Logger     *slog.Logger
}

// RedisStore is a Store on a shared Redis server.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	notify notifier
}

// NewRedisStore creates a store for the configured server. No connection is
// made until the first command; call Ping to check reachability.
func NewRedisStore(opts RedisOptions) *RedisStore {
	ropts := &redis.Options{
		Addr:        opts.Addr,
		Username:    opts.Username,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
		// The selector owns retry policy.
		MaxRetries: -1,
	}
	if opts.TLS {
		ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return NewRedisStoreFromClient(redis.NewClient(ropts), opts)
}

// NewRedisStoreFromClient wraps an existing client. Addr, credentials and TLS
// in opts are ignored.
func NewRedisStoreFromClient(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:     client,
		prefix:     opts.KeyPrefix,
		defaultTTL: opts.DefaultTTL,
		logger:     logger.With("component", "kvstore.redis"),
	}
}

// Get returns the value for key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return nil, s.wrap("get", err)
	}
	return val, nil
}

// Set stores value under key with ttl (or the default TTL when ttl <= 0).
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.wrap("set", s.client.Set(ctx, s.prefix+key, value, ttl).Err())
}

// Delete removes keys and returns how many existed.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, s.prefixed(keys)...).Result()
	if err != nil {
		return 0, s.wrap("del", err)
	}
	return int(n), nil
}

// Expire rewrites key's TTL. A ttl <= 0 deletes the key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		n, err := s.Delete(ctx, key)
		return n > 0, err
	}
	ok, err := s.client.PExpire(ctx, s.prefix+key, ttl).Result()
	if err != nil {
		return false, s.wrap("pexpire", err)
	}
	return ok, nil
}

// TTL returns the remaining lifetime of key.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, s.wrap("pttl", err)
	}
	return normalizeTTL(d), nil
}

// Exists reports whether key is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, s.wrap("exists", err)
	}
	return n > 0, nil
}

// Keys scans for keys matching pattern. Only * is a wildcard; glob
// metacharacters the server would otherwise interpret are escaped.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	match := escapeGlob(s.prefix) + escapeGlob(pattern)
	var keys []string
	iter := s.client.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, s.wrap("scan", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Flush removes every key. With a prefix only the namespaced keys are
// removed; without one the whole database is flushed.
func (s *RedisStore) Flush(ctx context.Context) error {
	if s.prefix == "" {
		return s.wrap("flushdb", s.client.FlushDB(ctx).Err())
	}
	iter := s.client.Scan(ctx, 0, escapeGlob(s.prefix)+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return s.wrap("del", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return s.wrap("scan", err)
	}
	if len(batch) > 0 {
		return s.wrap("del", s.client.Del(ctx, batch...).Err())
	}
	return nil
}

// Ping checks the server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.wrap("ping", s.client.Ping(ctx).Err())
}

// OnClose registers fn to run when the store is closed.
func (s *RedisStore) OnClose(fn func()) {
	s.mu.Lock()
	added := s.notify.add(fn)
	s.mu.Unlock()
	if !added {
		fn()
	}
}

// Close closes the client connection pool. It is safe to call multiple times.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	observers := s.notify.take()
	s.mu.Unlock()

	err := s.client.Close()
	for _, fn := range observers {
		fn()
	}
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("closing redis client: %w", err)
	}
	return nil
}

// wrap classifies a client error. Caller cancellation passes through
// unchanged so it is not counted against store health.
func (s *RedisStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, ErrClosed)
	}
	s.logger.Debug("redis command failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (s *RedisStore) prefixed(keys []string) []string {
	if s.prefix == "" {
		return keys
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = s.prefix + k
	}
	return out
}

// normalizeTTL maps the client's negative replies onto NoExpiry and Missing.
func normalizeTTL(d time.Duration) time.Duration {
	switch d {
	case -1, -time.Millisecond, -time.Second:
		return NoExpiry
	case -2, -2 * time.Millisecond, -2 * time.Second:
		return Missing
	}
	if d < 0 {
		return Missing
	}
	return d
}

// escapeGlob escapes every glob metacharacter except *.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
