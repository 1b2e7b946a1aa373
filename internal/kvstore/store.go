// ABOUTME: Store interface shared by the local and remote key/value backends
// ABOUTME: Defines sentinel errors, TTL sentinels, and the key pattern matcher

package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kvstore: key not found")

// ErrStoreUnavailable is returned when the backend could not be reached.
// It is distinct from ErrNotFound so the selector can tell an outage from a miss.
var ErrStoreUnavailable = errors.New("kvstore: store unavailable")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store closed")

// TTL sentinels, matching the remote protocol's -1 and -2 replies.
const (
	NoExpiry time.Duration = -1 * time.Second
	Missing  time.Duration = -2 * time.Second
)

// Entry is one cached value. A zero ExpiresAt means the entry never expires.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is a bounded, time-expiring key space. Both backends satisfy it
// identically; callers should treat it as best-effort and never as a system
// of record.
type Store interface {
	// Get returns the value for key, or ErrNotFound. Expired entries are never returned.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set overwrites key's value and expiry. A ttl <= 0 applies the store's
	// default TTL, which may be none.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)
	// Expire rewrites the TTL of an existing key without changing its value.
	// It reports whether the key existed. A ttl <= 0 deletes the key.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// TTL returns the remaining lifetime, NoExpiry, or Missing.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns keys matching pattern, where * matches any run of characters.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Flush removes every key.
	Flush(ctx context.Context) error
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases timers and connections. Safe to call more than once.
	Close() error
}

// Lifecycle is implemented by stores that notify observers when closed.
type Lifecycle interface {
	// OnClose registers fn to run once when the store closes. If the store is
	// already closed, fn runs immediately.
	OnClose(fn func())
}

// TTLSeconds renders a TTL in the protocol's integer form: remaining whole
// seconds (rounded up), -1 for no expiry, -2 for a missing key.
func TTLSeconds(d time.Duration) int64 {
	switch d {
	case NoExpiry:
		return -1
	case Missing:
		return -2
	}
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// MatchPattern reports whether key matches pattern. Every * matches any run
// of characters (including none); all other characters match literally.
func MatchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}

	first, last := parts[0], parts[len(parts)-1]
	if !strings.HasPrefix(key, first) {
		return false
	}
	rest := key[len(first):]
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(rest, mid)
		if i < 0 {
			return false
		}
		rest = rest[i+len(mid):]
	}
	return len(rest) >= len(last) && strings.HasSuffix(rest, last)
}

// notifier runs close observers exactly once.
type notifier struct {
	observers []func()
	fired     bool
}

// add registers fn, reporting false if observers already fired (the caller
// should then run fn itself). Must be called with the owner's lock held.
func (n *notifier) add(fn func()) bool {
	if n.fired {
		return false
	}
	n.observers = append(n.observers, fn)
	return true
}

// take marks observers fired and returns them to run outside the lock.
// Must be called with the owner's lock held.
func (n *notifier) take() []func() {
	if n.fired {
		return nil
	}
	n.fired = true
	fns := n.observers
	n.observers = nil
	return fns
}
