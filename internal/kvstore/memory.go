// ABOUTME: In-process key/value store with LRU eviction and per-key expiry timers
// ABOUTME: The local backend the selector falls back to when the shared cache is down

package kvstore

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCapacity bounds the local store when no capacity is configured.
const DefaultCapacity = 1000

// memoryEntry stores a value with its list element and expiry timer.
type memoryEntry struct {
	Entry
	element *list.Element
	timer   clockwork.Timer
	// gen identifies the write that armed timer, so a timer that fires after
	// the key was overwritten leaves the newer value alone.
	gen uint64
}

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	Capacity   int
	DefaultTTL time.Duration
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// MemoryStore is a thread-safe, size-limited store. Recency is tracked in a
// doubly-linked list (least recent at front) for O(1) eviction. Keys with a
// TTL get a timer that removes them on expiry; reads also check expiry so a
// late timer can never surface a stale value.
type MemoryStore struct {
	mu         sync.Mutex
	items      map[string]*memoryEntry
	order      *list.List
	capacity   int
	defaultTTL time.Duration
	clock      clockwork.Clock
	gen        uint64
	closed     bool
	notify     notifier
	logger     *slog.Logger
}

// NewMemoryStore creates an empty local store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &MemoryStore{
		items:      make(map[string]*memoryEntry),
		order:      list.New(),
		capacity:   opts.Capacity,
		defaultTTL: opts.DefaultTTL,
		clock:      opts.Clock,
		logger:     opts.Logger.With("component", "kvstore.memory"),
	}
}

// Get returns the value for key and marks it most recently used.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.liveLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	s.order.MoveToBack(e.element)
	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, nil
}

// Set stores value under key, replacing any previous value and timer.
// If the store is at capacity, the least recently used entry is evicted.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	e, exists := s.items[key]
	if exists {
		s.stopTimerLocked(e)
		e.Value = stored
		s.order.MoveToBack(e.element)
	} else {
		for len(s.items) >= s.capacity {
			s.evictOldestLocked()
		}
		e = &memoryEntry{Entry: Entry{Key: key, Value: stored}}
		e.element = s.order.PushBack(key)
		s.items[key] = e
	}
	s.armLocked(e, ttl)
	return nil
}

// Delete removes keys and returns how many were present.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	removed := 0
	for _, key := range keys {
		if e, ok := s.liveLocked(key); ok {
			s.removeLocked(e)
			removed++
		}
	}
	return removed, nil
}

// Expire rewrites key's TTL, cancelling its previous timer.
func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	e, ok := s.liveLocked(key)
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		s.removeLocked(e)
		return true, nil
	}
	s.stopTimerLocked(e)
	s.armLocked(e, ttl)
	return true, nil
}

// TTL returns the remaining lifetime of key.
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	e, ok := s.liveLocked(key)
	if !ok {
		return Missing, nil
	}
	if e.ExpiresAt.IsZero() {
		return NoExpiry, nil
	}
	return e.ExpiresAt.Sub(s.clock.Now()), nil
}

// Exists reports whether key is present and unexpired. It does not touch recency.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.liveLocked(key)
	return ok, nil
}

// Keys returns matching live keys in sorted order.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	now := s.clock.Now()
	keys := make([]string, 0, len(s.items))
	for key, e := range s.items {
		if e.Expired(now) {
			s.removeLocked(e)
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Flush removes every entry and cancels every timer.
func (s *MemoryStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.clearLocked()
	return nil
}

// Ping always succeeds on an open store.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// OnClose registers fn to run when the store is closed.
func (s *MemoryStore) OnClose(fn func()) {
	s.mu.Lock()
	added := s.notify.add(fn)
	s.mu.Unlock()
	if !added {
		fn()
	}
}

// Close stops every timer and drops all entries. It is safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.clearLocked()
	observers := s.notify.take()
	s.mu.Unlock()

	s.logger.Debug("memory store closed")
	for _, fn := range observers {
		fn()
	}
	return nil
}

// liveLocked returns the entry for key, purging it if expired.
// Must be called with mu held.
func (s *MemoryStore) liveLocked(key string) (*memoryEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if e.Expired(s.clock.Now()) {
		s.removeLocked(e)
		return nil, false
	}
	return e, true
}

// armLocked sets e's expiry and starts its timer. Must be called with mu held.
func (s *MemoryStore) armLocked(e *memoryEntry, ttl time.Duration) {
	s.gen++
	e.gen = s.gen
	if ttl <= 0 {
		e.ExpiresAt = time.Time{}
		return
	}
	e.ExpiresAt = s.clock.Now().Add(ttl)
	key, gen := e.Key, e.gen
	e.timer = s.clock.AfterFunc(ttl, func() { s.expireTimer(key, gen) })
}

// expireTimer runs when a key's timer fires.
func (s *MemoryStore) expireTimer(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || e.gen != gen {
		return
	}
	e.timer = nil
	s.removeLocked(e)
}

// stopTimerLocked cancels e's pending timer. Must be called with mu held.
func (s *MemoryStore) stopTimerLocked(e *memoryEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// removeLocked drops e and its timer. Must be called with mu held.
func (s *MemoryStore) removeLocked(e *memoryEntry) {
	s.stopTimerLocked(e)
	s.order.Remove(e.element)
	delete(s.items, e.Key)
}

// evictOldestLocked removes the least recently used entry. Must be called with mu held.
func (s *MemoryStore) evictOldestLocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	if e, ok := s.items[key]; ok {
		s.removeLocked(e)
		s.logger.Debug("evicted least recently used key", "key", key)
		return
	}
	s.order.Remove(front)
}

// clearLocked drops every entry. Must be called with mu held.
func (s *MemoryStore) clearLocked() {
	for _, e := range s.items {
		s.stopTimerLocked(e)
	}
	s.items = make(map[string]*memoryEntry)
	s.order.Init()
}
