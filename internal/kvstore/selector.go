// ABOUTME: Store façade that chooses between the local and remote backends
// ABOUTME: Tracks remote health, falls back on sustained failures, and probes for recovery

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

// Mode names the backend currently serving requests.
type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// Selection policies accepted in SelectorConfig.Mode.
const (
	SelectAuto   = "auto"
	SelectLocal  = "local"
	SelectRemote = "remote"
)

// Health is a snapshot of remote store health.
type Health struct {
	ConsecutiveFailures int
	LastFailureAt       time.Time
	Mode                Mode
}

// SelectorConfig holds the selection and recovery policy.
type SelectorConfig struct {
	// Mode is auto, local or remote. Empty means auto.
	Mode             string
	ConnectTimeout   time.Duration
	FailureThreshold int
	// FailureWindow resets the failure count when consecutive failures are
	// further apart than this. Zero disables the window.
	FailureWindow    time.Duration
	ProbeInterval    time.Duration
	ProbeMaxInterval time.Duration
	Clock            clockwork.Clock
	Logger           *slog.Logger
}

func (c *SelectorConfig) applyDefaults() {
	if c.Mode == "" {
		c.Mode = SelectAuto
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.ProbeMaxInterval < c.ProbeInterval {
		c.ProbeMaxInterval = c.ProbeInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Selector presents one Store while owning the choice of backend. Switching
// modes does not copy entries: values written to one backend are not visible
// through the other.
type Selector struct {
	cfg    SelectorConfig
	local  Store
	remote Store
	logger *slog.Logger

	mu      sync.Mutex
	health  Health
	probing bool
	closed  bool
	notify  notifier

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSelector picks the initial backend. Forced local never touches remote.
// Otherwise remote is pinged within the connect timeout; if that fails the
// selector starts in local mode and probes remote in the background. It
// never returns an error for a fallback decision.
func NewSelector(ctx context.Context, cfg SelectorConfig, local, remote Store) (*Selector, error) {
	cfg.applyDefaults()
	if local == nil {
		return nil, errors.New("kvstore: selector requires a local store")
	}
	switch cfg.Mode {
	case SelectAuto, SelectLocal, SelectRemote:
	default:
		return nil, fmt.Errorf("kvstore: unknown store mode %q (want auto, local or remote)", cfg.Mode)
	}

	s := &Selector{
		cfg:    cfg,
		local:  local,
		remote: remote,
		logger: cfg.Logger.With("component", "kvstore.selector"),
		health: Health{Mode: ModeLocal},
		stop:   make(chan struct{}),
	}

	if cfg.Mode == SelectLocal || remote == nil {
		s.logger.Info("using local store", "policy", cfg.Mode)
		return s, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err := remote.Ping(pingCtx)
	cancel()
	if err != nil {
		s.logger.Warn("remote store unreachable at startup, falling back to local",
			"policy", cfg.Mode,
			"error", err)
		s.mu.Lock()
		s.health.LastFailureAt = cfg.Clock.Now()
		s.startProbeLocked()
		s.mu.Unlock()
		return s, nil
	}

	s.health.Mode = ModeRemote
	s.logger.Info("using remote store", "policy", cfg.Mode)
	return s, nil
}

// Mode returns the backend currently serving requests.
func (s *Selector) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health.Mode
}

// Health returns a snapshot of remote store health.
func (s *Selector) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Get implements Store.
func (s *Selector) Get(ctx context.Context, key string) ([]byte, error) {
	return route(s, "get", func(st Store) ([]byte, error) { return st.Get(ctx, key) })
}

// Set implements Store.
func (s *Selector) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := route(s, "set", func(st Store) (struct{}, error) { return struct{}{}, st.Set(ctx, key, value, ttl) })
	return err
}

// Delete implements Store.
func (s *Selector) Delete(ctx context.Context, keys ...string) (int, error) {
	return route(s, "delete", func(st Store) (int, error) { return st.Delete(ctx, keys...) })
}

// Expire implements Store.
func (s *Selector) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return route(s, "expire", func(st Store) (bool, error) { return st.Expire(ctx, key, ttl) })
}

// TTL implements Store.
func (s *Selector) TTL(ctx context.Context, key string) (time.Duration, error) {
	return route(s, "ttl", func(st Store) (time.Duration, error) { return st.TTL(ctx, key) })
}

// Exists implements Store.
func (s *Selector) Exists(ctx context.Context, key string) (bool, error) {
	return route(s, "exists", func(st Store) (bool, error) { return st.Exists(ctx, key) })
}

// Keys implements Store.
func (s *Selector) Keys(ctx context.Context, pattern string) ([]string, error) {
	return route(s, "keys", func(st Store) ([]string, error) { return st.Keys(ctx, pattern) })
}

// Flush implements Store.
func (s *Selector) Flush(ctx context.Context) error {
	_, err := route(s, "flush", func(st Store) (struct{}, error) { return struct{}{}, st.Flush(ctx) })
	return err
}

// Ping checks the currently selected backend.
func (s *Selector) Ping(ctx context.Context) error {
	_, err := route(s, "ping", func(st Store) (struct{}, error) { return struct{}{}, st.Ping(ctx) })
	return err
}

// OnClose registers fn to run when the selector is closed.
func (s *Selector) OnClose(fn func()) {
	s.mu.Lock()
	added := s.notify.add(fn)
	s.mu.Unlock()
	if !added {
		fn()
	}
}

// Close stops probing and closes both backends. Safe to call multiple times.
func (s *Selector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	observers := s.notify.take()
	s.mu.Unlock()

	s.wg.Wait()

	var errs []error
	if err := s.local.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.remote != nil {
		if err := s.remote.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fn := range observers {
		fn()
	}
	s.logger.Debug("selector closed")
	return errors.Join(errs...)
}

// current returns the backend to use and whether it is the remote one.
func (s *Selector) current() (Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health.Mode == ModeRemote {
		return s.remote, true
	}
	return s.local, false
}

// route runs op against the selected backend. A remote outage is recorded
// against health and the operation is served from the local store instead,
// so ErrStoreUnavailable never reaches the caller.
func route[T any](s *Selector, op string, fn func(Store) (T, error)) (T, error) {
	st, remote := s.current()
	v, err := fn(st)
	if !remote {
		return v, err
	}
	if errors.Is(err, ErrStoreUnavailable) {
		s.recordFailure(op, err)
		return fn(s.local)
	}
	if err == nil || errors.Is(err, ErrNotFound) {
		s.recordSuccess()
	}
	return v, err
}

func (s *Selector) recordFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	if s.cfg.FailureWindow > 0 && s.health.ConsecutiveFailures > 0 &&
		now.Sub(s.health.LastFailureAt) > s.cfg.FailureWindow {
		s.health.ConsecutiveFailures = 0
	}
	s.health.ConsecutiveFailures++
	s.health.LastFailureAt = now

	s.logger.Debug("remote store operation failed",
		"op", op,
		"consecutive_failures", s.health.ConsecutiveFailures,
		"error", err)

	if s.health.Mode == ModeRemote && s.health.ConsecutiveFailures >= s.cfg.FailureThreshold {
		s.health.Mode = ModeLocal
		s.logger.Warn("remote store failing, switching to local store",
			"consecutive_failures", s.health.ConsecutiveFailures,
			"threshold", s.cfg.FailureThreshold)
		s.startProbeLocked()
	}
}

func (s *Selector) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health.ConsecutiveFailures = 0
}

// startProbeLocked launches the reconnection probe if one is not running.
// Must be called with mu held.
func (s *Selector) startProbeLocked() {
	if s.probing || s.closed || s.remote == nil {
		return
	}
	s.probing = true
	s.wg.Add(1)
	go s.probe()
}

// probe pings the remote store on an exponential schedule until it answers
// or the selector closes.
func (s *Selector) probe() {
	defer s.wg.Done()

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = s.cfg.ProbeInterval
	schedule.MaxInterval = s.cfg.ProbeMaxInterval
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0.1
	schedule.Reset()

	for attempt := 1; ; attempt++ {
		select {
		case <-s.stop:
			s.endProbe()
			return
		case <-s.cfg.Clock.After(schedule.NextBackOff()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		err := s.remote.Ping(ctx)
		cancel()
		if err != nil {
			s.logger.Debug("remote store probe failed", "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		s.probing = false
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.health = Health{Mode: ModeRemote}
		s.mu.Unlock()
		s.logger.Info("remote store reachable again, switching back", "probes", attempt)
		return
	}
}

func (s *Selector) endProbe() {
	s.mu.Lock()
	s.probing = false
	s.mu.Unlock()
}
