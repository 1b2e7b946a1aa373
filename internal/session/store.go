// ABOUTME: Session continuity records mapping a caller's session id to a platform conversation
// ABOUTME: Kept in the key/value store with a sliding TTL and a capped document reference list

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/2389/agent-relay/internal/codec"
	"github.com/2389/agent-relay/internal/kvstore"
)

const (
	DefaultTTL     = 24 * time.Hour
	DefaultMaxRefs = 20

	keyPrefix = "session:"
)

// Context is what the relay remembers about one session.
type Context struct {
	SessionID      string    `json:"session_id" cbor:"session_id"`
	AgentID        string    `json:"agent_id" cbor:"agent_id"`
	ConversationID string    `json:"conversation_id" cbor:"conversation_id"`
	DocumentRefs   []string  `json:"document_refs,omitempty" cbor:"document_refs,omitempty"`
	Turns          int       `json:"turns" cbor:"turns"`
	CreatedAt      time.Time `json:"created_at" cbor:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" cbor:"updated_at"`
}

// RecordParams is the input to Record.
type RecordParams struct {
	SessionID      string
	AgentID        string
	ConversationID string
	DocumentRefs   []string
}

// Options configures a Store.
type Options struct {
	TTL     time.Duration
	MaxRefs int
	Codec   codec.Codec
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Store reads and writes session records.
type Store struct {
	kv      kvstore.Store
	ttl     time.Duration
	maxRefs int
	codec   codec.Codec
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewStore creates a session store over kv.
func NewStore(kv kvstore.Store, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxRefs <= 0 {
		opts.MaxRefs = DefaultMaxRefs
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		kv:      kv,
		ttl:     opts.TTL,
		maxRefs: opts.MaxRefs,
		codec:   opts.Codec,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "session"),
	}
}

// Key returns the store key for a session.
func Key(sessionID string) string {
	return keyPrefix + sessionID
}

// Resume returns the session's record, or nil when the session is new or expired.
func (s *Store) Resume(ctx context.Context, sessionID string) (*Context, error) {
	if sessionID == "" {
		return nil, nil
	}
	data, err := s.kv.Get(ctx, Key(sessionID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	var sc Context
	if err := s.codec.Unmarshal(data, &sc); err != nil {
		s.logger.Warn("discarding undecodable session", "session_id", sessionID, "error", err)
		return nil, nil
	}
	return &sc, nil
}

// Record upserts the session after a turn. Document references are appended
// and the oldest are dropped past the cap. The TTL restarts on every call.
func (s *Store) Record(ctx context.Context, p RecordParams) (*Context, error) {
	if p.SessionID == "" {
		return nil, errors.New("session id is required")
	}

	sc, err := s.Resume(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if sc == nil {
		sc = &Context{SessionID: p.SessionID, CreatedAt: now}
	}
	if p.AgentID != "" {
		sc.AgentID = p.AgentID
	}
	if p.ConversationID != "" {
		sc.ConversationID = p.ConversationID
	}
	sc.DocumentRefs = appendCapped(sc.DocumentRefs, p.DocumentRefs, s.maxRefs)
	sc.Turns++
	sc.UpdatedAt = now

	data, err := s.codec.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("encoding session %s: %w", p.SessionID, err)
	}
	if err := s.kv.Set(ctx, Key(p.SessionID), data, s.ttl); err != nil {
		return nil, fmt.Errorf("writing session %s: %w", p.SessionID, err)
	}

	s.logger.Debug("session recorded",
		"session_id", p.SessionID,
		"conversation_id", sc.ConversationID,
		"turns", sc.Turns,
		"refs", len(sc.DocumentRefs))
	return sc, nil
}

// Delete forgets a session. It reports whether one existed.
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.kv.Delete(ctx, Key(sessionID))
	if err != nil {
		return false, fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// List returns the ids of all live sessions.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, keyPrefix))
	}
	return ids, nil
}

func appendCapped(existing, added []string, max int) []string {
	out := append(append([]string(nil), existing...), added...)
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
