// ABOUTME: TTL-memoized agent metadata backed by the key/value store
// ABOUTME: Concurrent misses for one agent collapse into a single platform lookup

package agent

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/agent-relay/internal/codec"
	"github.com/2389/agent-relay/internal/kvstore"
	"github.com/2389/agent-relay/internal/platform"
)

// DefaultTTL is how long agent metadata is cached when no TTL is configured.
const DefaultTTL = 5 * time.Minute

// Config is the cached description of an agent.
type Config struct {
	ID           string   `json:"id" cbor:"id"`
	Name         string   `json:"name" cbor:"name"`
	Description  string   `json:"description,omitempty" cbor:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" cbor:"capabilities,omitempty"`
	Model        string   `json:"model,omitempty" cbor:"model,omitempty"`
	Provider     string   `json:"provider,omitempty" cbor:"provider,omitempty"`
	Status       string   `json:"status,omitempty" cbor:"status,omitempty"`
}

// FromPlatform converts the platform's agent description.
func FromPlatform(info *platform.AgentInfo) *Config {
	return &Config{
		ID:           info.ID,
		Name:         info.Name,
		Description:  info.Description,
		Capabilities: slices.Clone(info.Capabilities),
		Model:        info.Model,
		Provider:     info.Provider,
		Status:       info.Status,
	}
}

// Fetcher looks agents up on the platform.
type Fetcher interface {
	GetAgent(ctx context.Context, agentID string) (*platform.AgentInfo, error)
}

// Cache memoizes agent metadata in a kvstore.Store.
type Cache struct {
	store   kvstore.Store
	fetcher Fetcher
	codec   codec.Codec
	ttl     time.Duration
	group   singleflight.Group
	logger  *slog.Logger
}

// NewCache creates an agent metadata cache. A nil codec selects JSON and a
// non-positive ttl selects DefaultTTL.
func NewCache(store kvstore.Store, fetcher Fetcher, c codec.Codec, ttl time.Duration, logger *slog.Logger) *Cache {
	if c == nil {
		c = codec.JSON
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   store,
		fetcher: fetcher,
		codec:   c,
		ttl:     ttl,
		logger:  logger.With("component", "agent-cache"),
	}
}

// Key returns the store key for an agent.
func Key(agentID string) string {
	return "agent:" + agentID
}

// Get returns the agent's metadata, fetching it from the platform on a miss.
// Fetch errors are returned unchanged and nothing is cached for them.
func (c *Cache) Get(ctx context.Context, agentID string) (*Config, error) {
	if cfg, ok := c.lookup(ctx, agentID); ok {
		return cfg, nil
	}

	v, err, shared := c.group.Do(agentID, func() (any, error) {
		// Another caller may have filled the entry while we waited.
		if cfg, ok := c.lookup(ctx, agentID); ok {
			return cfg, nil
		}

		info, err := c.fetcher.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		cfg := FromPlatform(info)
		c.save(ctx, agentID, cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("agent lookup shared", "agent_id", agentID)
	}

	return v.(*Config).clone(), nil
}

// clone copies cfg so callers sharing one lookup never alias each other.
func (cfg *Config) clone() *Config {
	out := *cfg
	out.Capabilities = slices.Clone(cfg.Capabilities)
	return &out
}

// Invalidate drops the cached entry so the next Get refetches.
func (c *Cache) Invalidate(ctx context.Context, agentID string) error {
	_, err := c.store.Delete(ctx, Key(agentID))
	return err
}

func (c *Cache) lookup(ctx context.Context, agentID string) (*Config, bool) {
	data, err := c.store.Get(ctx, Key(agentID))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			c.logger.Warn("agent cache read failed", "agent_id", agentID, "error", err)
		}
		return nil, false
	}
	var cfg Config
	if err := c.codec.Unmarshal(data, &cfg); err != nil {
		c.logger.Warn("discarding undecodable agent entry", "agent_id", agentID, "error", err)
		return nil, false
	}
	return &cfg, true
}

// save stores cfg under the id it was requested by, which lookup reads. The
// platform may echo a different spelling in cfg.ID.
func (c *Cache) save(ctx context.Context, agentID string, cfg *Config) {
	data, err := c.codec.Marshal(cfg)
	if err != nil {
		c.logger.Warn("encoding agent entry", "agent_id", agentID, "error", err)
		return
	}
	if err := c.store.Set(ctx, Key(agentID), data, c.ttl); err != nil {
		c.logger.Warn("agent cache write failed", "agent_id", agentID, "error", err)
	}
}
