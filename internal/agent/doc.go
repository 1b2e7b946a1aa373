// Package agent caches agent metadata looked up from the platform.
//
// Every turn needs the agent's description, and it rarely changes, so it is
// kept in the shared key/value store under "agent:<id>" for a TTL:
//
//	cache := agent.NewCache(store, client, codec.JSON, 5*time.Minute, logger)
//	cfg, err := cache.Get(ctx, "agent-1")
//
// Within the TTL, repeated Get calls for one agent make at most one platform
// call, and concurrent misses share a single lookup. A failed lookup is
// returned as is; nothing stale is served in its place.
package agent
