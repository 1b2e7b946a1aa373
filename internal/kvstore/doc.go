// Package kvstore provides the relay's ephemeral key/value storage.
//
// # Overview
//
// Sessions and cached agent metadata live behind the Store interface. Two
// backends implement it identically:
//
//   - MemoryStore: in-process, LRU-bounded, with a timer per expiring key
//   - RedisStore: a shared Redis server, for several relay processes
//
// A Selector wraps both and decides which one serves each request.
//
// # Selection Policy
//
// At construction the configured policy decides:
//
//	store:
//	  mode: "auto"   # auto, local, remote
//
// "local" never contacts Redis. "auto" and "remote" ping Redis within the
// connect timeout and fall back to the local store if it does not answer.
//
// # Fallback and Recovery
//
// Every remote outage increments Health.ConsecutiveFailures; a success
// resets it. When the count reaches the threshold inside the failure window
// the selector switches to the local store and starts probing Redis on an
// exponential schedule. A successful probe switches back.
//
// Callers never see ErrStoreUnavailable: a failed remote operation is
// answered by the local store instead.
//
// Switching is lossy. Entries written to one backend are not copied to the
// other, so a value written while remote may read as missing after a
// fallback. Treat the store as a cache, never as a system of record.
//
// # Patterns
//
// Keys takes a pattern where * matches any run of characters:
//
//	store.Keys(ctx, "session:*")
//
// Other characters, including ? and [, match literally on both backends.
//
// # Lifecycle
//
// The process entry point constructs the selector and closes it on
// shutdown. Close is idempotent and runs OnClose observers once.
package kvstore
