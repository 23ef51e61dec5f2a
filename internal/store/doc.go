// Package store provides the two persistence boundaries of the engine: a
// TTL-capable ephemeral store backed by Redis (recovery tokens, rate-limit
// counters) and a durable session record store backed by SQLite with
// optimistic concurrency on the session's UpdatedAt stamp.
//
// Both are exposed as small interfaces so tests can substitute fakes without
// shared global state.
package store
