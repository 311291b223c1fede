// Package coldcache implements a durable key/value cache backed by a
// relational database table instead of RAM: get/set/delete/multi-get/
// multi-set/fetch-or-compute/increment/decrement/clear, routed across
// database shards by consistent hashing, with probabilistic background
// expiry and a failsafe envelope that swallows transient storage faults
// into caller-supplied defaults.
//
// Design
//
//   - Key pipeline: internal/keyhash normalizes and length-bounds keys,
//     appending a collision-safe hash suffix on truncation, and derives
//     the signed 64-bit key_hash used as both shard selector and SQL
//     primary index.
//
//   - Shard routing: internal/maglev builds a Maglev consistent-hash
//     table over the configured shard names; dispatcher.go picks one of
//     three strategies (unmanaged single connection, one named shard, or
//     Maglev-routed) depending on Config.
//
//   - Storage: internal/repo issues all SQL against one shard's entries
//     table — batched upsert, IN-clause multi-read, bulk delete, and a
//     row-locked read-modify-write for Increment/Decrement/SetUnlessExist
//     — directly on database/sql, so any driver works unmodified.
//
//   - Failsafe: failsafe.go classifies transient storage errors (adapter
//     timeouts, lost connections, ...) and swallows them into the
//     caller-declared default rather than propagating.
//
//   - Expiry: expiry.go tracks write volume and schedules eviction
//     batches at a rate proportional to writes, either on the in-process
//     worker pool (internal/exec) or via a host-supplied durable job
//     queue.
//
//   - Metrics: Config.Metrics receives Hit/Miss/Evict/FailsafeTrip/...
//     signals. NoopMetrics is the default; metrics/prom exports them to
//     Prometheus.
//
// Basic usage
//
//	db, _ := sql.Open("sqlite", "cache.db")
//	store, _ := coldcache.New(coldcache.Config{Database: db})
//	defer store.Close()
//
//	store.Set(ctx, "a", coldcache.Entry{Value: []byte("1")})
//	if entry, ok, _ := store.Get(ctx, "a", ""); ok {
//	    _ = entry.Value
//	}
//
// Sharded usage
//
//	store, _ := coldcache.New(coldcache.Config{
//	    Databases: map[string]coldcache.ShardDB{"a": dbA, "b": dbB, "c": dbC},
//	})
//
// See package internal/maglev and internal/repo for the router and SQL
// executor, and metrics/prom for the Prometheus adapter.
package coldcache
