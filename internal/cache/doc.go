/*
Package cache provides the two-tier cache behind the performance optimizer.

A single logical cache keyed by opaque strings is realized as two tiers that
are enforced independently:

	┌─────────────────────────────────────────────┐
	│                 Store                       │
	│   Get: fast → durable (promote on hit)      │
	│   Put: fast, then durable                   │
	└─────────────────────────────────────────────┘
	          │                        │
	┌───────────────────┐   ┌─────────────────────────┐
	│     FastTier      │   │       DurableTier       │
	│  in-process LRU   │   │  RecordStore + mtimes   │
	│  write-ordered    │   │  Dir | S3 | Redis store │
	└───────────────────┘   └─────────────────────────┘

# Expiry and Eviction

Both tiers apply the same two-phase policy on every write and on Sweep:
entries older than the TTL are purged, then entries are evicted oldest write
first until the approximate byte size fits the budget. Sizes are the lengths
of the serialized JSON values, not exact memory usage.

The fast tier orders entries by write time only. Lookups use Peek, so a hot
key that is never rewritten still ages out. A durable hit is promoted with
the record's original write time and therefore never outlives its TTL.

# Durable Records

One record per key, named by a SHA-256 prefix of the key with a .json (or
.json.gz when compression is enabled) suffix. The record's modification time
is its write time. DirStore writes through a temporary file and a rename;
S3Store keeps the write time in object metadata and RedisStore in a hash
field. A record that fails to decode is deleted and treated as a miss.

A GuardedStore wraps any RecordStore with a Breaker. After a run of
consecutive backend failures the breaker opens and durable calls fail at
once with ErrBreakerOpen, so lookups miss quickly instead of waiting on a
dead backend. After the open timeout a single probe call decides whether
the breaker closes again.

# Concurrency

Each tier has its own lock and durable I/O never runs under the fast-tier
lock. Store.Clear takes an exclusive lock that lookups and writes share, so
no reader observes a half-cleared cache.
*/
package cache
