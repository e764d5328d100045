package storage

import (
	"context"
	"time"
)

// ScoredMember is one sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Store is the capability set the aggregation engine needs from a
// key-value backend: strings with TTL, hashes, sorted sets, plain sets,
// pattern scans for repair paths, and a write pipeline.
//
// Two interchangeable implementations exist: RedisStore (durable, remote)
// and MemoryStore (in-process fallback, non-persistent). Every call may
// fail; a failed call means "temporarily unknown", not "empty".
type Store interface {
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZAddGT updates a member's score only when the new score is greater,
	// keeping last-seen ordering correct under signal reordering.
	ZAddGT(ctx context.Context, key, member string, score float64) error
	ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	// ZRangeByScore returns members with scores in [min, max], ordered by
	// score ascending, or descending when rev is set. limit <= 0 means no
	// limit.
	ZRangeByScore(ctx context.Context, key string, min, max float64, rev bool, limit int) ([]ScoredMember, error)
	ZCard(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// ScanKeys enumerates keys matching a glob pattern. Discovery and
	// repair paths only; never the write hot path.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Batch returns a write pipeline. Queued operations are sent as one
	// round trip on Exec; a history rollup touches dozens of keys, so this
	// is the perf-critical path.
	Batch() Batch

	Ping(ctx context.Context) error
	Close() error
}

// Batch queues write operations for a single Exec round trip.
type Batch interface {
	SetString(key, value string, ttl time.Duration)
	Incr(key string)
	HSet(key string, fields map[string]string)
	HIncrBy(key, field string, delta int64)
	HIncrByFloat(key, field string, delta float64)
	ZAdd(key, member string, score float64)
	ZAddGT(key, member string, score float64)
	ZIncrBy(key, member string, delta float64)
	SAdd(key string, members ...string)
	Expire(key string, ttl time.Duration)
	Del(keys ...string)

	Exec(ctx context.Context) error
}
