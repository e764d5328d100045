package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"argus/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultOpTimeout bounds every backend call so a dead Redis never blocks
// a request indefinitely.
const DefaultOpTimeout = 3 * time.Second

// RedisStore is the durable Store implementation backed by Redis.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
	logger    *zap.SugaredLogger
}

// NewRedisStore connects a Store to Redis. opTimeout <= 0 falls back to
// DefaultOpTimeout.
func NewRedisStore(addr, password string, db, poolSize int, opTimeout time.Duration, logger *zap.SugaredLogger) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
	return &RedisStore{client: client, opTimeout: opTimeout, logger: logger}
}

func (rs *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, rs.opTimeout)
}

// wrap maps go-redis errors onto the storage taxonomy: redis.Nil is an
// absent key, anything else is a backend outage.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	metrics.BackendErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%s %s: %s: %w", op, key, err, ErrUnavailable)
}

func (rs *RedisStore) GetString(ctx context.Context, key string) (string, error) {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	v, err := rs.client.Get(ctx, key).Result()
	return v, wrap("get", key, err)
}

func (rs *RedisStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	return wrap("set", key, rs.client.Set(ctx, key, value, ttl).Err())
}

func (rs *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	n, err := rs.client.Incr(ctx, key).Result()
	return n, wrap("incr", key, err)
}

func (rs *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	m, err := rs.client.HGetAll(ctx, key).Result()
	return m, wrap("hgetall", key, err)
}

func (rs *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return wrap("hset", key, rs.client.HSet(ctx, key, flat...).Err())
}

func (rs *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	n, err := rs.client.HIncrBy(ctx, key, field, delta).Result()
	return n, wrap("hincrby", key, err)
}

func (rs *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	return wrap("zadd", key, rs.client.ZAdd(ctx, key, redis.Z{Member: member, Score: score}).Err())
}

func (rs *RedisStore) ZAddGT(ctx context.Context, key, member string, score float64) error {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	err := rs.client.ZAddArgs(ctx, key, redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Member: member, Score: score}},
	}).Err()
	return wrap("zaddgt", key, err)
}

func (rs *RedisStore) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	n, err := rs.client.ZIncrBy(ctx, key, delta, member).Result()
	return n, wrap("zincrby", key, err)
}

func (rs *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, rev bool, limit int) ([]ScoredMember, error) {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	rangeBy := &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	var zs []redis.Z
	var err error
	if rev {
		zs, err = rs.client.ZRevRangeByScoreWithScores(ctx, key, rangeBy).Result()
	} else {
		zs, err = rs.client.ZRangeByScoreWithScores(ctx, key, rangeBy).Result()
	}
	if err != nil {
		return nil, wrap("zrangebyscore", key, err)
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: m, Score: z.Score})
	}
	return out, nil
}

func (rs *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	n, err := rs.client.ZCard(ctx, key).Result()
	return n, wrap("zcard", key, err)
}

func (rs *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap("sadd", key, rs.client.SAdd(ctx, key, args...).Err())
}

func (rs *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	ms, err := rs.client.SMembers(ctx, key).Result()
	return ms, wrap("smembers", key, err)
}

func (rs *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	return wrap("expire", key, rs.client.Expire(ctx, key, ttl).Err())
}

func (rs *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	return wrap("del", keys[0], rs.client.Del(ctx, keys...).Err())
}

// ScanKeys enumerates keys matching a glob pattern with SCAN. Repair and
// discovery paths only.
func (rs *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		scanCtx, cancel := rs.withTimeout(ctx)
		batch, next, err := rs.client.Scan(scanCtx, cursor, pattern, 512).Result()
		cancel()
		if err != nil {
			return nil, wrap("scan", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (rs *RedisStore) Batch() Batch {
	return &redisBatch{pipe: rs.client.Pipeline(), opTimeout: rs.opTimeout}
}

func (rs *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := rs.withTimeout(ctx)
	defer cancel()
	return wrap("ping", "", rs.client.Ping(ctx).Err())
}

func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

func formatScore(v float64) string {
	return fmt.Sprintf("%f", v)
}

// redisBatch queues writes on a go-redis pipeline.
type redisBatch struct {
	pipe      redis.Pipeliner
	opTimeout time.Duration
}

func (b *redisBatch) SetString(key, value string, ttl time.Duration) {
	b.pipe.Set(context.Background(), key, value, ttl)
}

func (b *redisBatch) Incr(key string) {
	b.pipe.Incr(context.Background(), key)
}

func (b *redisBatch) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	b.pipe.HSet(context.Background(), key, flat...)
}

func (b *redisBatch) HIncrBy(key, field string, delta int64) {
	b.pipe.HIncrBy(context.Background(), key, field, delta)
}

func (b *redisBatch) HIncrByFloat(key, field string, delta float64) {
	b.pipe.HIncrByFloat(context.Background(), key, field, delta)
}

func (b *redisBatch) ZAdd(key, member string, score float64) {
	b.pipe.ZAdd(context.Background(), key, redis.Z{Member: member, Score: score})
}

func (b *redisBatch) ZAddGT(key, member string, score float64) {
	b.pipe.ZAddArgs(context.Background(), key, redis.ZAddArgs{
		GT:      true,
		Members: []redis.Z{{Member: member, Score: score}},
	})
}

func (b *redisBatch) ZIncrBy(key, member string, delta float64) {
	b.pipe.ZIncrBy(context.Background(), key, delta, member)
}

func (b *redisBatch) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	b.pipe.SAdd(context.Background(), key, args...)
}

func (b *redisBatch) Expire(key string, ttl time.Duration) {
	b.pipe.Expire(context.Background(), key, ttl)
}

func (b *redisBatch) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	b.pipe.Del(context.Background(), keys...)
}

func (b *redisBatch) Exec(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.opTimeout)
	defer cancel()
	_, err := b.pipe.Exec(ctx)
	return wrap("pipeline", "", err)
}
