package storage

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback Store. It keeps Redis semantics
// (TTL expiry, sorted-set range queries, glob scans) for single-process
// deployments or when the durable backend is unreachable. Nothing survives
// a restart.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		clock:   time.Now,
	}
}

// SetClock overrides the store's time source. Test hook for TTL behavior.
func (ms *MemoryStore) SetClock(clock func() time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.clock = clock
}

// reap removes the key if its TTL has passed. Caller holds the lock.
func (ms *MemoryStore) reap(key string) {
	if at, ok := ms.expiry[key]; ok && !ms.clock().Before(at) {
		ms.deleteLocked(key)
	}
}

func (ms *MemoryStore) deleteLocked(key string) {
	delete(ms.strings, key)
	delete(ms.hashes, key)
	delete(ms.zsets, key)
	delete(ms.sets, key)
	delete(ms.expiry, key)
}

func (ms *MemoryStore) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		ms.expiry[key] = ms.clock().Add(ttl)
	}
}

func (ms *MemoryStore) GetString(ctx context.Context, key string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.reap(key)
	v, ok := ms.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (ms *MemoryStore) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.strings[key] = value
	delete(ms.expiry, key)
	ms.setTTLLocked(key, ttl)
	return nil
}

func (ms *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.incrLocked(key, 1)
}

func (ms *MemoryStore) incrLocked(key string, delta int64) (int64, error) {
	ms.reap(key)
	n, _ := strconv.ParseInt(ms.strings[key], 10, 64)
	n += delta
	ms.strings[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (ms *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.reap(key)
	out := make(map[string]string, len(ms.hashes[key]))
	for k, v := range ms.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (ms *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.hsetLocked(key, fields)
	return nil
}

func (ms *MemoryStore) hsetLocked(key string, fields map[string]string) {
	ms.reap(key)
	h := ms.hashes[key]
	if h == nil {
		h = make(map[string]string)
		ms.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (ms *MemoryStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hincrLocked(key, field, delta), nil
}

func (ms *MemoryStore) hincrLocked(key, field string, delta int64) int64 {
	ms.reap(key)
	h := ms.hashes[key]
	if h == nil {
		h = make(map[string]string)
		ms.hashes[key] = h
	}
	n, _ := strconv.ParseInt(h[field], 10, 64)
	n += delta
	h[field] = strconv.FormatInt(n, 10)
	return n
}

func (ms *MemoryStore) hincrFloatLocked(key, field string, delta float64) {
	ms.reap(key)
	h := ms.hashes[key]
	if h == nil {
		h = make(map[string]string)
		ms.hashes[key] = h
	}
	f, _ := strconv.ParseFloat(h[field], 64)
	h[field] = strconv.FormatFloat(f+delta, 'f', -1, 64)
}

func (ms *MemoryStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.zaddLocked(key, member, score, false)
	return nil
}

func (ms *MemoryStore) ZAddGT(ctx context.Context, key, member string, score float64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.zaddLocked(key, member, score, true)
	return nil
}

func (ms *MemoryStore) zaddLocked(key, member string, score float64, gtOnly bool) {
	ms.reap(key)
	z := ms.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		ms.zsets[key] = z
	}
	if gtOnly {
		if cur, ok := z[member]; ok && cur >= score {
			return
		}
	}
	z[member] = score
}

func (ms *MemoryStore) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.zincrLocked(key, member, delta), nil
}

func (ms *MemoryStore) zincrLocked(key, member string, delta float64) float64 {
	ms.reap(key)
	z := ms.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		ms.zsets[key] = z
	}
	z[member] += delta
	return z[member]
}

func (ms *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64, rev bool, limit int) ([]ScoredMember, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.reap(key)
	var out []ScoredMember
	for m, s := range ms.zsets[key] {
		if s >= min && s <= max {
			out = append(out, ScoredMember{Member: m, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	if rev {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ms *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.reap(key)
	return int64(len(ms.zsets[key])), nil
}

func (ms *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.saddLocked(key, members)
	return nil
}

func (ms *MemoryStore) saddLocked(key string, members []string) {
	ms.reap(key)
	s := ms.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		ms.sets[key] = s
	}
	for _, m := range members {
		s[m] = struct{}{}
	}
}

func (ms *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.reap(key)
	out := make([]string, 0, len(ms.sets[key]))
	for m := range ms.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (ms *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.reap(key)
	if ms.existsLocked(key) {
		ms.setTTLLocked(key, ttl)
	}
	return nil
}

func (ms *MemoryStore) existsLocked(key string) bool {
	if _, ok := ms.strings[key]; ok {
		return true
	}
	if _, ok := ms.hashes[key]; ok {
		return true
	}
	if _, ok := ms.zsets[key]; ok {
		return true
	}
	_, ok := ms.sets[key]
	return ok
}

func (ms *MemoryStore) Del(ctx context.Context, keys ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, k := range keys {
		ms.deleteLocked(k)
	}
	return nil
}

func (ms *MemoryStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	seen := make(map[string]struct{})
	collect := func(key string) {
		ms.reap(key)
		if !ms.existsLocked(key) {
			return
		}
		if ok, _ := path.Match(pattern, key); ok {
			seen[key] = struct{}{}
		}
	}
	for k := range ms.strings {
		collect(k)
	}
	for k := range ms.hashes {
		collect(k)
	}
	for k := range ms.zsets {
		collect(k)
	}
	for k := range ms.sets {
		collect(k)
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (ms *MemoryStore) Batch() Batch {
	return &memoryBatch{store: ms}
}

func (ms *MemoryStore) Ping(ctx context.Context) error { return nil }

func (ms *MemoryStore) Close() error { return nil }

// memoryBatch queues closures and applies them under one lock acquisition,
// mirroring the single round trip of a Redis pipeline.
type memoryBatch struct {
	store *MemoryStore
	ops   []func()
}

func (b *memoryBatch) SetString(key, value string, ttl time.Duration) {
	b.ops = append(b.ops, func() {
		b.store.strings[key] = value
		delete(b.store.expiry, key)
		b.store.setTTLLocked(key, ttl)
	})
}

func (b *memoryBatch) Incr(key string) {
	b.ops = append(b.ops, func() { _, _ = b.store.incrLocked(key, 1) })
}

func (b *memoryBatch) HSet(key string, fields map[string]string) {
	b.ops = append(b.ops, func() { b.store.hsetLocked(key, fields) })
}

func (b *memoryBatch) HIncrBy(key, field string, delta int64) {
	b.ops = append(b.ops, func() { b.store.hincrLocked(key, field, delta) })
}

func (b *memoryBatch) HIncrByFloat(key, field string, delta float64) {
	b.ops = append(b.ops, func() { b.store.hincrFloatLocked(key, field, delta) })
}

func (b *memoryBatch) ZAdd(key, member string, score float64) {
	b.ops = append(b.ops, func() { b.store.zaddLocked(key, member, score, false) })
}

func (b *memoryBatch) ZAddGT(key, member string, score float64) {
	b.ops = append(b.ops, func() { b.store.zaddLocked(key, member, score, true) })
}

func (b *memoryBatch) ZIncrBy(key, member string, delta float64) {
	b.ops = append(b.ops, func() { b.store.zincrLocked(key, member, delta) })
}

func (b *memoryBatch) SAdd(key string, members ...string) {
	b.ops = append(b.ops, func() { b.store.saddLocked(key, members) })
}

func (b *memoryBatch) Expire(key string, ttl time.Duration) {
	b.ops = append(b.ops, func() {
		if b.store.existsLocked(key) {
			b.store.setTTLLocked(key, ttl)
		}
	})
}

func (b *memoryBatch) Del(keys ...string) {
	b.ops = append(b.ops, func() {
		for _, k := range keys {
			b.store.deleteLocked(k)
		}
	})
}

func (b *memoryBatch) Exec(ctx context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, op := range b.ops {
		op()
	}
	b.ops = nil
	return nil
}
