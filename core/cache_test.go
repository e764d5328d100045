package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoizeHitAndExpiry(t *testing.T) {
	c := NewCache(10)
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	calls := 0
	compute := func() (int, error) {
		calls++
		return 7, nil
	}

	v, status, err := Memoize(c, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, CacheMiss, status)
	assert.Equal(t, 1, calls)

	v, status, err = Memoize(c, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, CacheHit, status)
	assert.Equal(t, 1, calls)

	// Past the TTL the value is recomputed.
	now = now.Add(2 * time.Minute)
	_, status, err = Memoize(c, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, status)
	assert.Equal(t, 2, calls)
}

func TestMemoizeServesStaleOnComputeFailure(t *testing.T) {
	c := NewCache(10)
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	_, _, err := Memoize(c, "k", time.Minute, func() (string, error) { return "fresh", nil })
	require.NoError(t, err)

	// Expire the entry, then fail the recompute: the previous value is
	// served as stale with no error.
	now = now.Add(2 * time.Minute)
	v, status, err := Memoize(c, "k", time.Minute, func() (string, error) {
		return "", errors.New("backend down")
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, CacheStale, status)

	// The stale entry is kept for the next failure too.
	v, status, err = Memoize(c, "k", time.Minute, func() (string, error) {
		return "", errors.New("still down")
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, CacheStale, status)
}

func TestMemoizePropagatesErrorWithoutPreviousValue(t *testing.T) {
	c := NewCache(10)
	boom := errors.New("backend down")
	_, status, err := Memoize(c, "k", time.Minute, func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, CacheMiss, status)
	assert.Zero(t, c.Len())
}

func TestCacheEvictsOldestHalf(t *testing.T) {
	c := NewCache(4)
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		now = now.Add(time.Second)
		_, _, err := Memoize(c, key, time.Hour, func() (int, error) { return i, nil })
		require.NoError(t, err)
	}

	// Capacity 4 exceeded at the 5th insert: the oldest-written half (2
	// entries) is dropped.
	assert.Equal(t, 3, c.Len())

	calls := 0
	_, status, _ := Memoize(c, "k4", time.Hour, func() (int, error) { calls++; return 0, nil })
	assert.Equal(t, CacheHit, status)
	assert.Zero(t, calls)

	_, status, _ = Memoize(c, "k0", time.Hour, func() (int, error) { return 0, nil })
	assert.Equal(t, CacheMiss, status)
}

func TestInvalidatePrefix(t *testing.T) {
	c := NewCache(10)
	for _, k := range []string{"dev:a:hourly:1", "dev:a:daily:7", "dev:b:hourly:1", "devices:list"} {
		key := k
		_, _, err := Memoize(c, key, time.Hour, func() (string, error) { return key, nil })
		require.NoError(t, err)
	}

	c.InvalidatePrefix("dev:a:")
	assert.Equal(t, 2, c.Len())

	_, status, _ := Memoize(c, "dev:b:hourly:1", time.Hour, func() (string, error) { return "", nil })
	assert.Equal(t, CacheHit, status)

	c.Invalidate("devices:list")
	assert.Equal(t, 1, c.Len())
}
