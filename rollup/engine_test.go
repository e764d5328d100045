package rollup

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"argus/core"
	"argus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Sunday 2026-08-23 14:30:45 UTC.
const baseTS int64 = 1787495445

func newTestEngine(t *testing.T, store storage.Store, now *int64) *Engine {
	t.Helper()
	e, err := New(Config{
		Store:  store,
		Logger: zaptest.NewLogger(t).Sugar(),
		Clock:  func() time.Time { return time.Unix(*now, 0) },
	})
	require.NoError(t, err)
	return e
}

func sig(id string, ts int64, cat core.Category, name string, status core.Status) *core.Signal {
	return &core.Signal{DeviceID: id, Timestamp: ts, Category: cat, Name: name, Status: status}
}

func TestRecordSignalRequiresDeviceID(t *testing.T) {
	now := baseTS
	e := newTestEngine(t, storage.NewMemoryStore(), &now)
	ctx := context.Background()

	assert.ErrorIs(t, e.RecordSignal(ctx, nil), ErrMissingDeviceID)
	assert.ErrorIs(t, e.RecordSignal(ctx, &core.Signal{Category: core.CategoryPrograms, Name: "x"}), ErrMissingDeviceID)
}

func TestBucketTotalsAreOrderIndependent(t *testing.T) {
	now := baseTS
	ctx := context.Background()

	// Three signals inside one hour, replayed in two different orders.
	signals := []*core.Signal{
		sig("dev1", baseTS, core.CategoryPrograms, "inject detected", core.StatusAlert),
		sig("dev1", baseTS+60, core.CategoryNetwork, "proxy seen", core.StatusWarn),
		sig("dev1", baseTS+120, core.CategoryPrograms, "hook found", core.StatusInfo),
	}

	stores := []*storage.MemoryStore{storage.NewMemoryStore(), storage.NewMemoryStore()}
	orders := [][]int{{0, 1, 2}, {2, 0, 1}}
	for i, order := range orders {
		e := newTestEngine(t, stores[i], &now)
		for _, idx := range order {
			s := *signals[idx]
			require.NoError(t, e.RecordSignal(ctx, &s))
		}
	}

	hourKey := core.HourKey("dev1", core.HourLabel(baseTS))
	first, err := stores[0].HGetAll(ctx, hourKey)
	require.NoError(t, err)
	second, err := stores[1].HGetAll(ctx, hourKey)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "3", first[core.FieldTotal])
	assert.Equal(t, "2", first["cat:programs"])
	assert.Equal(t, "1", first["cat:network"])
	// ALERT(15) + WARN(5) + INFO(1)
	assert.Equal(t, "21", first[core.FieldScoreSum])
	assert.Equal(t, "3", first[core.FieldScoreCount])
	assert.Equal(t, strconv.FormatInt(baseTS+120, 10), first[core.FieldLastTS])
}

func TestOlderBucketKeepsOwnLastTS(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	e := newTestEngine(t, ms, &now)
	ctx := context.Background()

	// A late arrival two hours back lands in an already-passed hour bucket.
	earlier := baseTS - 7200
	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS, core.CategoryPrograms, "inject", core.StatusAlert)))
	require.NoError(t, e.RecordSignal(ctx, sig("dev1", earlier, core.CategoryPrograms, "hook", core.StatusWarn)))

	old, err := ms.HGetAll(ctx, core.HourKey("dev1", core.HourLabel(earlier)))
	require.NoError(t, err)
	assert.Equal(t, "1", old[core.FieldTotal])
	assert.Equal(t, strconv.FormatInt(earlier, 10), old[core.FieldLastTS])

	// The current hour and the shared day bucket keep their own max.
	current, err := ms.HGetAll(ctx, core.HourKey("dev1", core.HourLabel(baseTS)))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(baseTS, 10), current[core.FieldLastTS])
	day, err := ms.HGetAll(ctx, core.DayKey("dev1", core.DayLabel(baseTS)))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(baseTS, 10), day[core.FieldLastTS])
}

func TestDevicesIndexExpiresWithRetention(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	ms.SetClock(func() time.Time { return time.Unix(now, 0) })
	e := newTestEngine(t, ms, &now)
	ctx := context.Background()

	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS, core.CategoryPrograms, "inject", core.StatusInfo)))

	n, err := ms.ZCard(ctx, core.DevicesKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	now = baseTS + int64(7*24*time.Hour/time.Second) + 1
	n, err = ms.ZCard(ctx, core.DevicesKey())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSessionSplitsAcrossIdleGap(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	e := newTestEngine(t, ms, &now)
	ctx := context.Background()

	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS, core.CategoryPrograms, "inject", core.StatusAlert)))

	// 3000s of silence exceeds the 30 minute idle gap.
	later := baseTS + 3000
	now = later
	require.NoError(t, e.RecordSignal(ctx, sig("dev1", later, core.CategoryPrograms, "inject again", core.StatusAlert)))

	raw, err := ms.GetString(ctx, core.SessionKey("dev1", baseTS))
	require.NoError(t, err)
	var closed core.Session
	require.NoError(t, json.Unmarshal([]byte(raw), &closed))
	assert.Equal(t, baseTS, closed.Start)
	assert.Equal(t, baseTS, closed.End) // ends at last activity, not at the new signal
	assert.Equal(t, int64(0), closed.DurationSeconds)
	assert.Equal(t, int64(1), closed.Detections)

	fields, err := ms.HGetAll(ctx, core.DeviceKey("dev1"))
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatInt(later, 10), fields[core.DevFieldSessionStart])
	assert.Equal(t, "1", fields[core.DevFieldSessionDetections])

	// Both the closed session and the freshly opened one are indexed.
	index, err := ms.ZRangeByScore(ctx, core.SessionIndexKey("dev1"), 0, float64(later), false, 0)
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.Equal(t, strconv.FormatInt(baseTS, 10), index[0].Member)
	assert.Equal(t, strconv.FormatInt(later, 10), index[1].Member)

	raw, err = ms.GetString(ctx, core.SessionKey("dev1", later))
	require.NoError(t, err)
	var open core.Session
	require.NoError(t, json.Unmarshal([]byte(raw), &open))
	assert.True(t, open.Open())
	assert.Equal(t, later, open.Start)
	assert.Equal(t, int64(1), open.Detections)
}

func TestSessionClosesOnEndEvent(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	e := newTestEngine(t, ms, &now)
	ctx := context.Background()

	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS, core.CategoryPrograms, "inject", core.StatusAlert)))
	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS+60, core.CategorySystem, "session_end", core.StatusInfo)))

	raw, err := ms.GetString(ctx, core.SessionKey("dev1", baseTS))
	require.NoError(t, err)
	var closed core.Session
	require.NoError(t, json.Unmarshal([]byte(raw), &closed))
	assert.Equal(t, int64(60), closed.DurationSeconds)
	assert.Equal(t, int64(2), closed.Detections)
	// One segment from each signal: programs:injection and system:lifecycle.
	assert.Equal(t, 2, closed.SegmentCount)

	var snap core.SessionSegment
	raw, err = ms.GetString(ctx, core.SessionSegmentKey("dev1", baseTS, 0))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, core.CategoryPrograms, snap.Category)
	assert.Equal(t, "injection", snap.Subsection)

	fields, err := ms.HGetAll(ctx, core.DeviceKey("dev1"))
	require.NoError(t, err)
	assert.Equal(t, "0", fields[core.DevFieldSessionStart])

	// The accumulator must not leak into the next session.
	accum, err := ms.HGetAll(ctx, core.SessionAccumKey("dev1"))
	require.NoError(t, err)
	assert.Empty(t, accum)
}

func TestEndEventWithoutOpenSession(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	e := newTestEngine(t, ms, &now)
	ctx := context.Background()

	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS, core.CategorySystem, "session_end", core.StatusInfo)))

	fields, err := ms.HGetAll(ctx, core.DeviceKey("dev1"))
	require.NoError(t, err)
	assert.Equal(t, "0", fields[core.DevFieldSessionStart])
	// The signal itself still lands in the hour bucket.
	hour, err := ms.HGetAll(ctx, core.HourKey("dev1", core.HourLabel(baseTS)))
	require.NoError(t, err)
	assert.Equal(t, "1", hour[core.FieldTotal])

	sessions, err := ms.ZRangeByScore(ctx, core.SessionIndexKey("dev1"), 0, float64(baseTS+1), false, 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestDeviceNameResolution(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	e := newTestEngine(t, ms, &now)
	ctx := context.Background()

	s := sig("dev1", baseTS, core.CategoryPrograms, "inject", core.StatusInfo)
	s.Hostname = "JakobsDator"
	s.Nickname = "FastCarsss"
	require.NoError(t, e.RecordSignal(ctx, s))

	fields, err := ms.HGetAll(ctx, core.DeviceKey("dev1"))
	require.NoError(t, err)
	assert.Equal(t, "JakobsDator", fields[core.DevFieldName])
	assert.Equal(t, "JakobsDator", fields[core.DevFieldHostname])
	assert.Equal(t, "FastCarsss", fields[core.DevFieldNickname])
}

func TestOpaqueHostnameNotPersisted(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	e := newTestEngine(t, ms, &now)
	ctx := context.Background()

	s := sig("dev2", baseTS, core.CategoryPrograms, "inject", core.StatusInfo)
	s.Hostname = "a3f9c2e18b4d76f0a3f9c2e18b4d76f0"
	require.NoError(t, e.RecordSignal(ctx, s))

	fields, err := ms.HGetAll(ctx, core.DeviceKey("dev2"))
	require.NoError(t, err)
	assert.NotContains(t, fields, core.DevFieldName)
	assert.NotContains(t, fields, core.DevFieldHostname)
}

func TestMinuteAndSegmentWrites(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	e := newTestEngine(t, ms, &now)
	ctx := context.Background()

	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS, core.CategoryNetwork, "vpn tunnel up", core.StatusWarn)))

	minute, err := ms.GetString(ctx, core.MinuteKey("dev1", core.MinuteLabel(baseTS)))
	require.NoError(t, err)
	assert.Equal(t, "1", minute)

	segKey := core.SegmentKey("dev1", core.CategoryNetwork, "tunneling", core.GranularityHourly, core.HourLabel(baseTS))
	seg, err := ms.HGetAll(ctx, segKey)
	require.NoError(t, err)
	assert.Equal(t, "1", seg[core.FieldCount])
	assert.Equal(t, "5", seg[core.FieldPointsSum])

	pairs, err := ms.SMembers(ctx, core.SegmentIndexKey("dev1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"network:tunneling"}, pairs)
}

func TestLeaderboardAccrual(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	e := newTestEngine(t, ms, &now)
	ctx := context.Background()

	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS, core.CategoryPrograms, "inject", core.StatusAlert)))
	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS+10, core.CategoryPrograms, "hook", core.StatusWarn)))

	for _, period := range []string{core.PeriodHour, core.PeriodDay, core.PeriodWeek, core.PeriodMonth} {
		key := core.LeaderboardKey(period, core.PeriodLabel(period, baseTS))
		members, err := ms.ZRangeByScore(ctx, key, 0, 1000, false, 0)
		require.NoError(t, err)
		require.Len(t, members, 1, period)
		assert.Equal(t, float64(20), members[0].Score, period)
	}
}

func TestRecordSignalInvalidatesMemoizedReads(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	cache := core.NewCache(16)
	e, err := New(Config{
		Store:  ms,
		Cache:  cache,
		Logger: zaptest.NewLogger(t).Sugar(),
		Clock:  func() time.Time { return time.Unix(now, 0) },
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, _, _ = core.Memoize(cache, "dev:dev1:hourly:24", time.Minute, func() (int, error) { return 1, nil })
	_, _, _ = core.Memoize(cache, "devices:list", time.Minute, func() (int, error) { return 1, nil })
	_, _, _ = core.Memoize(cache, "dev:other:hourly:24", time.Minute, func() (int, error) { return 1, nil })
	require.Equal(t, 3, cache.Len())

	require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS, core.CategoryPrograms, "inject", core.StatusInfo)))
	assert.Equal(t, 1, cache.Len()) // only the unrelated device survives
}

func TestRecordSignalsReturnsPerItemResults(t *testing.T) {
	now := baseTS
	e := newTestEngine(t, storage.NewMemoryStore(), &now)
	ctx := context.Background()

	results := e.RecordSignals(ctx, []*core.Signal{
		sig("dev1", baseTS, core.CategoryPrograms, "inject", core.StatusInfo),
		{Category: core.CategoryPrograms, Name: "orphan"},
		sig("dev2", baseTS, core.CategoryNetwork, "proxy", core.StatusWarn),
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.Equal(t, "dev1", results[0].DeviceID)
	assert.False(t, results[1].OK)
	assert.Equal(t, ErrMissingDeviceID.Error(), results[1].Error)
	assert.True(t, results[2].OK)
	assert.Equal(t, 2, results[2].Index)
}

func TestRecentKeepsLatestFirst(t *testing.T) {
	now := baseTS
	e := newTestEngine(t, storage.NewMemoryStore(), &now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.RecordSignal(ctx, sig("dev1", baseTS+int64(i), core.CategoryPrograms, "sig"+strconv.Itoa(i), core.StatusInfo)))
	}

	latest := e.Recent("dev1", 3)
	require.Len(t, latest, 3)
	assert.Equal(t, "sig4", latest[0].Name)
	assert.Equal(t, "sig3", latest[1].Name)
	assert.Equal(t, "sig2", latest[2].Name)

	assert.Nil(t, e.Recent("unknown", 3))
}
