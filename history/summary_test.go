package history

import (
	"context"
	"encoding/json"
	"testing"

	"argus/core"
	"argus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryServesStoredRecord(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	q := newTestQuery(t, ms, &now)
	ctx := context.Background()

	stored := &core.PlayerSummary{
		DeviceID:        "dev1",
		TotalSessions:   4,
		TotalDetections: 42,
		GeneratedAt:     baseTS - 60,
	}
	payload, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NoError(t, ms.SetString(ctx, core.SummaryKey("dev1"), string(payload), 0))

	got, status, err := q.Summary(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, core.CacheMiss, status)
	assert.Equal(t, stored, got)
}

func TestSummaryRecomputesWhenStoredRecordIsWrong(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	q := newTestQuery(t, ms, &now)
	ctx := context.Background()

	// A stored summary for a different device must not be trusted.
	payload, err := json.Marshal(&core.PlayerSummary{DeviceID: "other"})
	require.NoError(t, err)
	require.NoError(t, ms.SetString(ctx, core.SummaryKey("dev1"), string(payload), 0))

	got, _, err := q.Summary(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "dev1", got.DeviceID)
	assert.Equal(t, baseTS, got.GeneratedAt)
}

func TestSummaryRecomputeFromAggregates(t *testing.T) {
	now := baseTS
	ms := storage.NewMemoryStore()
	e := newTestEngine(t, ms, &now)
	q := newTestQuery(t, ms, &now)
	ctx := context.Background()

	// Two detections in one hour, then a third after a session-splitting gap.
	ingest(t, e, "dev1", baseTS-7200, core.CategoryPrograms, "inject", core.StatusAlert)
	ingest(t, e, "dev1", baseTS-7100, core.CategoryPrograms, "hook", core.StatusWarn)
	// 3000s gap closes the first session; the third detection opens a new one.
	ingest(t, e, "dev1", baseTS-4100, core.CategoryNetwork, "proxy", core.StatusWarn)

	got, _, err := q.Summary(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalDetections)
	assert.Equal(t, int64(2), got.TotalSessions) // the closed one plus the open one
	assert.Equal(t, int64(1), got.DaysActive)
	assert.Equal(t, baseTS-7200, got.FirstSeen)
	assert.Equal(t, baseTS-4100, got.LastSeen)
	assert.Equal(t, float64(50), got.AvgSessionDuration) // (100 + 0) / 2

	// The recomputed record is persisted for the next reader.
	raw, err := ms.GetString(ctx, core.SummaryKey("dev1"))
	require.NoError(t, err)
	var persisted core.PlayerSummary
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, *got, persisted)
}

func TestSummaryUnknownDeviceIsZeroed(t *testing.T) {
	now := baseTS
	q := newTestQuery(t, storage.NewMemoryStore(), &now)

	got, _, err := q.Summary(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", got.DeviceID)
	assert.Zero(t, got.TotalDetections)
	assert.Zero(t, got.TotalSessions)
}
