package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"argus/config"
	"argus/core"
	"argus/history"
	"argus/rollup"
	"argus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zaptest"
)

// Sunday 2026-08-23 14:30:45 UTC.
const baseTS int64 = 1787495445

type testHarness struct {
	api    *API
	store  *storage.MemoryStore
	engine *rollup.Engine
	now    int64
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{store: storage.NewMemoryStore(), now: baseTS}
	clock := func() time.Time { return time.Unix(h.now, 0) }
	logger := zaptest.NewLogger(t).Sugar()

	engine, err := rollup.New(rollup.Config{Store: h.store, Logger: logger, Clock: clock})
	require.NoError(t, err)
	h.engine = engine

	queries := history.New(history.Config{
		Store:  h.store,
		Recent: engine,
		Logger: logger,
		Clock:  clock,
	})

	cfg := &config.Config{}
	cfg.API.RateLimit.RequestsPerSecond = 1000
	cfg.API.RateLimit.Burst = 1000
	cfg.API.AllowedOrigins = []string{"http://dashboard.local"}

	h.api = NewAPI(engine, queries, h.store, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.api.Stop(ctx)
	})
	return h
}

func (h *testHarness) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.1:34567"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.api.Router().ServeHTTP(rec, req)
	return rec
}

func (h *testHarness) ingest(t *testing.T, id string, ts int64, cat core.Category, name string, status core.Status) {
	t.Helper()
	payload, err := json.Marshal(&core.Signal{DeviceID: id, Timestamp: ts, Category: cat, Name: name, Status: status})
	require.NoError(t, err)
	rec := h.do(t, "POST", "/api/v1/signals", payload, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestIngestSignal(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, "dev1", baseTS, core.CategoryPrograms, "inject detected", core.StatusAlert)

	fields, err := h.store.HGetAll(context.Background(), core.DeviceKey("dev1"))
	require.NoError(t, err)
	assert.Equal(t, "dev1", fields[core.DevFieldID])
}

func TestIngestSignalRejectsBadPayloads(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/v1/signals", []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Decodes but fails validation: no device id, no name.
	rec = h.do(t, "POST", "/api/v1/signals", []byte(`{"category":"programs"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "validation")
}

func TestIngestBatchPartialFailure(t *testing.T) {
	h := newHarness(t)

	payload, err := json.Marshal([]*core.Signal{
		{DeviceID: "dev1", Timestamp: baseTS, Category: core.CategoryPrograms, Name: "inject", Status: core.StatusAlert},
		{Timestamp: baseTS, Category: core.CategoryPrograms, Name: "orphan"},
		{DeviceID: "dev2", Timestamp: baseTS, Category: core.CategoryNetwork, Name: "proxy", Status: core.StatusWarn},
	})
	require.NoError(t, err)

	rec := h.do(t, "POST", "/api/v1/signals/batch", payload, nil)
	assert.Equal(t, http.StatusMultiStatus, rec.Code)

	var resp struct {
		Accepted int             `json:"accepted"`
		Failed   int             `json:"failed"`
		Results  []rollup.Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.True(t, resp.Results[0].OK)
	assert.False(t, resp.Results[1].OK)
	assert.True(t, resp.Results[2].OK)
}

func TestIngestBatchEmptyAndAllFailed(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "POST", "/api/v1/signals/batch", []byte(`[]`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	payload := []byte(`[{"category":"programs","name":"orphan"}]`)
	rec = h.do(t, "POST", "/api/v1/signals/batch", payload, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestBatchMsgpack(t *testing.T) {
	h := newHarness(t)

	payload, err := msgpack.Marshal([]*core.Signal{
		{DeviceID: "dev1", Timestamp: baseTS, Category: core.CategoryPrograms, Name: "inject", Status: core.StatusAlert},
	})
	require.NoError(t, err)

	rec := h.do(t, "POST", "/api/v1/signals/batch", payload, map[string]string{
		"Content-Type": "application/msgpack",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestHourlyEndpoint(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, "dev1", baseTS, core.CategoryPrograms, "inject", core.StatusAlert)
	h.ingest(t, "dev1", baseTS+30, core.CategoryPrograms, "hook", core.StatusWarn)
	h.ingest(t, "dev1", baseTS+60, core.CategoryNetwork, "proxy", core.StatusInfo)

	rec := h.do(t, "GET", "/api/v1/devices/dev1/history/hourly?hours=24", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Cache string         `json:"cache"`
		Data  []*core.Bucket `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "miss", resp.Cache)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(3), resp.Data[0].Total)

	rec = h.do(t, "GET", "/api/v1/devices/dev1/history/hourly?hours=24", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hit", resp.Cache)
}

func TestDevicesEndpoint(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, "dev1", baseTS-10, core.CategoryPrograms, "inject", core.StatusInfo)

	rec := h.do(t, "GET", "/api/v1/devices", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Cache string         `json:"cache"`
		Data  []*core.Device `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "dev1", resp.Data[0].DeviceID)
	assert.True(t, resp.Data[0].Online)
}

func TestDeviceSnapshotEndpoint(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, "dev1", baseTS-10, core.CategoryPrograms, "inject", core.StatusAlert)

	rec := h.do(t, "GET", "/api/v1/devices/dev1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap history.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "dev1", snap.Device.DeviceID)
	require.Len(t, snap.Signals, 1)
	assert.Equal(t, "inject", snap.Signals[0].Name)
}

func TestSummaryEndpoint(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, "dev1", baseTS-60, core.CategoryPrograms, "inject", core.StatusAlert)

	rec := h.do(t, "GET", "/api/v1/devices/dev1/summary", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Cache string              `json:"cache"`
		Data  *core.PlayerSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dev1", resp.Data.DeviceID)
	assert.Equal(t, int64(1), resp.Data.TotalDetections)
}

func TestSessionsEndpointFilters(t *testing.T) {
	h := newHarness(t)

	// Two signals 3000s apart split into two sessions; the first closes and
	// the second stays open.
	h.ingest(t, "dev1", baseTS-4000, core.CategoryPrograms, "inject", core.StatusAlert)
	h.ingest(t, "dev1", baseTS-1000, core.CategoryPrograms, "hook", core.StatusWarn)

	rec := h.do(t, "GET", "/api/v1/devices/dev1/sessions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []*core.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, baseTS-1000, sessions[0].Start)
	assert.True(t, sessions[0].Open())
	assert.Equal(t, baseTS-4000, sessions[1].Start)
	assert.False(t, sessions[1].Open())

	// Both sessions have zero duration so far; min_duration excludes them.
	rec = h.do(t, "GET", "/api/v1/devices/dev1/sessions?min_duration=60", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Empty(t, sessions)
}

func TestLeaderboardEndpoint(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, "dev1", baseTS, core.CategoryPrograms, "inject", core.StatusAlert)
	h.ingest(t, "dev2", baseTS, core.CategoryPrograms, "hook", core.StatusCritical)

	rec := h.do(t, "GET", fmt.Sprintf("/api/v1/leaderboard/%s", core.PeriodDay), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []core.LeaderboardEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "dev2", entries[0].DeviceID)

	rec = h.do(t, "GET", "/api/v1/leaderboard/fortnight", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["backend"])
}

// failingHealth simulates a backend outage for the health endpoint.
type failingHealth struct{}

func (failingHealth) Ping(ctx context.Context) error { return errors.New("down") }

func TestHealthEndpointBackendDown(t *testing.T) {
	h := newHarness(t)
	h.api.health = failingHealth{}

	rec := h.do(t, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unreachable", body["backend"])
}

func TestRequestIDHeader(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(t, "GET", "/health", nil, map[string]string{"X-Request-ID": "fixed-id"})
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}

func TestCORSAllowedOrigin(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/health", nil, map[string]string{"Origin": "http://dashboard.local"})
	assert.Equal(t, "http://dashboard.local", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(t, "GET", "/health", nil, map[string]string{"Origin": "http://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = h.do(t, "OPTIONS", "/api/v1/devices", nil, map[string]string{"Origin": "http://dashboard.local"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiting(t *testing.T) {
	h := newHarness(t)
	h.api.config.API.RateLimit.RequestsPerSecond = 1
	h.api.config.API.RateLimit.Burst = 2

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := h.do(t, "GET", "/health", nil, nil)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Contains(t, codes[2:], http.StatusTooManyRequests)
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, "GET", "/api/v1/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSegmentsEndpoint(t *testing.T) {
	h := newHarness(t)

	h.ingest(t, "dev1", baseTS, core.CategoryPrograms, "dll inject blocked", core.StatusAlert)

	rec := h.do(t, "GET", "/api/v1/devices/dev1/segments?category=programs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Cache string                 `json:"cache"`
		Data  *history.SegmentReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Data)
	require.Len(t, resp.Data.Summary, 1)
	assert.Equal(t, "injection", resp.Data.Summary[0].Subsection)
}
