package api

import (
	"net/http"
	"strconv"

	"argus/core"
	"argus/history"
	"argus/storage"

	"github.com/gorilla/mux"
)

// cachedResponse wraps query results with the cache outcome so clients
// can tell a fresh read from a stale fallback.
type cachedResponse struct {
	Cache string      `json:"cache"`
	Data  interface{} `json:"data"`
}

func (a *API) respondCached(w http.ResponseWriter, data interface{}, status core.CacheStatus) {
	a.respondJSON(w, cachedResponse{Cache: string(status), Data: data}, http.StatusOK)
}

func (a *API) queryError(w http.ResponseWriter, message string, err error) {
	if storage.IsUnavailable(err) {
		writeError(w, http.StatusServiceUnavailable, "Storage backend unavailable", err, a.logger)
		return
	}
	writeError(w, http.StatusInternalServerError, message, err, a.logger)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, status, err := a.history.Devices(r.Context())
	if err != nil {
		a.queryError(w, "Failed to list devices", err)
		return
	}
	a.respondCached(w, devices, status)
}

func (a *API) getDeviceSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := a.history.DeviceSnapshot(r.Context(), id)
	if err != nil {
		a.queryError(w, "Failed to load device", err)
		return
	}
	a.respondJSON(w, snap, http.StatusOK)
}

func (a *API) getHourly(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	buckets, status, err := a.history.Hourly(r.Context(), id, queryInt(r, "hours", 24))
	if err != nil {
		a.queryError(w, "Failed to load hourly history", err)
		return
	}
	a.respondCached(w, buckets, status)
}

func (a *API) getDaily(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	buckets, status, err := a.history.Daily(r.Context(), id, queryInt(r, "days", 7))
	if err != nil {
		a.queryError(w, "Failed to load daily history", err)
		return
	}
	a.respondCached(w, buckets, status)
}

func (a *API) getMinutely(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	points, err := a.history.Minutely(r.Context(), id, queryInt(r, "minutes", 60))
	if err != nil {
		a.queryError(w, "Failed to load minutely history", err)
		return
	}
	a.respondJSON(w, points, http.StatusOK)
}

func (a *API) getSegments(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	filter := history.SegmentFilter{
		Category:   core.Category(r.URL.Query().Get("category")),
		Subsection: r.URL.Query().Get("subsection"),
	}
	report, status, err := a.history.Segments(r.Context(), id, filter, queryInt(r, "hours", 24), queryInt(r, "days", 7))
	if err != nil {
		a.queryError(w, "Failed to load segments", err)
		return
	}
	a.respondCached(w, report, status)
}

func (a *API) getSessions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var filter core.SessionFilter
	if raw := r.URL.Query().Get("min_duration"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.MinDuration = &n
		}
	}
	if raw := r.URL.Query().Get("max_duration"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.MaxDuration = &n
		}
	}
	if raw := r.URL.Query().Get("min_score"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MinScore = &f
		}
	}
	if raw := r.URL.Query().Get("max_score"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MaxScore = &f
		}
	}
	includeSegments := r.URL.Query().Get("include_segments") == "true"

	sessions, err := a.history.Sessions(r.Context(), id, queryInt64(r, "since", 0), filter, includeSegments)
	if err != nil {
		a.queryError(w, "Failed to load sessions", err)
		return
	}
	a.respondJSON(w, sessions, http.StatusOK)
}

func (a *API) getSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	summary, status, err := a.history.Summary(r.Context(), id)
	if err != nil {
		a.queryError(w, "Failed to load summary", err)
		return
	}
	a.respondCached(w, summary, status)
}

func (a *API) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	period := mux.Vars(r)["period"]
	entries, err := a.history.Leaderboard(r.Context(), period, queryInt(r, "limit", 10))
	if err != nil {
		if storage.IsUnavailable(err) {
			a.queryError(w, "Failed to load leaderboard", err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), nil, a.logger)
		return
	}
	a.respondJSON(w, entries, http.StatusOK)
}
