// Package api exposes the ingest and history surfaces over HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"argus/config"
	"argus/core"
	"argus/history"
	"argus/rollup"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Ingestor accepts signals for rollup.
type Ingestor interface {
	RecordSignal(ctx context.Context, sig *core.Signal) error
	RecordSignals(ctx context.Context, sigs []*core.Signal) []rollup.Result
}

// HistorySource answers read queries.
type HistorySource interface {
	Hourly(ctx context.Context, deviceID string, hours int) ([]*core.Bucket, core.CacheStatus, error)
	Daily(ctx context.Context, deviceID string, days int) ([]*core.Bucket, core.CacheStatus, error)
	Minutely(ctx context.Context, deviceID string, minutes int) ([]history.MinutePoint, error)
	Segments(ctx context.Context, deviceID string, filter history.SegmentFilter, hours, days int) (*history.SegmentReport, core.CacheStatus, error)
	Sessions(ctx context.Context, deviceID string, since int64, filter core.SessionFilter, includeSegments bool) ([]*core.Session, error)
	Summary(ctx context.Context, deviceID string) (*core.PlayerSummary, core.CacheStatus, error)
	Leaderboard(ctx context.Context, period string, limit int) ([]core.LeaderboardEntry, error)
	Devices(ctx context.Context) ([]*core.Device, core.CacheStatus, error)
	DeviceSnapshot(ctx context.Context, deviceID string) (*history.Snapshot, error)
}

// HealthChecker reports backend reachability for the health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// API is the HTTP server.
type API struct {
	router         *mux.Router
	server         *http.Server
	ingestor       Ingestor
	history        HistorySource
	health         HealthChecker
	config         *config.Config
	logger         *zap.SugaredLogger
	validate       *validator.Validate
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
}

// NewAPI creates a new API server.
func NewAPI(ingestor Ingestor, historySource HistorySource, health HealthChecker, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:       mux.NewRouter(),
		ingestor:     ingestor,
		history:      historySource,
		health:       health,
		config:       cfg,
		logger:       logger,
		validate:     validator.New(),
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.requestIDMiddleware)
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.rateLimitMiddleware)

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/signals", a.ingestSignal).Methods("POST")
	v1.HandleFunc("/signals/batch", a.ingestBatch).Methods("POST")
	v1.HandleFunc("/devices", a.listDevices).Methods("GET")
	v1.HandleFunc("/devices/{id}", a.getDeviceSnapshot).Methods("GET")
	v1.HandleFunc("/devices/{id}/live", a.serveLive).Methods("GET")
	v1.HandleFunc("/devices/{id}/history/hourly", a.getHourly).Methods("GET")
	v1.HandleFunc("/devices/{id}/history/daily", a.getDaily).Methods("GET")
	v1.HandleFunc("/devices/{id}/history/minutely", a.getMinutely).Methods("GET")
	v1.HandleFunc("/devices/{id}/segments", a.getSegments).Methods("GET")
	v1.HandleFunc("/devices/{id}/sessions", a.getSessions).Methods("GET")
	v1.HandleFunc("/devices/{id}/summary", a.getSummary).Methods("GET")
	v1.HandleFunc("/leaderboard/{period}", a.getLeaderboard).Methods("GET")

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Router exposes the configured handler. Test hook.
func (a *API) Router() http.Handler { return a.router }

// Start starts the API server.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return a.server.ListenAndServe()
}

// Stop stops the API server.
func (a *API) Stop(ctx context.Context) error {
	close(a.stopCh)
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "backend": "ok"}
	code := http.StatusOK
	if a.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.health.Ping(ctx); err != nil {
			status["backend"] = "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	a.respondJSON(w, status, code)
}
