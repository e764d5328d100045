// Package bootstrap wires configuration, storage, the rollup engine, the
// history query layer and the HTTP API into a runnable application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"argus/api"
	"argus/config"
	"argus/core"
	"argus/history"
	"argus/rollup"
	"argus/storage"

	"go.uber.org/zap"
)

// App represents the argus application with all its components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Store     storage.Store
	Cache     *core.Cache
	TaskQueue *core.TaskQueue
	Engine    *rollup.Engine
	History   *history.Query
	APIServer *api.API

	tasksCancel context.CancelFunc
	shutdownCh  chan struct{}
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{shutdownCh: make(chan struct{})}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Argus starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	store, err := InitStore(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Store = store

	app.Cache = core.NewCache(cfg.Engine.CacheCapacity)

	tasksCtx, cancel := context.WithCancel(context.Background())
	app.tasksCancel = cancel
	app.TaskQueue = core.NewTaskQueue(tasksCtx, cfg.Engine.TaskWorkers, cfg.Engine.TaskQueueSize, cfg.Engine.TaskMaxRetries, sugar)

	router, err := InitRouter(cfg, sugar)
	if err != nil {
		return nil, err
	}

	engine, err := rollup.New(rollup.Config{
		Store:        store,
		Cache:        app.Cache,
		Router:       router,
		NamePriority: cfg.Identity.Priority,
		Retention:    cfg.Retention.Ceiling,
		MinuteTTL:    cfg.Retention.MinuteTTL,
		SessionGap:   cfg.Engine.SessionIdleGap,
		RecentPerDev: cfg.Engine.RecentPerDevice,
		RecentDevs:   cfg.Engine.RecentDevices,
		Tasks:        app.TaskQueue,
		Logger:       sugar,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rollup engine: %w", err)
	}
	app.Engine = engine

	app.History = history.New(history.Config{
		Store:           store,
		Cache:           app.Cache,
		Recent:          engine,
		Retention:       cfg.Retention.Ceiling,
		OnlineThreshold: cfg.Engine.OnlineThreshold,
		SummaryTTL:      cfg.Engine.SummaryTTL,
		MemoTTL:         cfg.Engine.CacheTTL,
		SessionFetchCap: cfg.Engine.SessionFetchCap,
		DeriveCap:       cfg.Engine.LeaderboardDerive,
		AllowScanRepair: cfg.Engine.AllowScanRepair,
		Logger:          sugar,
	})

	app.APIServer = api.NewAPI(engine, app.History, store, cfg, sugar)

	return app, nil
}

// InitStore connects the durable store, falling back to the in-process
// store in graceful mode when Redis is disabled or unreachable.
func InitStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (storage.Store, error) {
	if !cfg.Redis.Enabled {
		sugar.Warn("Redis disabled, using in-process store; nothing survives a restart")
		return storage.NewMemoryStore(), nil
	}

	rs := storage.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.OpTimeout, sugar)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		if !cfg.IsGracefulMode() {
			return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		sugar.Warnw("Redis unreachable, falling back to in-process store",
			"addr", cfg.Redis.Addr, "error", err)
		_ = rs.Close()
		return storage.NewMemoryStore(), nil
	}
	sugar.Infow("Connected to Redis", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	return rs, nil
}

// InitRouter builds the segment routing policy, layering a YAML rule file
// over the built-in keyword table when one is configured.
func InitRouter(cfg *config.Config, sugar *zap.SugaredLogger) (core.RoutingPolicy, error) {
	rules := core.DefaultRoutingRules()
	if cfg.Routing.File != "" {
		loaded, err := core.LoadRoutingRules(cfg.Routing.File)
		if err != nil {
			if !cfg.IsGracefulMode() {
				return nil, fmt.Errorf("failed to load routing rules from %s: %w", cfg.Routing.File, err)
			}
			sugar.Warnw("Failed to load routing rules, using built-ins",
				"file", cfg.Routing.File, "error", err)
		} else {
			sugar.Infow("Loaded routing rules", "file", cfg.Routing.File, "rules", len(loaded))
			rules = append(loaded, rules...)
		}
	}
	return core.NewKeywordRouter(rules), nil
}

// Start brings up the task queue and the API server.
func (a *App) Start(ctx context.Context) error {
	a.TaskQueue.Start()

	addr := fmt.Sprintf("%s:%d", a.Config.API.Host, a.Config.API.Port)
	a.Sugar.Infow("Starting API server", "addr", addr)
	go func() {
		if err := a.APIServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server stopped", "error", err)
		}
	}()
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.APIServer != nil {
		if err := a.APIServer.Stop(shutdownCtx); err != nil {
			a.Sugar.Errorw("API shutdown error", "error", err)
		}
	}

	if a.TaskQueue != nil {
		a.TaskQueue.Stop()
	}
	if a.tasksCancel != nil {
		a.tasksCancel()
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Sugar.Errorw("Store close error", "error", err)
		}
	}

	_ = a.Logger.Sync()
	a.Sugar.Info("Shutdown complete")
}
