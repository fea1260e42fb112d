// Package main is the entry point for the Oasis orchestrator server.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oasis-mmo/oasis-core/internal/config"
	"github.com/oasis-mmo/oasis-core/internal/engine"
	"github.com/oasis-mmo/oasis-core/internal/gateway"
	"github.com/oasis-mmo/oasis-core/internal/middleware"
	"github.com/oasis-mmo/oasis-core/internal/player"
	"github.com/oasis-mmo/oasis-core/internal/registry"
	"github.com/oasis-mmo/oasis-core/internal/router"
	"github.com/oasis-mmo/oasis-core/internal/scheduler"
	"github.com/oasis-mmo/oasis-core/internal/snapshot"
	"github.com/oasis-mmo/oasis-core/internal/stat7"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting Oasis orchestrator",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	store, err := openSnapshotStore(cfg.Snapshot)
	if err != nil {
		log.Fatalf("Failed to open snapshot store: %v", err)
	}
	if store != nil {
		defer store.Close()
		logger.Info("Snapshot store connected", slog.String("backend", cfg.Snapshot.Backend))
	}

	// Core dependency graph: registry -> router -> players -> gateway -> scheduler.
	reg := registry.New(logger)
	rt := router.New(reg, cfg.Router.Capacity, logger)
	players := player.NewRouter(reg, rt, logger)

	engineFactory := func(coord stat7.Coordinate) engine.TickEngine {
		return engine.NewSimEngine(coord.RealmID)
	}
	roles := gateway.NewTokenRoles(cfg.Gateway.AdminTokens, cfg.Gateway.AuthTokens)
	gw := gateway.New(gateway.Config{
		ReplayCapacity: cfg.Gateway.ReplayCapacity,
		OutboundQueue:  cfg.Gateway.OutboundQueue,
		RatePerMinute:  cfg.Gateway.RatePerMinute,
		RateBurst:      cfg.Gateway.RateBurst,
	}, reg, rt, players, nil, engineFactory, roles, logger)

	sched := scheduler.New(scheduler.Config{
		Period:           cfg.Scheduler.Period,
		LocalTicks:       cfg.Scheduler.LocalTicks,
		Parallel:         cfg.Scheduler.Parallel,
		ParallelLimit:    cfg.Scheduler.ParallelLimit,
		AdvanceBudget:    cfg.Scheduler.AdvanceBudget,
		FailureThreshold: cfg.Scheduler.FailureThreshold,
		ShutdownGrace:    cfg.Scheduler.ShutdownGrace,
	}, reg, rt, gw, logger)
	gw.SetTickSource(sched)

	if store != nil && cfg.Snapshot.RestoreOnBoot {
		restore(logger, store, reg, players, engineFactory)
	}

	sched.Start()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.Gateway.AllowedOrigins))

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(sched))
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/ws", gw)

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WebSocket sessions outlive any write timeout; the gateway enforces
		// its own per-write deadlines.
		IdleTimeout: time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down", slog.String("signal", sig.String()))

	// Shutdown order: stop ticking, drop sessions, persist state, then close
	// the listener.
	sched.Stop()
	gw.Shutdown()
	if store != nil {
		persist(logger, store, reg, players)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// openSnapshotStore builds the configured persistence backend, or nil when
// snapshotting is disabled.
func openSnapshotStore(cfg config.SnapshotConfig) (snapshot.Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "redis":
		return snapshot.NewRedisStore(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		return snapshot.NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, nil
	}
}

func restore(logger *slog.Logger, store snapshot.Store, reg *registry.Registry,
	players *player.Router, factory func(stat7.Coordinate) engine.TickEngine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if blob, err := store.Load(ctx, snapshot.ComponentRegistry); err == nil {
		if err := reg.Restore(blob, registry.EngineFactory(factory)); err != nil {
			logger.Warn("registry restore failed", slog.String("error", err.Error()))
		} else {
			logger.Info("registry restored", slog.Int("instances", reg.Len()))
		}
	}
	if blob, err := store.Load(ctx, snapshot.ComponentPlayers); err == nil {
		if err := players.Restore(blob); err != nil {
			logger.Warn("player restore failed", slog.String("error", err.Error()))
		} else {
			logger.Info("players restored")
		}
	}
}

func persist(logger *slog.Logger, store snapshot.Store, reg *registry.Registry, players *player.Router) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if blob, err := reg.Snapshot(); err == nil {
		if err := store.Save(ctx, snapshot.ComponentRegistry, blob); err != nil {
			logger.Warn("registry snapshot failed", slog.String("error", err.Error()))
		}
	}
	if blob, err := players.Snapshot(); err == nil {
		if err := store.Save(ctx, snapshot.ComponentPlayers, blob); err != nil {
			logger.Warn("player snapshot failed", slog.String("error", err.Error()))
		}
	}
	logger.Info("state persisted")
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler reports ready once the scheduler loop is running.
func readyHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !sched.Running() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"scheduler"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","scheduler":"running"}`))
	}
}
