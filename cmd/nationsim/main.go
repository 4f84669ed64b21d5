// Command nationsim runs the world clock: a daily 00:00 UTC wake that rolls
// weekly elections over and resolves arrived world events.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talgya/nationsim/internal/api"
	"github.com/talgya/nationsim/internal/config"
	"github.com/talgya/nationsim/internal/engine"
	"github.com/talgya/nationsim/internal/persistence"
)

// store is what both backends offer the scheduler and the API.
type store interface {
	engine.Store
	api.Reader
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("nationsim world clock",
		"store", cfg.Store.Driver,
		"schedule", cfg.Schedule.Cron,
		"cycle_day", cfg.Schedule.CycleDay,
		"holder", cfg.Holder,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Store ─────────────────────────────────────────────────────────
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// ── Scheduler ─────────────────────────────────────────────────────
	cycleDay, _ := cfg.CycleWeekday()
	sched := engine.NewScheduler(st, engine.RealClock{}, cfg.Holder)
	sched.CycleDay = cycleDay
	sched.ElectionLength = cfg.Schedule.ElectionLength
	sched.Logger = logger

	runner, err := engine.NewRunner(sched, cfg.Schedule.Cron)
	if err != nil {
		slog.Error("invalid schedule", "error", err)
		os.Exit(1)
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.API.AdminKey == "" {
		slog.Warn("NATIONSIM_ADMIN_KEY not set, admin POST endpoints will be disabled")
	}
	apiServer := &api.Server{
		Sched:    sched,
		Runner:   runner,
		Store:    st,
		Port:     cfg.API.Port,
		AdminKey: cfg.API.AdminKey,
	}
	apiServer.Start()

	// ── Start ─────────────────────────────────────────────────────────
	runner.Start(ctx)
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	fmt.Printf("Next wake: %s\n", runner.Next().Format(time.RFC3339))

	<-ctx.Done()
	slog.Info("received signal, shutting down")

	runner.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	fmt.Println("World clock stopped.")
}

func openStore(ctx context.Context, cfg *config.Config) (store, func(), error) {
	switch cfg.Store.Driver {
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		m, err := persistence.OpenMongo(connectCtx, cfg.Store.URI, cfg.Store.Database)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("mongo connected", "database", cfg.Store.Database)
		return m, func() { m.Close(context.Background()) }, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return nil, nil, err
		}
		db, err := persistence.Open(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("database opened", "path", cfg.Store.Path)
		return db, func() { db.Close() }, nil
	}
}
