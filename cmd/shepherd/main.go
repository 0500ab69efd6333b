package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/shepherd/api"
	"github.com/use-agent/shepherd/artifact"
	"github.com/use-agent/shepherd/config"
	"github.com/use-agent/shepherd/executor"
	"github.com/use-agent/shepherd/retry"
	"github.com/use-agent/shepherd/schedule"
	"github.com/use-agent/shepherd/scraper"
	"github.com/use-agent/shepherd/store"
	"github.com/use-agent/shepherd/supervisor"
	"github.com/use-agent/shepherd/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("shepherd starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"maxActive", cfg.Supervisor.MaxActive,
	)

	// ── 3. Launch the browser ───────────────────────────────────────
	sc, err := scraper.New(cfg.Browser)
	if err != nil {
		slog.Error("failed to initialise scraper", "error", err)
		os.Exit(1)
	}
	defer sc.Close()

	// ── 4. Build the supervisor ─────────────────────────────────────
	opts := supervisor.Options{
		Automation: sc,
		Runner:     executor.New(),
		Policy:     retry.FromConfig(cfg.Retry),
		Capture:    artifact.NewCapturer(cfg.Artifact.Dir),
		Notifier:   webhook.NewNotifier(),
	}
	opts.ApplyConfig(cfg)

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			slog.Error("failed to open snapshot store", "error", err)
			os.Exit(1)
		}
		defer st.Close()
		opts.Store = st
	}

	sup := supervisor.New(opts)
	if n, err := sup.Recover(); err != nil {
		slog.Error("failed to recover orphaned jobs", "error", err)
	} else if n > 0 {
		slog.Warn("orphaned jobs from previous run marked as crashed", "count", n)
	}

	// ── 5. Recurring jobs and retention ─────────────────────────────
	sched := schedule.New(sup)
	if cfg.Schedule.File != "" {
		f, err := schedule.LoadFile(cfg.Schedule.File)
		if err != nil {
			slog.Error("failed to load schedule file", "path", cfg.Schedule.File, "error", err)
			os.Exit(1)
		}
		for _, e := range f.Jobs {
			if err := sched.Add(e); err != nil {
				slog.Error("failed to register recurring job", "name", e.Name, "error", err)
			}
		}
	}
	if cfg.Supervisor.Retention > 0 {
		if err := sched.AddFunc("@every 1m", func() { sup.Sweep(time.Now()) }); err != nil {
			slog.Error("failed to register retention sweep", "error", err)
		}
	}
	sched.Start()

	// ── 6. Setup router and start HTTP server ───────────────────────
	router := api.NewRouter(sup, cfg, time.Now())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 7. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	sched.Stop(ctx)

	// Running jobs end Cancelled with reason "shutdown".
	jobCtx, jobCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer jobCancel()
	if err := sup.Shutdown(jobCtx); err != nil {
		slog.Error("jobs did not stop in time", "error", err)
	}

	// Store and browser close via defer.
	slog.Info("shepherd stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
