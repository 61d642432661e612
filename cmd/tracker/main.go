package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"tracker.transitwatch.org/internal/app"
	"tracker.transitwatch.org/internal/config"
	"tracker.transitwatch.org/internal/report"
	"tracker.transitwatch.org/internal/store"
)

const version = "1.0.0"

func main() {
	var (
		envFile = flag.String("env-file", "", "Path to a .env file to load before reading configuration")
		port    = flag.Int("port", 0, "API server port (overrides PORT)")
		env     = flag.String("env", "", "Environment (overrides ENV)")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Printf("Error loading env file %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		// Best effort: a .env in the working directory is optional.
		godotenv.Load()
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	report.SetupSentry()
	defer report.FlushSentry()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *env != "" {
		cfg.Env = *env
	}

	report.ConfigureScope(cfg.Env, version)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		report.ReportError(err, sentry.LevelFatal)
		logger.Error("opening store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	application := app.New(cfg, db, logger, app.NewPooledClient(), version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runEngine(ctx, application, cfg.PollInterval)
	go runAuditor(ctx, application, cfg.AuditInterval)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      application.Routes(ctx),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "env", cfg.Env)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		report.ReportError(err, sentry.LevelFatal)
		report.FlushSentry()
		logger.Error(err.Error())
		os.Exit(1)
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}
}

// runEngine runs a reconciliation cycle immediately and then on every tick
// until the context is canceled.
func runEngine(ctx context.Context, application *app.Application, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := application.Engine.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			application.Logger.Error("reconciliation cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runAuditor runs the corrective sweep on every tick until the context is
// canceled. The first sweep waits a full interval so startup traffic is not
// doubled.
func runAuditor(ctx context.Context, application *app.Application, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := application.Auditor.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			application.Logger.Error("auditor sweep failed", "error", err)
		}
	}
}
