// Package app wires the tracker's services together and exposes the HTTP
// surface: the healthcheck, the vehicle query endpoint, and Prometheus
// metrics.
package app

import (
	"log/slog"
	"net/http"
	"sync"

	"tracker.transitwatch.org/internal/auditor"
	"tracker.transitwatch.org/internal/config"
	"tracker.transitwatch.org/internal/engine"
	"tracker.transitwatch.org/internal/geo"
	"tracker.transitwatch.org/internal/notify"
	"tracker.transitwatch.org/internal/store"
	"tracker.transitwatch.org/internal/transit"
)

// Application holds the wired services and is the receiver for the HTTP
// handlers.
type Application struct {
	Config  *config.Config
	Store   *store.DB
	Engine  *engine.Engine
	Auditor *auditor.Auditor
	Logger  *slog.Logger
	Version string
}

// New creates and wires all dependencies for the Application.
func New(cfg *config.Config, db *store.DB, logger *slog.Logger, client *http.Client, version string) *Application {
	transitClient := transit.NewClient(cfg.TransitBaseURL, cfg.TransitAPIKey, client, cfg.Location())

	var notifier notify.Notifier = notify.Noop{}
	if cfg.NotifyEndpoint != "" {
		notifier = notify.NewWebhook(cfg.NotifyEndpoint, cfg.NotifyAPIKey, client)
	}

	// The auditor's backfill fills the box store, the engine reads it.
	// Both loops write the vehicle status record, so they share one lock.
	boxes := geo.NewBoundingBoxStore()
	statusLock := &sync.Mutex{}

	eng := engine.New(db, transitClient, notifier, boxes, logger, engine.Options{
		GroupSize:            cfg.GroupSize,
		VehicleBatchSize:     cfg.VehicleBatchSize,
		DormantAfterDays:     cfg.DormantAfterDays,
		StalePredictionHours: cfg.StalePredictionHours,
		StatusLock:           statusLock,
	})

	aud := auditor.New(db, transitClient, boxes, logger, auditor.Options{
		GroupSize:          cfg.GroupSize,
		VehicleBatchSize:   cfg.VehicleBatchSize,
		DormantAfterDays:   cfg.DormantAfterDays,
		ReviveAfterMinutes: cfg.ReviveAfterMinutes,
		StatusLock:         statusLock,
	})

	return &Application{
		Config:  cfg,
		Store:   db,
		Engine:  eng,
		Auditor: aud,
		Logger:  logger,
		Version: version,
	}
}
