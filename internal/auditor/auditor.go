// Package auditor runs the hourly corrective sweep: it re-polls dormant
// vehicles and promotes any that answer back into the active partition, and
// performs a one-time backfill of stop and pattern geometry data.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tracker.transitwatch.org/internal/engine"
	"tracker.transitwatch.org/internal/geo"
	"tracker.transitwatch.org/internal/metrics"
	"tracker.transitwatch.org/internal/models"
	"tracker.transitwatch.org/internal/transit"
	"tracker.transitwatch.org/internal/utils"
)

// Storage is the persistence surface the auditor needs. *store.DB
// satisfies it.
type Storage interface {
	VehicleStatus(ctx context.Context) (models.VehicleStatusItem, bool, error)
	SaveVehicleStatus(ctx context.Context, item models.VehicleStatusItem) error
	APICountTotal(ctx context.Context) (models.APICountTotal, bool, error)
	SaveAPICountTotal(ctx context.Context, item models.APICountTotal) error
	SaveAPICountRecord(ctx context.Context, rec models.APICountRecord) error
	StopsForRoute(ctx context.Context, routeID string) ([]models.Stop, bool, error)
	SaveStopsForRoute(ctx context.Context, routeID string, stops []models.Stop) error
	StopsSearch(ctx context.Context) (map[string]models.Stop, bool, error)
	SaveStopsSearch(ctx context.Context, stops map[string]models.Stop) error
	RouteMap(ctx context.Context, routeID string) (models.RouteMap, bool, error)
	RouteMaps(ctx context.Context) (map[string]models.RouteMap, error)
	SaveRouteMap(ctx context.Context, m models.RouteMap) error
}

// TransitAPI is the upstream surface the auditor polls.
type TransitAPI interface {
	Routes(ctx context.Context) ([]transit.Route, error)
	VehicleTelemetry(ctx context.Context, ids []string) (map[string]transit.Telemetry, []string, error)
	Directions(ctx context.Context, routeID string) ([]string, error)
	StopsForRoute(ctx context.Context, routeID, direction string) ([]models.Stop, error)
	PatternsForRoute(ctx context.Context, routeID string) ([]models.PatternPoint, error)
}

// Options are the auditor tunables. Zero fields fall back to the
// production defaults.
type Options struct {
	GroupSize          int
	VehicleBatchSize   int
	DormantAfterDays   int
	ReviveAfterMinutes int

	// StatusLock serializes writers of the root vehicle status record.
	// The auditor and the engine must share one instance; left nil, the
	// auditor only serializes against itself.
	StatusLock *sync.Mutex
}

func (o Options) withDefaults() Options {
	if o.GroupSize <= 0 {
		o.GroupSize = 25
	}
	if o.VehicleBatchSize <= 0 {
		o.VehicleBatchSize = 10
	}
	if o.DormantAfterDays <= 0 {
		o.DormantAfterDays = 3
	}
	if o.ReviveAfterMinutes <= 0 {
		o.ReviveAfterMinutes = 10
	}
	if o.StatusLock == nil {
		o.StatusLock = &sync.Mutex{}
	}
	return o
}

// SweepResult summarizes one auditor pass.
type SweepResult struct {
	APICalls   int
	Revived    int
	Backfilled bool
}

type Auditor struct {
	store  Storage
	api    TransitAPI
	boxes  *geo.BoundingBoxStore
	logger *slog.Logger
	opts   Options

	// boxesWarmed records that stored bounding boxes were loaded into
	// boxes once. Guarded by opts.StatusLock, which every sweep holds.
	boxesWarmed bool

	now func() time.Time
}

func New(store Storage, api TransitAPI, boxes *geo.BoundingBoxStore, logger *slog.Logger, opts Options) *Auditor {
	if boxes == nil {
		boxes = geo.NewBoundingBoxStore()
	}
	return &Auditor{
		store:  store,
		api:    api,
		boxes:  boxes,
		logger: logger,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// Sweep re-polls dormant vehicles and promotes responders back into the
// active partition, then runs the reference data backfill if it has not
// happened yet. Hitting the upstream transaction limit aborts the sweep.
// The sweep holds the status lock end to end, so a reconciliation cycle
// cannot interleave with its load and save.
func (a *Auditor) Sweep(ctx context.Context) (SweepResult, error) {
	a.opts.StatusLock.Lock()
	defer a.opts.StatusLock.Unlock()

	now := a.now()
	var result SweepResult

	item, ok, err := a.store.VehicleStatus(ctx)
	if err != nil {
		return result, err
	}

	if ok && !item.IsEmpty() {
		calls, revived, err := a.reviveDormant(ctx, item, now)
		result.APICalls += calls
		result.Revived = revived
		if err != nil {
			return result, err
		}
	}

	calls, backfilled, err := a.backfill(ctx)
	result.APICalls += calls
	result.Backfilled = backfilled
	if err != nil {
		if recordErr := a.recordAPICalls(ctx, result.APICalls, now); recordErr != nil {
			a.logger.Error("recording api call counts", slog.Any("error", recordErr))
		}
		return result, err
	}

	if err := a.recordAPICalls(ctx, result.APICalls, now); err != nil {
		a.logger.Error("recording api call counts", slog.Any("error", err))
	}

	a.logger.Info("sweep complete",
		slog.Int("revived", result.Revived),
		slog.Int("api_calls", result.APICalls),
		slog.Bool("backfilled", result.Backfilled))
	return result, nil
}

// reviveDormant polls every dormant vehicle that has been offline long
// enough to be worth checking, in batches, and promotes any that respond.
func (a *Auditor) reviveDormant(ctx context.Context, item models.VehicleStatusItem, now time.Time) (int, int, error) {
	active, dormant := engine.Distribute(item, now, a.opts.DormantAfterDays)

	var candidates []string
	for vehicleID, vs := range dormant {
		// A dormant vehicle with no offline mark is in an unknown
		// state; poll it too.
		if vs.WentOffline == nil || utils.ElapsedMinutesGreaterThan(vs.WentOffline, now, a.opts.ReviveAfterMinutes) {
			candidates = append(candidates, vehicleID)
		}
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}
	sort.Strings(candidates)

	var calls int
	var responders []string
	for _, batch := range utils.Chunk(candidates, a.opts.VehicleBatchSize) {
		reachable, _, err := a.api.VehicleTelemetry(ctx, batch)
		calls++
		if err != nil {
			if errors.Is(err, transit.ErrRateLimited) {
				return calls, 0, fmt.Errorf("reviving dormant vehicles: %w", err)
			}
			a.logger.Warn("dormant poll batch failed", slog.Any("error", err))
			continue
		}
		for vehicleID := range reachable {
			responders = append(responders, vehicleID)
		}
	}

	if len(responders) == 0 {
		return calls, 0, nil
	}

	engine.MergeDiscovered(active, dormant, responders)
	item = models.VehicleStatusItem{
		Active:  engine.Reassemble(active, a.opts.GroupSize),
		Dormant: engine.Reassemble(dormant, a.opts.GroupSize),
	}
	if err := a.store.SaveVehicleStatus(ctx, item); err != nil {
		return calls, 0, fmt.Errorf("saving revived vehicles: %w", err)
	}

	metrics.VehiclesRevived.Add(float64(len(responders)))
	a.logger.Info("revived dormant vehicles", slog.Int("count", len(responders)))
	return calls, len(responders), nil
}

func (a *Auditor) recordAPICalls(ctx context.Context, calls int, now time.Time) error {
	if calls == 0 {
		return nil
	}
	total, _, err := a.store.APICountTotal(ctx)
	if err != nil {
		return err
	}
	total.Total += calls
	total.LastUpdated = now
	total.LastUpdatedBy = "auditor"
	if err := a.store.SaveAPICountTotal(ctx, total); err != nil {
		return err
	}
	return a.store.SaveAPICountRecord(ctx, models.APICountRecord{
		Count:    calls,
		CalledBy: "auditor",
		Recorded: now,
	})
}
