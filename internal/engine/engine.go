// Package engine implements the vehicle state reconciliation cycle: it
// classifies the tracked fleet into active and dormant partitions, polls
// the active vehicles in bounded batches, folds the results back into the
// partitions, and rebuilds the per-group prediction records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"tracker.transitwatch.org/internal/geo"
	"tracker.transitwatch.org/internal/metrics"
	"tracker.transitwatch.org/internal/models"
	"tracker.transitwatch.org/internal/notify"
	"tracker.transitwatch.org/internal/report"
	"tracker.transitwatch.org/internal/transit"
	"tracker.transitwatch.org/internal/utils"
)

// maxConcurrentBatches bounds how many upstream poll batches run at once.
const maxConcurrentBatches = 4

// Storage is the persistence surface the engine needs. *store.DB satisfies
// it; tests substitute an in-memory fake.
type Storage interface {
	VehicleStatus(ctx context.Context) (models.VehicleStatusItem, bool, error)
	SaveVehicleStatus(ctx context.Context, item models.VehicleStatusItem) error
	VehicleScanner(ctx context.Context) (models.VehicleScannerItem, bool, error)
	SaveVehicleScanner(ctx context.Context, item models.VehicleScannerItem) error
	PredictionGroup(ctx context.Context, groupID int) (models.PredictionItem, bool, error)
	SavePredictionGroup(ctx context.Context, item models.PredictionItem) error
	PredictionGroups(ctx context.Context) (map[int]models.PredictionItem, error)
	APICountTotal(ctx context.Context) (models.APICountTotal, bool, error)
	SaveAPICountTotal(ctx context.Context, item models.APICountTotal) error
	SaveAPICountRecord(ctx context.Context, rec models.APICountRecord) error
}

// TransitAPI is the upstream surface the engine polls.
type TransitAPI interface {
	ActiveVehicles(ctx context.Context) (map[string]transit.Telemetry, int, error)
	VehicleTelemetry(ctx context.Context, ids []string) (map[string]transit.Telemetry, []string, error)
	VehiclePredictionMeta(ctx context.Context, ids []string) (map[string][]models.Prediction, map[string]transit.PredictionMeta, error)
}

// Options are the reconciliation tunables. Zero fields fall back to the
// production defaults.
type Options struct {
	GroupSize            int
	VehicleBatchSize     int
	DormantAfterDays     int
	StalePredictionHours int
	ResyncWindow         time.Duration

	// StatusLock serializes writers of the root vehicle status record.
	// The engine and the auditor must share one instance; left nil, the
	// engine only serializes against itself.
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
	if o.StalePredictionHours <= 0 {
		o.StalePredictionHours = 12
	}
	if o.ResyncWindow <= 0 {
		o.ResyncWindow = utils.DefaultWindow
	}
	if o.StatusLock == nil {
		o.StatusLock = &sync.Mutex{}
	}
	return o
}

// CycleState names which path a cycle took.
type CycleState string

const (
	StateBootstrap   CycleState = "bootstrap"
	StateResync      CycleState = "resync"
	StateIncremental CycleState = "incremental"
)

// CycleResult summarizes one reconciliation cycle.
type CycleResult struct {
	State         CycleState
	APICalls      int
	ActiveCount   int
	DormantCount  int
	GroupsUpdated int
}

// Engine runs reconciliation cycles against one upstream agency.
type Engine struct {
	store    Storage
	api      TransitAPI
	notifier notify.Notifier
	boxes    *geo.BoundingBoxStore
	logger   *slog.Logger
	opts     Options

	// now is swapped out by tests to drive aging and scheduling.
	now func() time.Time
}

func New(store Storage, api TransitAPI, notifier notify.Notifier, boxes *geo.BoundingBoxStore, logger *slog.Logger, opts Options) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if boxes == nil {
		boxes = geo.NewBoundingBoxStore()
	}
	return &Engine{
		store:    store,
		api:      api,
		notifier: notifier,
		boxes:    boxes,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
	}
}

// RunCycle executes one reconciliation pass. Rate limiting and root-state
// persistence failures abort the cycle; per-batch and per-group failures
// are absorbed and logged. The cycle holds the status lock end to end, so
// the auditor's sweep cannot interleave with its load and save.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	e.opts.StatusLock.Lock()
	defer e.opts.StatusLock.Unlock()

	start := time.Now()
	result, err := e.runCycle(ctx)
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CycleFailures.Inc()
	}
	return result, err
}

func (e *Engine) runCycle(ctx context.Context) (CycleResult, error) {
	now := e.now()
	var result CycleResult

	item, _, err := e.store.VehicleStatus(ctx)
	if err != nil {
		return result, err
	}

	var active, dormant map[string]models.VehicleStatus
	var polled polledFleet

	switch {
	case item.IsEmpty():
		result.State = StateBootstrap
		active = make(map[string]models.VehicleStatus)
		dormant = make(map[string]models.VehicleStatus)

		discovered, calls, err := e.api.ActiveVehicles(ctx)
		result.APICalls += calls
		if err != nil {
			return result, fmt.Errorf("bootstrapping fleet: %w", err)
		}
		MergeDiscovered(active, dormant, telemetryIDs(discovered))
		polled.telemetry = discovered

		scanner := models.VehicleScannerItem{NextExecutionTime: utils.RandomTimeWithinNextDay(now)}
		if err := e.store.SaveVehicleScanner(ctx, scanner); err != nil {
			return result, err
		}
		e.logger.Info("bootstrapped fleet",
			slog.Int("vehicles", len(active)),
			slog.Time("next_resync", scanner.NextExecutionTime))

	default:
		active, dormant = Distribute(item, now, e.opts.DormantAfterDays)

		scanner, haveScanner, err := e.store.VehicleScanner(ctx)
		if err != nil {
			return result, err
		}

		if haveScanner && e.resyncDue(scanner, now) {
			result.State = StateResync
			discovered, calls, err := e.api.ActiveVehicles(ctx)
			result.APICalls += calls
			if err != nil {
				return result, fmt.Errorf("resyncing fleet: %w", err)
			}
			MergeDiscovered(active, dormant, telemetryIDs(discovered))
			polled.telemetry = discovered

			scanner.NextExecutionTime = utils.RandomTimeWithinNextDay(now)
			if err := e.store.SaveVehicleScanner(ctx, scanner); err != nil {
				return result, err
			}
			e.logger.Info("fleet resynced",
				slog.Int("discovered", len(discovered)),
				slog.Time("next_resync", scanner.NextExecutionTime))
		} else {
			result.State = StateIncremental
			if !haveScanner {
				// Self-heal: a missing scanner would otherwise
				// disable resyncs forever.
				scanner = models.VehicleScannerItem{NextExecutionTime: utils.RandomTimeWithinNextDay(now)}
				if err := e.store.SaveVehicleScanner(ctx, scanner); err != nil {
					return result, err
				}
			}
		}
	}

	calls, err := e.pollActive(ctx, active, &polled, now)
	result.APICalls += calls
	if err != nil {
		return result, err
	}

	item = models.VehicleStatusItem{
		Active:  Reassemble(active, e.opts.GroupSize),
		Dormant: Reassemble(dormant, e.opts.GroupSize),
	}
	if err := e.store.SaveVehicleStatus(ctx, item); err != nil {
		return result, fmt.Errorf("saving vehicle status: %w", err)
	}

	result.ActiveCount, result.DormantCount = item.Count()
	metrics.ActiveVehicles.Set(float64(result.ActiveCount))
	metrics.DormantVehicles.Set(float64(result.DormantCount))
	metrics.PredictionGroups.Set(float64(len(item.Active)))

	result.GroupsUpdated = e.publishGroups(ctx, item.Active, &polled, now)

	if err := e.recordAPICalls(ctx, result.APICalls, "engine", now); err != nil {
		e.logger.Error("recording api call counts", slog.Any("error", err))
	}

	e.logger.Info("cycle complete",
		slog.String("state", string(result.State)),
		slog.Int("active", result.ActiveCount),
		slog.Int("dormant", result.DormantCount),
		slog.Int("api_calls", result.APICalls),
		slog.Int("groups_updated", result.GroupsUpdated))

	return result, nil
}

// resyncDue reports whether a full fleet enumeration is owed: the scheduled
// instant is inside the window, or it was missed entirely while the service
// was not running.
func (e *Engine) resyncDue(scanner models.VehicleScannerItem, now time.Time) bool {
	if utils.IsWithinWindow(scanner.NextExecutionTime, now, e.opts.ResyncWindow) {
		return true
	}
	return !scanner.NextExecutionTime.IsZero() && now.After(scanner.NextExecutionTime.Add(e.opts.ResyncWindow))
}

// polledFleet accumulates everything one cycle learned from the upstream.
type polledFleet struct {
	mu          sync.Mutex
	telemetry   map[string]transit.Telemetry
	predictions map[string][]models.Prediction
	meta        map[string]transit.PredictionMeta
}

func (p *polledFleet) merge(telemetry map[string]transit.Telemetry, predictions map[string][]models.Prediction, meta map[string]transit.PredictionMeta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.telemetry == nil {
		p.telemetry = make(map[string]transit.Telemetry)
	}
	if p.predictions == nil {
		p.predictions = make(map[string][]models.Prediction)
	}
	if p.meta == nil {
		p.meta = make(map[string]transit.PredictionMeta)
	}
	for id, t := range telemetry {
		p.telemetry[id] = t
	}
	for id, prds := range predictions {
		p.predictions[id] = prds
	}
	for id, m := range meta {
		p.meta[id] = m
	}
}

// pollActive polls every active vehicle in batches, at most
// maxConcurrentBatches in flight. A failed batch marks its vehicles
// unreachable and the cycle continues; hitting the upstream transaction
// limit aborts the whole cycle.
func (e *Engine) pollActive(ctx context.Context, active map[string]models.VehicleStatus, polled *polledFleet, now time.Time) (int, error) {
	ids := make([]string, 0, len(active))
	for vehicleID := range active {
		ids = append(ids, vehicleID)
	}
	sort.Strings(ids)
	batches := utils.Chunk(ids, e.opts.VehicleBatchSize)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		calls     int
		fatalErr  error
		reachable []string
		offline   []string
	)
	sem := make(chan struct{}, maxConcurrentBatches)

	for _, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(batch []string) {
			defer wg.Done()
			defer func() { <-sem }()

			telemetry, unreachable, err := e.api.VehicleTelemetry(ctx, batch)
			mu.Lock()
			calls++
			mu.Unlock()
			if err != nil {
				mu.Lock()
				if errors.Is(err, transit.ErrRateLimited) {
					fatalErr = err
				}
				offline = append(offline, batch...)
				mu.Unlock()
				if !errors.Is(err, transit.ErrRateLimited) {
					e.logger.Warn("telemetry batch failed", slog.Any("error", err))
				}
				return
			}

			predictions, meta, err := e.api.VehiclePredictionMeta(ctx, batch)
			mu.Lock()
			calls++
			mu.Unlock()
			if err != nil {
				if errors.Is(err, transit.ErrRateLimited) {
					mu.Lock()
					fatalErr = err
					mu.Unlock()
					return
				}
				// Telemetry alone still proves the vehicles are online.
				e.logger.Warn("prediction batch failed", slog.Any("error", err))
				predictions, meta = nil, nil
			}

			polled.merge(telemetry, predictions, meta)
			mu.Lock()
			reachable = append(reachable, telemetryIDs(telemetry)...)
			offline = append(offline, unreachable...)
			mu.Unlock()
		}(batch)
	}
	wg.Wait()

	if fatalErr != nil {
		return calls, fmt.Errorf("polling fleet: %w", fatalErr)
	}

	MergeTelemetry(active, reachable, offline, now)
	return calls, nil
}

// publishGroups rebuilds, persists, and announces each prediction group.
// Groups are independent units of work: they run concurrently and a
// failure in one cannot block the rest.
func (e *Engine) publishGroups(ctx context.Context, activeStatus models.Status, polled *polledFleet, now time.Time) int {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		updated int
	)
	for groupID, group := range activeStatus {
		wg.Add(1)
		go func(groupID int, group models.PredictionGroup) {
			defer wg.Done()

			previous, _, err := e.store.PredictionGroup(ctx, groupID)
			if err != nil {
				e.reportGroupFailure(groupID, err)
				return
			}

			item := e.buildPredictionItem(groupID, group, previous, polled, now)
			if err := e.store.SavePredictionGroup(ctx, item); err != nil {
				e.reportGroupFailure(groupID, err)
				return
			}
			if err := e.notifier.GroupUpdated(ctx, groupID); err != nil {
				e.logger.Warn("group notification failed",
					slog.Int("group_id", groupID), slog.Any("error", err))
			}
			mu.Lock()
			updated++
			mu.Unlock()
			metrics.GroupsUpdated.Inc()
		}(groupID, group)
	}
	wg.Wait()
	return updated
}

func (e *Engine) reportGroupFailure(groupID int, err error) {
	metrics.GroupSaveFailures.Inc()
	report.ReportErrorWithSentryOptions(err, report.SentryReportOptions{
		Tags:  map[string]string{"group_id": strconv.Itoa(groupID)},
		Level: sentry.LevelError,
	})
	e.logger.Error("prediction group update failed",
		slog.Int("group_id", groupID), slog.Any("error", err))
}

// recordAPICalls bumps the running total and writes a dated record of this
// run's upstream usage.
func (e *Engine) recordAPICalls(ctx context.Context, calls int, calledBy string, now time.Time) error {
	if calls == 0 {
		return nil
	}
	total, _, err := e.store.APICountTotal(ctx)
	if err != nil {
		return err
	}
	total.Total += calls
	total.LastUpdated = now
	total.LastUpdatedBy = calledBy
	if err := e.store.SaveAPICountTotal(ctx, total); err != nil {
		return err
	}
	return e.store.SaveAPICountRecord(ctx, models.APICountRecord{
		Count:    calls,
		CalledBy: calledBy,
		Recorded: now,
	})
}

func telemetryIDs(telemetry map[string]transit.Telemetry) []string {
	ids := make([]string, 0, len(telemetry))
	for vehicleID := range telemetry {
		ids = append(ids, vehicleID)
	}
	return ids
}
