package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tracker.transitwatch.org/internal/transit"
)

func newTestEngine(store *fakeStore, api *fakeAPI, notifier *recordingNotifier, now time.Time) *Engine {
	e := New(store, api, notifier, nil, testLogger(), Options{})
	e.now = func() time.Time { return now }
	return e
}

func TestRunCycleBootstrap(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	api.addVehicle("101", "401", testPrediction())
	api.addVehicle("102", "401", testPrediction())
	notifier := &recordingNotifier{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e := newTestEngine(store, api, notifier, now)
	result, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.State != StateBootstrap {
		t.Errorf("state: got %s, want bootstrap", result.State)
	}
	if api.enumerations != 1 {
		t.Errorf("expected 1 fleet enumeration, got %d", api.enumerations)
	}
	if result.ActiveCount != 2 || result.DormantCount != 0 {
		t.Errorf("counts: active=%d dormant=%d", result.ActiveCount, result.DormantCount)
	}

	if store.scanner == nil {
		t.Fatal("bootstrap must create the resync schedule")
	}
	next := store.scanner.NextExecutionTime
	dayStart := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	if next.Before(dayStart) || !next.Before(dayStart.AddDate(0, 0, 1)) {
		t.Errorf("next resync %v not within the following day", next)
	}

	if len(store.groups) != 1 {
		t.Fatalf("expected 1 prediction group, got %d", len(store.groups))
	}
	if got := store.groups[1].AllVehicles; len(got) != 2 {
		t.Errorf("group vehicles: %v", got)
	}
	if len(notifier.groups) != 1 || notifier.groups[0] != 1 {
		t.Errorf("notified groups: %v", notifier.groups)
	}
}

func TestRunCycleBootstrapIsIdempotent(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	api.addVehicle("101", "401", testPrediction())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e := newTestEngine(store, api, &recordingNotifier{}, now)
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	firstScanner := store.scanner.NextExecutionTime

	// Second cycle: fleet already seeded, resync not due.
	e.now = func() time.Time { return now.Add(time.Minute) }
	result, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.State != StateIncremental {
		t.Errorf("state: got %s, want incremental", result.State)
	}
	if api.enumerations != 1 {
		t.Errorf("incremental cycle must not enumerate routes, enumerations = %d", api.enumerations)
	}
	if !store.scanner.NextExecutionTime.Equal(firstScanner) {
		t.Error("incremental cycle must not reschedule the resync")
	}
}

func TestRunCycleResync(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	api.addVehicle("101", "401", testPrediction())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e := newTestEngine(store, api, &recordingNotifier{}, now)
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A new vehicle appears upstream before the scheduled resync.
	api.addVehicle("555", "467", testPrediction())

	resyncAt := store.scanner.NextExecutionTime
	e.now = func() time.Time { return resyncAt }
	result, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.State != StateResync {
		t.Errorf("state: got %s, want resync", result.State)
	}
	if api.enumerations != 2 {
		t.Errorf("expected a second enumeration, got %d", api.enumerations)
	}
	if result.ActiveCount != 2 {
		t.Errorf("expected 555 discovered, active = %d", result.ActiveCount)
	}
	if store.scanner.NextExecutionTime.Equal(resyncAt) {
		t.Error("resync must advance the schedule")
	}
	if !store.scanner.NextExecutionTime.After(resyncAt) {
		t.Errorf("next resync %v not after %v", store.scanner.NextExecutionTime, resyncAt)
	}
}

func TestRunCycleOverdueResync(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	api.addVehicle("101", "401", testPrediction())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e := newTestEngine(store, api, &recordingNotifier{}, now)
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The service was down past the whole scheduled window.
	e.now = func() time.Time { return store.scanner.NextExecutionTime.Add(6 * time.Hour) }
	result, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.State != StateResync {
		t.Errorf("missed schedule must still resync, state = %s", result.State)
	}
}

func TestRunCycleMarksUnreachableVehicles(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	api.addVehicle("101", "401", testPrediction())
	api.addVehicle("102", "401", testPrediction())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e := newTestEngine(store, api, &recordingNotifier{}, now)
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 102 drops off the air.
	api.offline["102"] = true
	firstFailure := now.Add(time.Minute)
	e.now = func() time.Time { return firstFailure }
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	vs := store.status.Active[1]["102"]
	if vs.IsActive {
		t.Error("102 must be inactive")
	}
	if vs.WentOffline == nil || !vs.WentOffline.Equal(firstFailure) {
		t.Errorf("wentOffline: got %v, want %v", vs.WentOffline, firstFailure)
	}

	// Still offline a cycle later: the original timestamp must survive.
	e.now = func() time.Time { return firstFailure.Add(time.Minute) }
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	vs = store.status.Active[1]["102"]
	if vs.WentOffline == nil || !vs.WentOffline.Equal(firstFailure) {
		t.Errorf("later failures must not move wentOffline, got %v", vs.WentOffline)
	}
}

func TestRunCycleAgesVehicleIntoDormant(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	api.addVehicle("101", "401", testPrediction())
	api.addVehicle("102", "401", testPrediction())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e := newTestEngine(store, api, &recordingNotifier{}, now)
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	api.offline["102"] = true
	e.now = func() time.Time { return now.Add(time.Minute) }
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Four days later, 102 has aged out of the active partition.
	e.now = func() time.Time { return now.AddDate(0, 0, 4) }
	result, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.ActiveCount != 1 || result.DormantCount != 1 {
		t.Errorf("counts: active=%d dormant=%d, want 1/1", result.ActiveCount, result.DormantCount)
	}
	if _, ok := store.status.Dormant[1]["102"]; !ok {
		t.Errorf("102 not in dormant partition: %+v", store.status.Dormant)
	}
}

func TestRunCycleBatchesPolls(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	for i := 0; i < 23; i++ {
		api.addVehicle(fmt.Sprintf("%d", 100+i), "401", testPrediction())
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e := newTestEngine(store, api, &recordingNotifier{}, now)
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 23 vehicles at a batch size of 10 is 3 telemetry calls.
	if api.telemetryCalls != 3 {
		t.Errorf("telemetry calls: got %d, want 3", api.telemetryCalls)
	}
	for _, batch := range api.predictedIDs {
		if len(batch) > 10 {
			t.Errorf("prediction batch of %d exceeds the upstream cap", len(batch))
		}
	}
}

func TestRunCycleRateLimitIsFatal(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	api.addVehicle("101", "401", testPrediction())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e := newTestEngine(store, api, &recordingNotifier{}, now)
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	api.failTelemetry = transit.ErrRateLimited
	e.now = func() time.Time { return now.Add(time.Minute) }
	_, err := e.RunCycle(context.Background())
	if !errors.Is(err, transit.ErrRateLimited) {
		t.Fatalf("expected rate limit to abort the cycle, got %v", err)
	}
}

func TestRunCycleIsolatesGroupFailures(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	for i := 0; i < 30; i++ {
		api.addVehicle(fmt.Sprintf("%d", 100+i), "401", testPrediction())
	}
	store.failGroupID = 1
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	notifier := &recordingNotifier{}

	e := newTestEngine(store, api, notifier, now)
	result, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// 30 vehicles form 2 groups; group 1 fails to save but group 2 ships.
	if result.GroupsUpdated != 1 {
		t.Errorf("groups updated: got %d, want 1", result.GroupsUpdated)
	}
	if len(notifier.groups) != 1 || notifier.groups[0] != 2 {
		t.Errorf("notified groups: %v, want [2]", notifier.groups)
	}
}

func TestRunCycleRecordsAPICounts(t *testing.T) {
	store := newFakeStore()
	api := newFakeAPI()
	api.addVehicle("101", "401", testPrediction())
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e := newTestEngine(store, api, &recordingNotifier{}, now)
	result, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// Enumeration (1 + 1 vehicle) plus one telemetry and one prediction call.
	if result.APICalls != 4 {
		t.Errorf("api calls: got %d, want 4", result.APICalls)
	}
	if store.total.Total != 4 {
		t.Errorf("running total: got %d, want 4", store.total.Total)
	}
	if store.total.LastUpdatedBy != "engine" {
		t.Errorf("lastUpdatedBy: got %q", store.total.LastUpdatedBy)
	}
	if len(store.records) != 1 || store.records[0].Count != 4 {
		t.Errorf("dated records: %+v", store.records)
	}

	// Cumulative across cycles.
	e.now = func() time.Time { return now.Add(time.Minute) }
	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.total.Total != 6 {
		t.Errorf("running total after second cycle: got %d, want 6", store.total.Total)
	}
}
