package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"tracker.transitwatch.org/internal/models"
	"tracker.transitwatch.org/internal/transit"
)

// fakeStore is an in-memory Storage implementation.
type fakeStore struct {
	mu sync.Mutex

	status      *models.VehicleStatusItem
	scanner     *models.VehicleScannerItem
	groups      map[int]models.PredictionItem
	total       models.APICountTotal
	records     []models.APICountRecord
	failGroupID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{groups: make(map[int]models.PredictionItem)}
}

func (s *fakeStore) VehicleStatus(ctx context.Context) (models.VehicleStatusItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return models.VehicleStatusItem{}, false, nil
	}
	return *s.status, true, nil
}

func (s *fakeStore) SaveVehicleStatus(ctx context.Context, item models.VehicleStatusItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &item
	return nil
}

func (s *fakeStore) VehicleScanner(ctx context.Context) (models.VehicleScannerItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanner == nil {
		return models.VehicleScannerItem{}, false, nil
	}
	return *s.scanner, true, nil
}

func (s *fakeStore) SaveVehicleScanner(ctx context.Context, item models.VehicleScannerItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanner = &item
	return nil
}

func (s *fakeStore) PredictionGroup(ctx context.Context, groupID int) (models.PredictionItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.groups[groupID]
	return item, ok, nil
}

func (s *fakeStore) SavePredictionGroup(ctx context.Context, item models.PredictionItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGroupID != 0 && item.ID == s.failGroupID {
		return errors.New("disk full")
	}
	s.groups[item.ID] = item
	return nil
}

func (s *fakeStore) PredictionGroups(ctx context.Context) (map[int]models.PredictionItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]models.PredictionItem, len(s.groups))
	for id, item := range s.groups {
		out[id] = item
	}
	return out, nil
}

func (s *fakeStore) APICountTotal(ctx context.Context) (models.APICountTotal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.total.Total > 0, nil
}

func (s *fakeStore) SaveAPICountTotal(ctx context.Context, item models.APICountTotal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = item
	return nil
}

func (s *fakeStore) SaveAPICountRecord(ctx context.Context, rec models.APICountRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// fakeAPI is a configurable TransitAPI implementation.
type fakeAPI struct {
	mu sync.Mutex

	fleet       map[string]transit.Telemetry
	predictions map[string][]models.Prediction
	meta        map[string]transit.PredictionMeta

	// offline vehicles answer telemetry polls with an error entry.
	offline map[string]bool
	// failTelemetry makes every telemetry batch fail with this error.
	failTelemetry error

	enumerations   int
	telemetryCalls int
	predictedIDs   [][]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		fleet:       make(map[string]transit.Telemetry),
		predictions: make(map[string][]models.Prediction),
		meta:        make(map[string]transit.PredictionMeta),
		offline:     make(map[string]bool),
	}
}

func (a *fakeAPI) addVehicle(vehicleID, routeID string, preds ...models.Prediction) {
	a.fleet[vehicleID] = transit.Telemetry{
		VehicleID: vehicleID,
		RouteID:   routeID,
		Lat:       "38.85",
		Lon:       "-77.30",
		Speed:     "20",
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if len(preds) > 0 {
		a.predictions[vehicleID] = preds
		a.meta[vehicleID] = transit.PredictionMeta{
			RouteID:        routeID,
			RouteDirection: "NORTH",
			Destination:    "TERMINUS",
		}
	}
}

func (a *fakeAPI) ActiveVehicles(ctx context.Context) (map[string]transit.Telemetry, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enumerations++
	out := make(map[string]transit.Telemetry)
	for id, t := range a.fleet {
		if !a.offline[id] {
			out[id] = t
		}
	}
	return out, 1 + len(out), nil
}

func (a *fakeAPI) VehicleTelemetry(ctx context.Context, ids []string) (map[string]transit.Telemetry, []string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.telemetryCalls++
	if a.failTelemetry != nil {
		return nil, nil, a.failTelemetry
	}
	reachable := make(map[string]transit.Telemetry)
	var unreachable []string
	for _, id := range ids {
		t, known := a.fleet[id]
		if !known || a.offline[id] {
			unreachable = append(unreachable, id)
			continue
		}
		reachable[id] = t
	}
	return reachable, unreachable, nil
}

func (a *fakeAPI) VehiclePredictionMeta(ctx context.Context, ids []string) (map[string][]models.Prediction, map[string]transit.PredictionMeta, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.predictedIDs = append(a.predictedIDs, ids)
	preds := make(map[string][]models.Prediction)
	meta := make(map[string]transit.PredictionMeta)
	for _, id := range ids {
		if p, ok := a.predictions[id]; ok {
			preds[id] = p
			meta[id] = a.meta[id]
		}
	}
	return preds, meta, nil
}

// recordingNotifier remembers which groups were announced.
type recordingNotifier struct {
	mu     sync.Mutex
	groups []int
}

func (n *recordingNotifier) GroupUpdated(ctx context.Context, groupID int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = append(n.groups, groupID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPrediction() models.Prediction {
	return models.Prediction{
		ArrivalIn:      "5",
		ArrivalTime:    time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC),
		StopID:         "2722",
		StopName:       "Backlick Rd + Industrial Rd",
		RouteDirection: "NORTH",
	}
}
