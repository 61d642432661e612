package store

import (
	"context"
	"testing"
	"time"

	"tracker.transitwatch.org/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestVehicleStatusRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.VehicleStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no vehicle status in a fresh store")
	}

	offline := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	item := models.VehicleStatusItem{
		Active: models.Status{
			1: {"101": {IsActive: true}},
		},
		Dormant: models.Status{
			1: {"202": {IsActive: false, WentOffline: &offline}},
		},
	}
	if err := db.SaveVehicleStatus(ctx, item); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.VehicleStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected vehicle status after save")
	}
	if !got.Active[1]["101"].IsActive {
		t.Error("expected vehicle 101 active")
	}
	if ts := got.Dormant[1]["202"].WentOffline; ts == nil || !ts.Equal(offline) {
		t.Errorf("wentOffline round trip: got %v, want %v", ts, offline)
	}
}

func TestSaveOverwrites(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := models.VehicleScannerItem{NextExecutionTime: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	second := models.VehicleScannerItem{NextExecutionTime: time.Date(2024, 3, 2, 17, 30, 0, 0, time.UTC)}

	if err := db.SaveVehicleScanner(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveVehicleScanner(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.VehicleScanner(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !got.NextExecutionTime.Equal(second.NextExecutionTime) {
		t.Errorf("got %v, want %v", got.NextExecutionTime, second.NextExecutionTime)
	}
}

func TestPredictionGroups(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []int{1, 2, 3} {
		item := models.PredictionItem{
			ID:          id,
			Routes:      map[string]models.Vehicle{},
			AllVehicles: []string{},
		}
		if err := db.SavePredictionGroup(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	groups, err := db.PredictionGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	for _, id := range []int{1, 2, 3} {
		if groups[id].ID != id {
			t.Errorf("group %d missing or mis-keyed", id)
		}
	}
}

func TestAPICountRecordsAccumulate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := models.APICountRecord{
			Count:    10 + i,
			CalledBy: "engine",
			Recorded: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.SaveAPICountRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	var n int
	if err := db.conn.Get(&n, `SELECT COUNT(*) FROM items WHERE k LIKE 'api_count_2%'`); err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 dated records, got %d", n)
	}
}

func TestRouteMapRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := models.RouteMap{
		RouteID: "401",
		Points: []models.PatternPoint{
			{Sequence: 1, Type: "S", StopID: "1001", Lat: 38.85, Lon: -77.35},
			{Sequence: 2, Type: "W", Lat: 38.86, Lon: -77.34},
		},
		MinLat: 38.85, MaxLat: 38.86, MinLon: -77.35, MaxLon: -77.34,
	}
	if err := db.SaveRouteMap(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, ok, err := db.RouteMap(ctx, "401")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected route map after save")
	}
	if len(got.Points) != 2 || got.Points[0].StopID != "1001" {
		t.Errorf("points round trip: got %+v", got.Points)
	}

	if _, ok, _ := db.RouteMap(ctx, "402"); ok {
		t.Error("expected no map for unknown route")
	}
}

func TestRouteMaps(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"401", "467"} {
		if err := db.SaveRouteMap(ctx, models.RouteMap{RouteID: id, MinLat: 38.8, MaxLat: 38.9}); err != nil {
			t.Fatal(err)
		}
	}

	maps, err := db.RouteMaps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 2 {
		t.Fatalf("expected 2 route maps, got %d", len(maps))
	}
	if maps["401"].RouteID != "401" || maps["467"].MaxLat != 38.9 {
		t.Errorf("maps mis-keyed: %+v", maps)
	}
}
