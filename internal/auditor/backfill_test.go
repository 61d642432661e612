package auditor

import (
	"context"
	"testing"
	"time"

	"tracker.transitwatch.org/internal/models"
	"tracker.transitwatch.org/internal/transit"
)

func backfillAPI() *fakeAPI {
	api := newFakeAPI()
	api.routes = []transit.Route{{ID: "401"}, {ID: "467"}}
	api.directions["401"] = []string{"NORTH", "SOUTH"}
	api.directions["467"] = []string{"EAST"}
	api.stops["401"] = []models.Stop{
		{RouteID: "401", StopID: "2722", StopName: "Backlick Rd + Industrial Rd", Lat: 38.846, Lon: -77.306},
	}
	api.stops["467"] = []models.Stop{
		{RouteID: "467", StopID: "3101", StopName: "Gallows Rd + Gatehouse Rd", Lat: 38.901, Lon: -77.265},
	}
	api.patterns["401"] = []models.PatternPoint{
		{Sequence: 1, Type: "S", StopID: "2722", Lat: 38.846, Lon: -77.306},
		{Sequence: 2, Type: "W", Lat: 38.852, Lon: -77.303},
	}
	api.patterns["467"] = []models.PatternPoint{
		{Sequence: 1, Type: "S", StopID: "3101", Lat: 38.901, Lon: -77.265},
	}
	return api
}

func TestBackfillCapturesReferenceData(t *testing.T) {
	db := openTestStore(t)
	api := backfillAPI()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	a := newTestAuditor(db, api, now)
	result, err := a.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Backfilled {
		t.Fatal("expected a backfill on first sweep")
	}

	// 1 route list + 401 (directions + 2 stop calls + patterns) +
	// 467 (directions + 1 stop call + patterns).
	if result.APICalls != 8 {
		t.Errorf("api calls: got %d, want 8", result.APICalls)
	}

	ctx := context.Background()
	stops, ok, err := db.StopsForRoute(ctx, "401")
	if err != nil {
		t.Fatal(err)
	}
	// Same stop list returned for both directions.
	if !ok || len(stops) != 2 {
		t.Errorf("route 401 stops: ok=%v len=%d", ok, len(stops))
	}

	search, ok, err := db.StopsSearch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(search) != 2 {
		t.Errorf("stops search index: ok=%v len=%d", ok, len(search))
	}
	if search["2722"].StopName != "Backlick Rd + Industrial Rd" {
		t.Errorf("search entry: %+v", search["2722"])
	}

	routeMap, ok, err := db.RouteMap(ctx, "401")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(routeMap.Points) != 2 {
		t.Fatalf("route 401 map: ok=%v points=%d", ok, len(routeMap.Points))
	}
	if routeMap.MinLat != 38.846 || routeMap.MaxLat != 38.852 {
		t.Errorf("bounding box: %+v", routeMap)
	}

	box, ok := a.boxes.Get("401")
	if !ok {
		t.Fatal("backfill must publish route 401's box to the in-memory store")
	}
	if box.MinLat != 38.846 || box.MaxLat != 38.852 {
		t.Errorf("in-memory box: %+v", box)
	}
}

func TestSweepWarmsBoundingBoxesAfterRestart(t *testing.T) {
	db := openTestStore(t)
	markDone(t, db)
	ctx := context.Background()

	// A route map captured by a backfill in an earlier process.
	if err := db.SaveRouteMap(ctx, models.RouteMap{
		RouteID: "401",
		MinLat:  38.846,
		MaxLat:  38.852,
		MinLon:  -77.331,
		MaxLon:  -77.265,
	}); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	a := newTestAuditor(db, newFakeAPI(), now)
	if _, err := a.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	box, ok := a.boxes.Get("401")
	if !ok {
		t.Fatal("sweep must reload stored bounding boxes")
	}
	if box.MinLon != -77.331 || box.MaxLon != -77.265 {
		t.Errorf("reloaded box: %+v", box)
	}
}

func TestBackfillRunsOnce(t *testing.T) {
	db := openTestStore(t)
	api := backfillAPI()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	a := newTestAuditor(db, api, now)
	if _, err := a.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	firstCalls := api.backfillCalls

	a.now = func() time.Time { return now.Add(time.Hour) }
	result, err := a.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Backfilled {
		t.Error("second sweep must not backfill again")
	}
	if api.backfillCalls != firstCalls {
		t.Errorf("second sweep made %d extra backfill calls", api.backfillCalls-firstCalls)
	}
	if result.APICalls != 0 {
		t.Errorf("second sweep api calls: got %d, want 0", result.APICalls)
	}
}

func TestBackfillSkipsCapturedRoutes(t *testing.T) {
	db := openTestStore(t)
	api := backfillAPI()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// An earlier partial run already captured route 401 completely.
	if err := db.SaveStopsForRoute(ctx, "401", api.stops["401"]); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveRouteMap(ctx, models.RouteMap{RouteID: "401", Points: api.patterns["401"]}); err != nil {
		t.Fatal(err)
	}

	a := newTestAuditor(db, api, now)
	result, err := a.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// 1 route list + 467 (directions + 1 stop call + patterns) only.
	if result.APICalls != 4 {
		t.Errorf("api calls: got %d, want 4", result.APICalls)
	}

	// Route 401's stored stops still land in the search index.
	search, _, err := db.StopsSearch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := search["2722"]; !ok {
		t.Errorf("search index missing stop from captured route: %v", search)
	}
}
