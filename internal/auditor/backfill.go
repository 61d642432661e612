package auditor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tracker.transitwatch.org/internal/geo"
	"tracker.transitwatch.org/internal/models"
	"tracker.transitwatch.org/internal/transit"
)

// backfill captures the agency's stop and pattern reference data. The
// stops search index doubles as the completion marker: it is written last,
// so a partial backfill is retried on the next sweep, and once it exists
// the backfill never runs again.
func (a *Auditor) backfill(ctx context.Context) (int, bool, error) {
	if _, done, err := a.store.StopsSearch(ctx); err != nil {
		return 0, false, err
	} else if done {
		return 0, false, a.warmBoundingBoxes(ctx)
	}

	routes, err := a.api.Routes(ctx)
	calls := 1
	if err != nil {
		return calls, false, fmt.Errorf("backfilling routes: %w", err)
	}

	search := make(map[string]models.Stop)
	for _, route := range routes {
		routeCalls, err := a.backfillRoute(ctx, route.ID, search)
		calls += routeCalls
		if err != nil {
			if errors.Is(err, transit.ErrRateLimited) {
				return calls, false, fmt.Errorf("backfilling route %s: %w", route.ID, err)
			}
			a.logger.Warn("route backfill failed",
				slog.String("route_id", route.ID), slog.Any("error", err))
			continue
		}
	}

	if err := a.store.SaveStopsSearch(ctx, search); err != nil {
		return calls, false, fmt.Errorf("saving stops search index: %w", err)
	}
	a.boxesWarmed = true

	a.logger.Info("reference data backfilled",
		slog.Int("routes", len(routes)),
		slog.Int("stops", len(search)),
		slog.Int("api_calls", calls))
	return calls, true, nil
}

// backfillRoute captures one route's stops (per direction) and its pattern
// geometry. Routes already captured by an earlier partial run are skipped
// without spending API calls.
func (a *Auditor) backfillRoute(ctx context.Context, routeID string, search map[string]models.Stop) (int, error) {
	var calls int

	stops, haveStops, err := a.store.StopsForRoute(ctx, routeID)
	if err != nil {
		return calls, err
	}
	if !haveStops {
		directions, err := a.api.Directions(ctx, routeID)
		calls++
		if err != nil {
			return calls, err
		}
		for _, direction := range directions {
			dirStops, err := a.api.StopsForRoute(ctx, routeID, direction)
			calls++
			if err != nil {
				return calls, err
			}
			stops = append(stops, dirStops...)
		}
		if err := a.store.SaveStopsForRoute(ctx, routeID, stops); err != nil {
			return calls, err
		}
	}
	for _, stop := range stops {
		search[stop.StopID] = stop
	}

	if m, haveMap, err := a.store.RouteMap(ctx, routeID); err != nil {
		return calls, err
	} else if haveMap {
		if box, ok := boundingBoxOf(m); ok {
			a.boxes.Set(routeID, box)
		}
		return calls, nil
	}

	points, err := a.api.PatternsForRoute(ctx, routeID)
	calls++
	if err != nil {
		return calls, err
	}
	routeMap := models.RouteMap{RouteID: routeID, Points: points}
	if bbox, err := geo.ComputeBoundingBox(points); err == nil {
		routeMap.MinLat = bbox.MinLat
		routeMap.MaxLat = bbox.MaxLat
		routeMap.MinLon = bbox.MinLon
		routeMap.MaxLon = bbox.MaxLon
		a.boxes.Set(routeID, bbox)
	}
	if err := a.store.SaveRouteMap(ctx, routeMap); err != nil {
		return calls, err
	}
	return calls, nil
}

// warmBoundingBoxes reloads the bounding boxes captured by an earlier
// backfill into the in-memory store after a restart.
func (a *Auditor) warmBoundingBoxes(ctx context.Context) error {
	if a.boxesWarmed {
		return nil
	}
	maps, err := a.store.RouteMaps(ctx)
	if err != nil {
		return fmt.Errorf("loading route maps: %w", err)
	}
	for routeID, m := range maps {
		if box, ok := boundingBoxOf(m); ok {
			a.boxes.Set(routeID, box)
		}
	}
	a.boxesWarmed = true
	return nil
}

// boundingBoxOf extracts a route map's stored bounding box. A map saved
// before its box could be computed carries all zeroes and yields none.
func boundingBoxOf(m models.RouteMap) (geo.BoundingBox, bool) {
	if m.MinLat == 0 && m.MaxLat == 0 && m.MinLon == 0 && m.MaxLon == 0 {
		return geo.BoundingBox{}, false
	}
	return geo.BoundingBox{MinLat: m.MinLat, MaxLat: m.MaxLat, MinLon: m.MinLon, MaxLon: m.MaxLon}, true
}
