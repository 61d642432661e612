package engine

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"tracker.transitwatch.org/internal/geo"
	"tracker.transitwatch.org/internal/metrics"
	"tracker.transitwatch.org/internal/models"
	"tracker.transitwatch.org/internal/utils"
)

// maxPlausibleSpeed is the ground speed, in meters per second, above which
// a position delta is reported as a data quality problem. 45 m/s is just
// over 160 km/h, well beyond anything a transit vehicle does.
const maxPlausibleSpeed = 45.0

// buildPredictionItem rebuilds the prediction record for one group from
// this cycle's poll results, carrying forward previous entries for vehicles
// the poll had nothing new on. Entries are keyed "<routeID>_<vehicleID>".
//
// Carried entries are pruned when they have gone stale, lost their
// predictions, or never carried a route direction. A vehicle that moved to
// a different route replaces its old entry instead of duplicating it.
func (e *Engine) buildPredictionItem(groupID int, group models.PredictionGroup, previous models.PredictionItem, polled *polledFleet, now time.Time) models.PredictionItem {
	item := models.PredictionItem{
		ID:     groupID,
		Routes: make(map[string]models.Vehicle),
	}

	// Carry forward previous entries for vehicles still in this group.
	for key, vehicle := range previous.Routes {
		if _, tracked := group[vehicle.VehicleID]; !tracked {
			continue
		}
		if e.stale(vehicle, now) {
			continue
		}
		item.Routes[key] = vehicle
	}

	for vehicleID := range group {
		telemetry, ok := polled.telemetry[vehicleID]
		if !ok {
			continue
		}
		predictions := polled.predictions[vehicleID]
		meta, haveMeta := polled.meta[vehicleID]
		if len(predictions) == 0 || !haveMeta {
			continue
		}

		routeID := meta.RouteID
		if routeID == "" {
			routeID = telemetry.RouteID
		}
		key := routeID + "_" + vehicleID

		lat, lon, haveCoords := coordinates(telemetry.Lat, telemetry.Lon)
		if !haveCoords {
			metrics.InvalidCoordinates.Inc()
			continue
		}
		if !e.boxes.IsInBoundingBox(routeID, lat, lon) {
			metrics.OutOfBoundsReadings.Inc()
			e.logger.Warn("vehicle reported outside route bounds",
				slog.String("vehicle_id", vehicleID),
				slog.String("route_id", routeID))
			continue
		}

		vehicle := models.Vehicle{
			Route:           routeID,
			VehicleID:       vehicleID,
			RouteDirection:  meta.RouteDirection,
			Destination:     meta.Destination,
			Speed:           telemetry.Speed,
			CurrentLocation: models.Coordinate{Lat: telemetry.Lat, Lon: telemetry.Lon},
			LastUpdateTime:  now,
			SourceTimestamp: telemetry.Timestamp,
			Predictions:     predictions,
		}
		if prev, ok := item.Routes[key]; ok {
			loc := prev.CurrentLocation
			vehicle.LastLocation = &loc
			e.checkMovement(vehicleID, prev, lat, lon, now)
		}

		// A route change replaces the old entry.
		for oldKey, old := range item.Routes {
			if old.VehicleID == vehicleID && oldKey != key {
				delete(item.Routes, oldKey)
			}
		}
		item.Routes[key] = vehicle
	}

	seen := make(map[string]bool)
	for _, vehicle := range item.Routes {
		if !seen[vehicle.VehicleID] {
			seen[vehicle.VehicleID] = true
			item.AllVehicles = append(item.AllVehicles, vehicle.VehicleID)
		}
	}
	sort.Strings(item.AllVehicles)

	return item
}

// checkMovement compares the distance a vehicle covered since its previous
// entry against the elapsed time. An impossible ground speed means either
// telemetry is wrong or two vehicles share an id; the entry is kept and the
// anomaly is reported.
func (e *Engine) checkMovement(vehicleID string, prev models.Vehicle, lat, lon float64, now time.Time) {
	prevLat, prevLon, ok := coordinates(prev.CurrentLocation.Lat, prev.CurrentLocation.Lon)
	if !ok {
		return
	}
	elapsed := now.Sub(prev.LastUpdateTime).Seconds()
	if elapsed <= 0 {
		return
	}
	speed := geo.HaversineDistance(prevLat, prevLon, lat, lon) / elapsed
	if speed > maxPlausibleSpeed {
		metrics.ImplausibleMovements.Inc()
		e.logger.Warn("vehicle moved implausibly fast",
			slog.String("vehicle_id", vehicleID),
			slog.Float64("meters_per_second", speed))
	}
}

// coordinates parses a wire latitude/longitude pair, reporting false for
// unparseable or placeholder values.
func coordinates(lat, lon string) (float64, float64, bool) {
	la, errLat := strconv.ParseFloat(lat, 64)
	lo, errLon := strconv.ParseFloat(lon, 64)
	if errLat != nil || errLon != nil {
		return 0, 0, false
	}
	return la, lo, geo.IsValidLatLon(la, lo)
}

func (e *Engine) stale(vehicle models.Vehicle, now time.Time) bool {
	if vehicle.RouteDirection == "" || len(vehicle.Predictions) == 0 {
		return true
	}
	ts := vehicle.LastUpdateTime
	return utils.ElapsedHoursGreaterThan(&ts, now, e.opts.StalePredictionHours)
}
