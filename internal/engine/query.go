package engine

import (
	"context"
	"sort"

	"tracker.transitwatch.org/internal/models"
	"tracker.transitwatch.org/internal/utils"
)

// VehiclesUpdatedWithin returns every vehicle whose prediction record was
// refreshed in the last m minutes, ordered by route and vehicle ID. A
// groupID of 0 spans all prediction groups; any other value restricts the
// query to that group. This backs the read-side HTTP endpoint.
func (e *Engine) VehiclesUpdatedWithin(ctx context.Context, m, groupID int) ([]models.Vehicle, error) {
	groups, err := e.store.PredictionGroups(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var vehicles []models.Vehicle
	for id, group := range groups {
		if groupID != 0 && id != groupID {
			continue
		}
		for _, vehicle := range group.Routes {
			ts := vehicle.LastUpdateTime
			if utils.ElapsedMinutesLessThan(&ts, now, m) {
				vehicles = append(vehicles, vehicle)
			}
		}
	}

	sort.Slice(vehicles, func(i, j int) bool {
		if vehicles[i].Route != vehicles[j].Route {
			return vehicles[i].Route < vehicles[j].Route
		}
		return vehicles[i].VehicleID < vehicles[j].VehicleID
	})
	return vehicles, nil
}
