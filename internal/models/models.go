// Package models defines the persisted records shared by the reconciliation
// engine, the auditor, and the HTTP query surface. All of these round-trip
// through the key-value store as JSON, so the field tags here are the
// on-store format.
package models

import "time"

// VehicleStatus is the last known reachability of a single vehicle.
// WentOffline is nil while the vehicle is reachable and holds the timestamp
// of the first failed poll otherwise. Later failed polls must not overwrite
// it: aging into the dormant bucket is measured from the first failure.
type VehicleStatus struct {
	IsActive    bool       `json:"isActive"`
	WentOffline *time.Time `json:"wentOffline"`
}

// PredictionGroup maps vehicle IDs to their status. Groups are bounded to
// the configured group size so that each group can be polled and delivered
// downstream independently.
type PredictionGroup map[string]VehicleStatus

// Status is a complete partition of one status bucket: every tracked
// vehicle in the bucket appears in exactly one group. Group IDs are
// contiguous and 1-based.
type Status map[int]PredictionGroup

// VehicleStatusItem is the root persisted record: the active and dormant
// partitions. A vehicle ID appears in at most one of the two buckets.
type VehicleStatusItem struct {
	Active  Status `json:"active"`
	Dormant Status `json:"dormant"`
}

// IsEmpty reports whether the item tracks no vehicles at all. An empty item
// is what an engine cycle finds on first run against a fresh store.
func (v VehicleStatusItem) IsEmpty() bool {
	return len(v.Active) == 0 && len(v.Dormant) == 0
}

// Count returns the number of vehicles in the active and dormant buckets.
func (v VehicleStatusItem) Count() (active, dormant int) {
	for _, group := range v.Active {
		active += len(group)
	}
	for _, group := range v.Dormant {
		dormant += len(group)
	}
	return active, dormant
}

// VehicleScannerItem schedules the next full resynchronization against the
// upstream API. It is created on the first empty-state cycle and advanced
// to a random instant within the following day after every full resync.
type VehicleScannerItem struct {
	NextExecutionTime time.Time `json:"nextExecutionTime"`
}

// Prediction is a single upcoming arrival for a vehicle at a stop.
// ArrivalIn is the upstream countdown in minutes, normalized to "0" when
// the source reports the vehicle as due.
type Prediction struct {
	ArrivalIn      string    `json:"arrivalIn"`
	ArrivalTime    time.Time `json:"arrivalTime"`
	StopID         string    `json:"stopId"`
	StopName       string    `json:"stopName"`
	RouteDirection string    `json:"routeDirection"`
}

// Coordinate is a lat/lon pair in the upstream API's string encoding.
type Coordinate struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Vehicle is the prediction-bearing record for one vehicle on one route.
type Vehicle struct {
	Route           string       `json:"route"`
	VehicleID       string       `json:"vehicleId"`
	RouteDirection  string       `json:"routeDirection"`
	Destination     string       `json:"destination"`
	Speed           string       `json:"speed"`
	LastLocation    *Coordinate  `json:"lastLocation"`
	CurrentLocation Coordinate   `json:"currentLocation"`
	LastUpdateTime  time.Time    `json:"lastUpdateTime"`
	SourceTimestamp time.Time    `json:"sourceTimestamp"`
	Predictions     []Prediction `json:"predictions"`
}

// PredictionItem is the persisted prediction set for one group. Routes is
// keyed by "<routeID>_<vehicleID>"; AllVehicles lists the vehicle IDs
// present so consumers can look up members without parsing the keys.
type PredictionItem struct {
	ID          int                `json:"id"`
	Routes      map[string]Vehicle `json:"routes"`
	AllVehicles []string           `json:"allVehicles"`
}

// APICountTotal is the running total of upstream API calls ever made,
// persisted for cost observability.
type APICountTotal struct {
	Total         int       `json:"apiCountTotal"`
	LastUpdated   time.Time `json:"lastUpdated"`
	LastUpdatedBy string    `json:"lastUpdatedBy"`
}

// APICountRecord is one dated entry of API calls made by a single run.
type APICountRecord struct {
	Count    int       `json:"apiCount"`
	CalledBy string    `json:"calledBy"`
	Recorded time.Time `json:"recorded"`
}

// Stop is one transit stop on a route, captured by the auditor backfill.
type Stop struct {
	RouteID  string  `json:"routeId"`
	StopID   string  `json:"stopId"`
	StopName string  `json:"stopName"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// PatternPoint is one stop or waypoint along a route's pattern geometry.
type PatternPoint struct {
	Sequence       int     `json:"sequence"`
	Type           string  `json:"type"`
	StopID         string  `json:"stopId,omitempty"`
	StopName       string  `json:"stopName,omitempty"`
	RouteDirection string  `json:"routeDirection"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
}

// RouteMap is the persisted pattern geometry for one route, with a
// precomputed bounding box over all of its points.
type RouteMap struct {
	RouteID string         `json:"routeId"`
	Points  []PatternPoint `json:"points"`
	MinLat  float64        `json:"minLat"`
	MaxLat  float64        `json:"maxLat"`
	MinLon  float64        `json:"minLon"`
	MaxLon  float64        `json:"maxLon"`
}
