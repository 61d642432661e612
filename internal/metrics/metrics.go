// Package metrics declares the Prometheus instruments exported by the
// tracker. Everything registers against the default registry and is exposed
// through the cached /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamAPICalls counts calls to the transit API by endpoint name
	// (getroutes, getvehicles, getpredictions, ...).
	UpstreamAPICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_upstream_api_calls_total",
		Help: "Number of upstream transit API calls made, by endpoint",
	}, []string{"endpoint"})

	// UpstreamAPIStatus reports whether the last upstream call succeeded
	// (1 = reachable, 0 = failing).
	UpstreamAPIStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_upstream_api_status",
		Help: "Status of the upstream transit API (0 = failing, 1 = reachable)",
	})
)

var (
	ActiveVehicles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_active_vehicles",
		Help: "Number of vehicles currently in the active partition",
	})

	DormantVehicles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_dormant_vehicles",
		Help: "Number of vehicles currently in the dormant partition",
	})

	PredictionGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_prediction_groups",
		Help: "Number of active prediction groups",
	})
)

var (
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_cycle_duration_seconds",
		Help:    "Duration of one reconciliation cycle",
		Buckets: prometheus.DefBuckets,
	})

	CycleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_cycle_failures_total",
		Help: "Number of reconciliation cycles that ended in a fatal error",
	})

	GroupsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_prediction_groups_updated_total",
		Help: "Number of prediction groups rebuilt and delivered",
	})

	GroupSaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_prediction_group_save_failures_total",
		Help: "Number of per-group save or notify failures (isolated, non-fatal)",
	})

	VehiclesRevived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_vehicles_revived_total",
		Help: "Number of dormant vehicles promoted back to active by the auditor",
	})
)

var (
	InvalidCoordinates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_invalid_coordinates_total",
		Help: "Number of telemetry readings with missing or placeholder coordinates",
	})

	OutOfBoundsReadings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_out_of_bounds_readings_total",
		Help: "Number of telemetry readings outside the route's bounding box",
	})

	ImplausibleMovements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_implausible_movements_total",
		Help: "Number of vehicles whose position implies an impossible speed",
	})
)

// OutgoingLatency observes the latency of outgoing HTTP requests, labeled
// by URL, method, and response status. Populated by the instrumented
// transport in internal/app.
var OutgoingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tracker_outgoing_request_duration_seconds",
	Help:    "Latency of outgoing HTTP requests",
	Buckets: prometheus.DefBuckets,
}, []string{"url", "method", "status"})
