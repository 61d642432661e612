package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"tracker.transitwatch.org/internal/models"
)

// HealthStatus is the JSON response of /v1/healthcheck: availability,
// deployment context, and the current size of the tracked fleet.
type HealthStatus struct {
	Status          string `json:"status"`
	Environment     string `json:"environment"`
	Version         string `json:"version"`
	ActiveVehicles  int    `json:"activeVehicles"`
	DormantVehicles int    `json:"dormantVehicles"`
	Ready           bool   `json:"ready"`
}

// healthcheckHandler reports the application's health. Readiness requires
// the store to be reachable; an unreadable store answers 500.
func (app *Application) healthcheckHandler(w http.ResponseWriter, r *http.Request) {
	item, _, err := app.Store.VehicleStatus(r.Context())
	ready := err == nil
	active, dormant := item.Count()

	status := HealthStatus{
		Status:          "available",
		Environment:     app.Config.Env,
		Version:         app.Version,
		ActiveVehicles:  active,
		DormantVehicles: dormant,
		Ready:           ready,
	}
	if !ready {
		status.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(status)
}

// defaultRecentMinutes bounds /v1/vehicles to updates from the last 5
// minutes unless the caller narrows or widens it with ?minutes=.
const defaultRecentMinutes = 5

// VehiclesResponse is the JSON response of /v1/vehicles.
type VehiclesResponse struct {
	Count    int              `json:"count"`
	Minutes  int              `json:"minutes"`
	Group    int              `json:"group,omitempty"`
	Vehicles []models.Vehicle `json:"vehicles"`
}

func (app *Application) vehiclesHandler(w http.ResponseWriter, r *http.Request) {
	minutes := defaultRecentMinutes
	if raw := r.URL.Query().Get("minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > int((24*time.Hour).Minutes()) {
			http.Error(w, "minutes must be an integer between 1 and 1440", http.StatusBadRequest)
			return
		}
		minutes = n
	}

	var groupID int
	if raw := r.URL.Query().Get("group"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "group must be a positive integer", http.StatusBadRequest)
			return
		}
		groupID = n
	}

	vehicles, err := app.Engine.VehiclesUpdatedWithin(r.Context(), minutes, groupID)
	if err != nil {
		app.Logger.Error("querying vehicles", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if vehicles == nil {
		vehicles = []models.Vehicle{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(VehiclesResponse{
		Count:    len(vehicles),
		Minutes:  minutes,
		Group:    groupID,
		Vehicles: vehicles,
	})
}
