package engine

import (
	"sort"
	"strconv"
	"time"

	"tracker.transitwatch.org/internal/models"
	"tracker.transitwatch.org/internal/utils"
)

// Flatten collapses a grouped status bucket into one map keyed by vehicle
// ID. Group membership is not preserved: reassembly always rebuilds groups
// from scratch so IDs land in contiguous groups.
func Flatten(status models.Status) map[string]models.VehicleStatus {
	flat := make(map[string]models.VehicleStatus)
	for _, group := range status {
		for vehicleID, vs := range group {
			flat[vehicleID] = vs
		}
	}
	return flat
}

// Distribute splits the tracked fleet into active and dormant flat maps,
// aging any vehicle whose first failed poll is more than dormantAfterDays
// days old out of the active set. Vehicles already dormant stay dormant.
func Distribute(item models.VehicleStatusItem, now time.Time, dormantAfterDays int) (active, dormant map[string]models.VehicleStatus) {
	active = make(map[string]models.VehicleStatus)
	dormant = Flatten(item.Dormant)

	for vehicleID, vs := range Flatten(item.Active) {
		if utils.ElapsedDaysGreaterThan(vs.WentOffline, now, dormantAfterDays) {
			vs.IsActive = false
			dormant[vehicleID] = vs
			continue
		}
		active[vehicleID] = vs
	}
	return active, dormant
}

// Reassemble rebuilds a grouped bucket from a flat map: vehicle IDs are
// sorted, chunked to groupSize, and assigned contiguous 1-based group IDs.
func Reassemble(flat map[string]models.VehicleStatus, groupSize int) models.Status {
	ids := sortedVehicleIDs(flat)
	status := make(models.Status)
	for i, chunk := range utils.Chunk(ids, groupSize) {
		group := make(models.PredictionGroup, len(chunk))
		for _, vehicleID := range chunk {
			group[vehicleID] = flat[vehicleID]
		}
		status[i+1] = group
	}
	return status
}

// sortedVehicleIDs orders vehicle IDs numerically where possible, falling
// back to lexicographic order for non-numeric IDs. Stable ordering keeps
// group membership stable across cycles when the fleet has not changed.
func sortedVehicleIDs(flat map[string]models.VehicleStatus) []string {
	ids := make([]string, 0, len(flat))
	for vehicleID := range flat {
		ids = append(ids, vehicleID)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		if (errA == nil) != (errB == nil) {
			return errA == nil
		}
		return ids[i] < ids[j]
	})
	return ids
}

// MergeTelemetry folds one round of poll results into the active flat map.
// Reachable vehicles become active with a cleared offline mark. Unreachable
// vehicles keep their original wentOffline timestamp when one exists, so
// dormancy is measured from the first failure, not the latest. Vehicles the
// poll did not mention are left untouched.
func MergeTelemetry(active map[string]models.VehicleStatus, reachable []string, unreachable []string, now time.Time) {
	for _, vehicleID := range reachable {
		active[vehicleID] = models.VehicleStatus{IsActive: true}
	}
	for _, vehicleID := range unreachable {
		vs, ok := active[vehicleID]
		if !ok {
			continue
		}
		vs.IsActive = false
		if vs.WentOffline == nil {
			t := now
			vs.WentOffline = &t
		}
		active[vehicleID] = vs
	}
}

// MergeDiscovered folds a full fleet enumeration into the partitions.
// Newly seen vehicle IDs join the active set; IDs already tracked as
// dormant are promoted back to active rather than duplicated. Tracked
// vehicles the enumeration did not mention are left where they are.
func MergeDiscovered(active, dormant map[string]models.VehicleStatus, discovered []string) {
	for _, vehicleID := range discovered {
		if _, ok := active[vehicleID]; ok {
			active[vehicleID] = models.VehicleStatus{IsActive: true}
			continue
		}
		delete(dormant, vehicleID)
		active[vehicleID] = models.VehicleStatus{IsActive: true}
	}
}
