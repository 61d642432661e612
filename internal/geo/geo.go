package geo

import (
	"fmt"
	"math"
	"sync"

	"github.com/golang/geo/s2"

	"tracker.transitwatch.org/internal/models"
)

// BoundingBox defines the corners of a lat/lon box
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains checks whether the given latitude and longitude are within the bounding box
func (b *BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// ComputeBoundingBox computes the bounding box over a route's pattern points.
func ComputeBoundingBox(points []models.PatternPoint) (BoundingBox, error) {
	if len(points) == 0 {
		return BoundingBox{}, fmt.Errorf("no pattern points to compute bounding box")
	}

	minLat := math.MaxFloat64
	maxLat := -math.MaxFloat64
	minLon := math.MaxFloat64
	maxLon := -math.MaxFloat64

	for _, pt := range points {
		if !IsValidLatLon(pt.Lat, pt.Lon) {
			continue
		}
		if pt.Lat < minLat {
			minLat = pt.Lat
		}
		if pt.Lat > maxLat {
			maxLat = pt.Lat
		}
		if pt.Lon < minLon {
			minLon = pt.Lon
		}
		if pt.Lon > maxLon {
			maxLon = pt.Lon
		}
	}

	if minLat == math.MaxFloat64 || maxLat == -math.MaxFloat64 ||
		minLon == math.MaxFloat64 || maxLon == -math.MaxFloat64 {
		return BoundingBox{}, fmt.Errorf("no valid latitude/longitude found in pattern points")
	}

	return BoundingBox{
		MinLat: minLat,
		MaxLat: maxLat,
		MinLon: minLon,
		MaxLon: maxLon,
	}, nil
}

// BoundingBoxStore stores bounding boxes per route in memory with concurrency safety
type BoundingBoxStore struct {
	mu    sync.RWMutex
	store map[string]BoundingBox
}

// NewBoundingBoxStore creates and returns a new BoundingBoxStore
func NewBoundingBoxStore() *BoundingBoxStore {
	return &BoundingBoxStore{
		store: make(map[string]BoundingBox),
	}
}

// Set stores a bounding box for a specific route ID
func (s *BoundingBoxStore) Set(routeID string, bbox BoundingBox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[routeID] = bbox
}

// Get retrieves the bounding box for a specific route ID
func (s *BoundingBoxStore) Get(routeID string) (BoundingBox, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bbox, ok := s.store[routeID]
	return bbox, ok
}

// IsInBoundingBox checks if the lat/lon is inside the route's bounding box.
// A route with no recorded box accepts any coordinate: bounds only reject
// readings once the route's pattern geometry has been captured.
func (s *BoundingBoxStore) IsInBoundingBox(routeID string, lat, lon float64) bool {
	bbox, ok := s.Get(routeID)
	if !ok {
		return true
	}
	return bbox.Contains(lat, lon)
}

// IsValidLatLon returns true if the given latitude and longitude values
// fall within the valid geographic coordinate bounds.
//
// Latitude must be between -90 and 90 degrees, and longitude must be
// between -180 and 180 degrees.
//
// Note: This function treats the coordinate (0,0) as invalid, even though it
// is a valid location in the Gulf of Guinea. This assumption is made to help
// detect uninitialized or placeholder coordinates commonly represented as (0,0).
func IsValidLatLon(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

// earthRadiusInMeters represents the mean radius of the Earth in meters.
//
// This value (6,371,000 meters) is defined as the Earth's volumetric mean radius,
// which is commonly used for general geospatial calculations and spherical approximations.
const earthRadiusInMeters = 6371000

func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * earthRadiusInMeters
}
