// Package transit wraps the upstream real-time bus API. All calls go
// through a single HTTP client and decode the API's response envelope,
// separating successful entries from the per-vehicle error entries the
// upstream mixes into the same payload.
package transit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"tracker.transitwatch.org/internal/metrics"
	"tracker.transitwatch.org/internal/models"
	"tracker.transitwatch.org/internal/report"
)

// ErrRateLimited is returned when the API key has exhausted its transaction
// quota. Callers must abort the current run: every further call would burn
// quota for nothing.
var ErrRateLimited = errors.New("transit: api transaction limit exceeded")

// MaxIDsPerCall is the upstream cap on vehicle IDs in a single telemetry or
// prediction request.
const MaxIDsPerCall = 10

// Route is one route as enumerated by the upstream.
type Route struct {
	ID    string
	Name  string
	Color string
}

// Telemetry is the position report for one vehicle.
type Telemetry struct {
	VehicleID   string
	RouteID     string
	Destination string
	Lat         string
	Lon         string
	Speed       string
	Timestamp   time.Time
}

// Client talks to a bustime-style real-time API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	loc        *time.Location
}

// NewClient returns a client for the API at baseURL. Timestamps in
// responses are interpreted in loc, the transit agency's local zone.
func NewClient(baseURL, apiKey string, httpClient *http.Client, loc *time.Location) *Client {
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		loc:        loc,
	}
}

// get performs one API call and decodes the response envelope. Rate limit
// error entries surface as ErrRateLimited; all other error entries are
// returned to the caller for per-vehicle handling.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (payload, error) {
	params.Set("key", c.apiKey)
	params.Set("format", "json")

	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return payload{}, fmt.Errorf("building %s request: %w", endpoint, err)
	}

	metrics.UpstreamAPICalls.WithLabelValues(endpoint).Inc()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.UpstreamAPIStatus.Set(0)
		report.ReportErrorWithSentryOptions(err, report.SentryReportOptions{
			Tags:  map[string]string{"endpoint": endpoint},
			Level: sentry.LevelError,
		})
		return payload{}, fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.UpstreamAPIStatus.Set(0)
		return payload{}, fmt.Errorf("calling %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return payload{}, fmt.Errorf("reading %s response: %w", endpoint, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return payload{}, fmt.Errorf("decoding %s response: %w", endpoint, err)
	}

	for _, apiErr := range env.BustimeResponse.Errors {
		if apiErr.rateLimited() {
			report.ReportErrorWithSentryOptions(ErrRateLimited, report.SentryReportOptions{
				Tags:  map[string]string{"endpoint": endpoint},
				Level: sentry.LevelFatal,
			})
			return payload{}, ErrRateLimited
		}
	}

	metrics.UpstreamAPIStatus.Set(1)
	return env.BustimeResponse, nil
}

// Routes enumerates every route the agency serves.
func (c *Client) Routes(ctx context.Context) ([]Route, error) {
	p, err := c.get(ctx, "getroutes", url.Values{})
	if err != nil {
		return nil, err
	}
	routes := make([]Route, 0, len(p.Routes))
	for _, r := range p.Routes {
		routes = append(routes, Route{ID: r.RouteID, Name: r.RouteName, Color: r.Color})
	}
	return routes, nil
}

func (c *Client) telemetryFromWire(v wireVehicle) Telemetry {
	return Telemetry{
		VehicleID:   v.VehicleID,
		RouteID:     v.RouteID,
		Destination: v.Destination,
		Lat:         v.Lat,
		Lon:         v.Lon,
		Speed:       strconv.Itoa(v.Speed),
		Timestamp:   parseUpstreamTime(v.Timestamp, c.loc),
	}
}

// VehiclesForRoute reports the vehicles currently running on one route. A
// route with no vehicles in service is not an error; it returns an empty
// slice.
func (c *Client) VehiclesForRoute(ctx context.Context, routeID string) ([]Telemetry, error) {
	p, err := c.get(ctx, "getvehicles", url.Values{"rt": {routeID}})
	if err != nil {
		return nil, err
	}
	vehicles := make([]Telemetry, 0, len(p.Vehicles))
	for _, v := range p.Vehicles {
		vehicles = append(vehicles, c.telemetryFromWire(v))
	}
	return vehicles, nil
}

// VehicleTelemetry polls up to MaxIDsPerCall vehicles by ID. Vehicles the
// upstream reports an error entry for come back in unreachable; the
// remaining map holds the vehicles that responded.
func (c *Client) VehicleTelemetry(ctx context.Context, ids []string) (map[string]Telemetry, []string, error) {
	if len(ids) == 0 {
		return map[string]Telemetry{}, nil, nil
	}
	p, err := c.get(ctx, "getvehicles", url.Values{"vid": {strings.Join(ids, ",")}})
	if err != nil {
		return nil, nil, err
	}

	reachable := make(map[string]Telemetry, len(p.Vehicles))
	for _, v := range p.Vehicles {
		reachable[v.VehicleID] = c.telemetryFromWire(v)
	}

	var unreachable []string
	for _, apiErr := range p.Errors {
		if apiErr.VehicleID != "" {
			unreachable = append(unreachable, apiErr.VehicleID)
		}
	}
	return reachable, unreachable, nil
}

// VehiclePredictions fetches arrival predictions for up to MaxIDsPerCall
// vehicles, keyed by vehicle ID. Vehicles with an error entry (typically
// "No arrival times") simply have no entry in the result.
func (c *Client) VehiclePredictions(ctx context.Context, ids []string) (map[string][]models.Prediction, error) {
	if len(ids) == 0 {
		return map[string][]models.Prediction{}, nil
	}
	p, err := c.get(ctx, "getpredictions", url.Values{"vid": {strings.Join(ids, ",")}})
	if err != nil {
		return nil, err
	}

	predictions := make(map[string][]models.Prediction)
	for _, prd := range p.Predictions {
		countdown := prd.Countdown
		if strings.EqualFold(countdown, "due") {
			countdown = "0"
		}
		predictions[prd.VehicleID] = append(predictions[prd.VehicleID], models.Prediction{
			ArrivalIn:      countdown,
			ArrivalTime:    parseUpstreamTime(prd.PredictedTime, c.loc),
			StopID:         prd.StopID,
			StopName:       prd.StopName,
			RouteDirection: prd.RouteDirection,
		})
	}
	return predictions, nil
}

// PredictionMeta reports the route context carried on prediction entries,
// which telemetry responses lack. Keyed by vehicle ID.
type PredictionMeta struct {
	RouteID        string
	RouteDirection string
	Destination    string
}

// VehiclePredictionMeta is like VehiclePredictions but also surfaces the
// per-vehicle route direction and destination from the prediction entries.
func (c *Client) VehiclePredictionMeta(ctx context.Context, ids []string) (map[string][]models.Prediction, map[string]PredictionMeta, error) {
	if len(ids) == 0 {
		return map[string][]models.Prediction{}, map[string]PredictionMeta{}, nil
	}
	p, err := c.get(ctx, "getpredictions", url.Values{"vid": {strings.Join(ids, ",")}})
	if err != nil {
		return nil, nil, err
	}

	predictions := make(map[string][]models.Prediction)
	meta := make(map[string]PredictionMeta)
	for _, prd := range p.Predictions {
		countdown := prd.Countdown
		if strings.EqualFold(countdown, "due") {
			countdown = "0"
		}
		predictions[prd.VehicleID] = append(predictions[prd.VehicleID], models.Prediction{
			ArrivalIn:      countdown,
			ArrivalTime:    parseUpstreamTime(prd.PredictedTime, c.loc),
			StopID:         prd.StopID,
			StopName:       prd.StopName,
			RouteDirection: prd.RouteDirection,
		})
		if _, ok := meta[prd.VehicleID]; !ok {
			meta[prd.VehicleID] = PredictionMeta{
				RouteID:        prd.RouteID,
				RouteDirection: prd.RouteDirection,
				Destination:    prd.Destination,
			}
		}
	}
	return predictions, meta, nil
}

// ActiveVehicles enumerates every route and collects the vehicles currently
// in service across all of them. The returned count is the number of API
// calls the enumeration cost: one for the route list plus one per route.
func (c *Client) ActiveVehicles(ctx context.Context) (map[string]Telemetry, int, error) {
	routes, err := c.Routes(ctx)
	if err != nil {
		return nil, 1, err
	}
	calls := 1

	active := make(map[string]Telemetry)
	for _, route := range routes {
		vehicles, err := c.VehiclesForRoute(ctx, route.ID)
		calls++
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				return nil, calls, err
			}
			// One dead route must not sink the enumeration.
			continue
		}
		for _, v := range vehicles {
			active[v.VehicleID] = v
		}
	}
	return active, calls, nil
}

// Directions lists the service directions for a route.
func (c *Client) Directions(ctx context.Context, routeID string) ([]string, error) {
	p, err := c.get(ctx, "getdirections", url.Values{"rt": {routeID}})
	if err != nil {
		return nil, err
	}
	directions := make([]string, 0, len(p.Directions))
	for _, d := range p.Directions {
		if d.Name != "" {
			directions = append(directions, d.Name)
		} else {
			directions = append(directions, d.ID)
		}
	}
	return directions, nil
}

// StopsForRoute lists the stops served by a route in one direction.
func (c *Client) StopsForRoute(ctx context.Context, routeID, direction string) ([]models.Stop, error) {
	p, err := c.get(ctx, "getstops", url.Values{"rt": {routeID}, "dir": {direction}})
	if err != nil {
		return nil, err
	}
	stops := make([]models.Stop, 0, len(p.Stops))
	for _, s := range p.Stops {
		stops = append(stops, models.Stop{
			RouteID:  routeID,
			StopID:   s.StopID,
			StopName: s.StopName,
			Lat:      s.Lat,
			Lon:      s.Lon,
		})
	}
	return stops, nil
}

// PatternsForRoute fetches the pattern geometry for a route, flattened
// across its patterns and ordered by sequence within each.
func (c *Client) PatternsForRoute(ctx context.Context, routeID string) ([]models.PatternPoint, error) {
	p, err := c.get(ctx, "getpatterns", url.Values{"rt": {routeID}})
	if err != nil {
		return nil, err
	}
	var points []models.PatternPoint
	for _, pattern := range p.Patterns {
		for _, pt := range pattern.Points {
			points = append(points, models.PatternPoint{
				Sequence:       pt.Sequence,
				Type:           pt.Type,
				StopID:         pt.StopID,
				StopName:       pt.StopName,
				RouteDirection: pattern.RouteDirection,
				Lat:            pt.Lat,
				Lon:            pt.Lon,
			})
		}
	}
	return points, nil
}
