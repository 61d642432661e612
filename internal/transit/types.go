package transit

import (
	"strings"
	"time"
)

// envelope is the wrapper every upstream response arrives in.
type envelope struct {
	BustimeResponse payload `json:"bustime-response"`
}

type payload struct {
	Routes      []wireRoute      `json:"routes"`
	Vehicles    []wireVehicle    `json:"vehicle"`
	Predictions []wirePrediction `json:"prd"`
	Stops       []wireStop       `json:"stops"`
	Patterns    []wirePattern    `json:"ptr"`
	Directions  []wireDirection  `json:"directions"`
	Errors      []wireError      `json:"error"`
}

type wireRoute struct {
	RouteID   string `json:"rt"`
	RouteName string `json:"rtnm"`
	Color     string `json:"rtclr"`
}

type wireVehicle struct {
	VehicleID   string `json:"vid"`
	Timestamp   string `json:"tmstmp"`
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	Heading     string `json:"hdg"`
	RouteID     string `json:"rt"`
	Destination string `json:"des"`
	Speed       int    `json:"spd"`
	Delayed     bool   `json:"dly"`
}

type wirePrediction struct {
	Timestamp      string `json:"tmstmp"`
	Type           string `json:"typ"`
	StopID         string `json:"stpid"`
	StopName       string `json:"stpnm"`
	VehicleID      string `json:"vid"`
	RouteID        string `json:"rt"`
	RouteDirection string `json:"rtdir"`
	Destination    string `json:"des"`
	PredictedTime  string `json:"prdtm"`
	Countdown      string `json:"prdctdn"`
	Delayed        bool   `json:"dly"`
}

type wireStop struct {
	StopID   string  `json:"stpid"`
	StopName string  `json:"stpnm"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

type wirePattern struct {
	PatternID      int         `json:"pid"`
	Length         float64     `json:"ln"`
	RouteDirection string      `json:"rtdir"`
	Points         []wirePoint `json:"pt"`
}

type wirePoint struct {
	Sequence int     `json:"seq"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Type     string  `json:"typ"`
	StopID   string  `json:"stpid"`
	StopName string  `json:"stpnm"`
}

type wireDirection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// wireError is a per-entity failure entry. The upstream mixes successful
// entries and error entries in the same response, so a single call can
// report some vehicles and fail others.
type wireError struct {
	VehicleID string `json:"vid"`
	RouteID   string `json:"rt"`
	StopID    string `json:"stpid"`
	Message   string `json:"msg"`
}

// rateLimited reports whether an error entry means the API key has hit its
// transaction quota. This is the one upstream error that must abort the
// whole run instead of marking individual vehicles unreachable.
func (e wireError) rateLimited() bool {
	return strings.Contains(strings.ToLower(e.Message), "transaction limit")
}

// timeLayout is the upstream timestamp encoding, local to the agency.
const timeLayout = "20060102 15:04"

// timeLayoutSeconds appears when the API is queried with second resolution.
const timeLayoutSeconds = "20060102 15:04:05"

func parseUpstreamTime(s string, loc *time.Location) time.Time {
	if t, err := time.ParseInLocation(timeLayoutSeconds, s, loc); err == nil {
		return t
	}
	t, err := time.ParseInLocation(timeLayout, s, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}
