package model

import "fmt"

// Trip is the aggregated state of one trip within a single poll cycle.
// A new cycle always produces new Trip values keyed by the new retrieval timestamp.
type Trip struct {
	// Composite identity: trip id + retrieval
	ID     string `json:"id"`
	TripID string `json:"trip_id"`

	RouteID string `json:"route_id"`

	// Vehicle position fields (NYCT trip descriptor extension)
	IsAssigned          bool          `json:"is_assigned"`
	TrainID             string        `json:"train_id"`
	Direction           Direction     `json:"direction"`
	Timestamp           int64         `json:"timestamp"` // last reported position, 0 = unset
	CurrentStatus       VehicleStatus `json:"current_status"`
	CurrentStopSequence int32         `json:"current_stop_sequence"`

	// Trip update fields
	CurrentStop     string `json:"curr_stop"`
	CurrentStopTime int64  `json:"curr_stop_time"`
	NextStop        string `json:"next_stop"`
	NextStopTime    int64  `json:"next_stop_time"`

	// Alert flag
	Alert bool `json:"alert"`

	// Derived after the cycle's entities are folded
	AtStation bool     `json:"at_station"`
	Progress  *float64 `json:"progress"` // nil when progress cannot be computed

	Retrieval int64 `json:"retrieval"`
}

// TripKey builds the composite trip identifier used across a cycle
func TripKey(tripID string, retrieval int64) string {
	return fmt.Sprintf("%s_%d", tripID, retrieval)
}

// StopTimeUpdate is one stop-time entry of a trip update, immutable once created
type StopTimeUpdate struct {
	ID                   string               `json:"id"`
	TripID               string               `json:"trip_id"`
	ParentTrip           string               `json:"parent_trip"` // Trip.ID back-reference
	Stop                 string               `json:"stop"`
	Arrival              int64                `json:"arrival"`
	Departure            int64                `json:"departure"`
	ScheduleRelationship ScheduleRelationship `json:"schedule_relationship"`
	ScheduledTrack       string               `json:"scheduled_track"`
	ActualTrack          string               `json:"actual_track"`
	Retrieval            int64                `json:"retrieval"`
}

// UpdateKey builds the stop-time update identifier
func UpdateKey(tripID, stopID string, retrieval int64) string {
	return fmt.Sprintf("%s_%s_%d", tripID, stopID, retrieval)
}

// TrainStatus is the display-ready position summary for one assigned trip
type TrainStatus struct {
	Trip          string        `json:"trip"`
	RouteID       string        `json:"route_id"`
	NearestStop   string        `json:"nearest_stop"`
	CurrentStatus VehicleStatus `json:"current_status"`
	Direction     Direction     `json:"direction"`
	AtStation     bool          `json:"at_station"`
	Progress      *float64      `json:"progress"`
	Lat           float64       `json:"lat"`
	Lon           float64       `json:"lon"`
	StopName      string        `json:"stop_name"`
	Alert         bool          `json:"alert"`
	Timestamp     int64         `json:"timestamp"`
	Retrieval     int64         `json:"retrieval"`
}

// UnknownEntity keeps an unrecognised feed entity verbatim
type UnknownEntity struct {
	EntityID  string `json:"entity_id"`
	Retrieval int64  `json:"retrieval"`
	Raw       []byte `json:"raw"`
}

// Stop is one row of the static stops table
type Stop struct {
	ID            string  `json:"stop_id"`
	Name          string  `json:"stop_name"`
	Lat           float64 `json:"stop_lat"`
	Lon           float64 `json:"stop_lon"`
	LocationType  int     `json:"location_type"`
	ParentStation string  `json:"parent_station,omitempty"`
}
