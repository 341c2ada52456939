package nyct

import "github.com/nyct-live/tracker/internal/model"

// Kind tags a decoded entity with the message variant it carried
type Kind int

const (
	KindUnknown Kind = iota
	KindVehiclePosition
	KindTripUpdate
	KindAlert
)

func (k Kind) String() string {
	switch k {
	case KindVehiclePosition:
		return "vehicle-position"
	case KindTripUpdate:
		return "trip-update"
	case KindAlert:
		return "alert"
	default:
		return "unknown"
	}
}

// Feed is one decoded partition response
type Feed struct {
	Timestamp int64      // header timestamp, authoritative for every entity in the feed
	Header    NYCTHeader // NYCT feed header extension
	Entities  []Entity
	Faults    []error // field-level defects that were skipped during decoding
}

// Entity is one decoded feed entity. Exactly one of Vehicle, TripUpdate and Alert is set
// unless Kind is KindUnknown, in which case Raw holds the serialized entity.
type Entity struct {
	ID         string
	Kind       Kind
	Vehicle    *VehiclePosition
	TripUpdate *TripUpdate
	Alert      *Alert
	Raw        []byte
}

// TripDescriptor identifies the trip an entity refers to
type TripDescriptor struct {
	TripID  string
	RouteID string
	NYCT    NYCTTrip
}

// NYCTTrip is the nyct_trip_descriptor extension
type NYCTTrip struct {
	TrainID    string
	IsAssigned bool
	Direction  model.Direction
}

// NYCTTrack is the nyct_stop_time_update extension
type NYCTTrack struct {
	Scheduled string
	Actual    string
}

// NYCTHeader is the nyct_feed_header extension
type NYCTHeader struct {
	Version string
}

// VehiclePosition carries the fields of a vehicle entity
type VehiclePosition struct {
	Trip                TripDescriptor
	Timestamp           int64
	CurrentStatus       model.VehicleStatus
	CurrentStopSequence int32 // -1 when not reported
}

// StopTime is one stop-time entry of a trip update
type StopTime struct {
	StopID               string
	Arrival              int64
	Departure            int64
	ScheduleRelationship model.ScheduleRelationship
	Track                NYCTTrack
}

// TripUpdate carries a trip descriptor and its stop-time entries in source order
type TripUpdate struct {
	Trip      TripDescriptor
	StopTimes []StopTime
}

// Alert only asserts that the listed trips currently have an alert
type Alert struct {
	TripIDs []string
}
