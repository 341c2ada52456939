package model

// Direction is the NYCT trip direction. Values match the nyct-subway.proto enum.
type Direction int

const (
	DirectionUnknown Direction = -1
	DirectionNorth   Direction = 1
	DirectionEast    Direction = 2
	DirectionSouth   Direction = 3
	DirectionWest    Direction = 4
)

func (d Direction) String() string {
	switch d {
	case DirectionNorth:
		return "NORTH"
	case DirectionEast:
		return "EAST"
	case DirectionSouth:
		return "SOUTH"
	case DirectionWest:
		return "WEST"
	default:
		return "UNKNOWN"
	}
}

// VehicleStatus maps the GTFS-RT VehicleStopStatus enum, with -1 for "never reported"
type VehicleStatus int

const (
	StatusUnknown     VehicleStatus = -1
	StatusIncomingAt  VehicleStatus = 0
	StatusStoppedAt   VehicleStatus = 1
	StatusInTransitTo VehicleStatus = 2
)

func (s VehicleStatus) String() string {
	switch s {
	case StatusIncomingAt:
		return "INCOMING_AT"
	case StatusStoppedAt:
		return "STOPPED_AT"
	case StatusInTransitTo:
		return "IN_TRANSIT_TO"
	default:
		return "UNKNOWN"
	}
}

// ScheduleRelationship is the stop-time schedule relationship code as reported by the feed
type ScheduleRelationship int

const (
	ScheduleUnknown     ScheduleRelationship = -1
	ScheduleScheduled   ScheduleRelationship = 0
	ScheduleAdded       ScheduleRelationship = 1
	ScheduleUnscheduled ScheduleRelationship = 2
	ScheduleCancelled   ScheduleRelationship = 3
)

func (r ScheduleRelationship) String() string {
	switch r {
	case ScheduleScheduled:
		return "SCHEDULED"
	case ScheduleAdded:
		return "ADDED"
	case ScheduleUnscheduled:
		return "UNSCHEDULED"
	case ScheduleCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}
