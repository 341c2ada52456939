package nyct

import (
	"errors"
	"fmt"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/nyct-live/tracker/internal/model"
)

var (
	errMissingHeader = errors.New("feed message has no header")
	errMissingTrip   = errors.New("entity has no trip id")
	errMissingStop   = errors.New("stop time update has no stop id")
)

// AllowPartial keeps one entity with a missing required field (e.g. entity id) from
// failing the whole partition; defects are checked per entity below instead.
var unmarshalOptions = proto.UnmarshalOptions{AllowPartial: true, DiscardUnknown: false}

var rawOptions = proto.MarshalOptions{Deterministic: true, AllowPartial: true}

// Decode turns one partition response into typed entities.
// A payload that is not a feed message returns a KindDecode fault; defects inside
// single entities are collected on Feed.Faults and do not stop decoding.
func Decode(payload []byte) (*Feed, error) {
	msg := &gtfs.FeedMessage{}
	if err := unmarshalOptions.Unmarshal(payload, msg); err != nil {
		return nil, model.NewFault(model.KindDecode, "", fmt.Errorf("failed to parse protobuf: %w", err))
	}
	if msg.Header == nil {
		return nil, model.NewFault(model.KindDecode, "", errMissingHeader)
	}

	feed := &Feed{
		Timestamp: int64(msg.Header.GetTimestamp()),
		Entities:  make([]Entity, 0, len(msg.Entity)),
	}

	header, err := parseHeaderExtension(msg.Header)
	if err != nil {
		feed.Faults = append(feed.Faults, model.NewFault(model.KindField, "header", err))
	}
	feed.Header = header

	for _, e := range msg.Entity {
		if e == nil {
			continue
		}
		entity, faults := decodeEntity(e)
		feed.Faults = append(feed.Faults, faults...)
		if entity != nil {
			feed.Entities = append(feed.Entities, *entity)
		}
	}

	return feed, nil
}

// decodeEntity returns nil when the entity had to be skipped entirely
func decodeEntity(e *gtfs.FeedEntity) (*Entity, []error) {
	id := e.GetId()

	switch {
	case e.Vehicle != nil:
		return decodeVehicle(id, e.Vehicle)
	case e.TripUpdate != nil:
		return decodeTripUpdate(id, e.TripUpdate)
	case e.Alert != nil:
		return decodeAlert(id, e.Alert), nil
	}

	raw, err := rawOptions.Marshal(e)
	if err != nil {
		return &Entity{ID: id, Kind: KindUnknown}, []error{model.NewFault(model.KindField, id, err)}
	}
	return &Entity{ID: id, Kind: KindUnknown, Raw: raw}, nil
}

func decodeVehicle(id string, v *gtfs.VehiclePosition) (*Entity, []error) {
	if v.Trip == nil || v.Trip.GetTripId() == "" {
		return nil, []error{model.NewFault(model.KindField, id, errMissingTrip)}
	}

	var faults []error
	trip, err := decodeTrip(v.Trip)
	if err != nil {
		faults = append(faults, model.NewFault(model.KindField, id, err))
	}

	pos := &VehiclePosition{
		Trip:                trip,
		Timestamp:           int64(v.GetTimestamp()),
		CurrentStatus:       model.StatusUnknown,
		CurrentStopSequence: -1,
	}
	if v.CurrentStatus != nil {
		pos.CurrentStatus = model.VehicleStatus(*v.CurrentStatus)
	}
	if v.CurrentStopSequence != nil {
		pos.CurrentStopSequence = int32(*v.CurrentStopSequence)
	}

	return &Entity{ID: id, Kind: KindVehiclePosition, Vehicle: pos}, faults
}

func decodeTripUpdate(id string, tu *gtfs.TripUpdate) (*Entity, []error) {
	if tu.Trip == nil || tu.Trip.GetTripId() == "" {
		return nil, []error{model.NewFault(model.KindField, id, errMissingTrip)}
	}

	var faults []error
	trip, err := decodeTrip(tu.Trip)
	if err != nil {
		faults = append(faults, model.NewFault(model.KindField, id, err))
	}

	update := &TripUpdate{
		Trip:      trip,
		StopTimes: make([]StopTime, 0, len(tu.StopTimeUpdate)),
	}
	for i, stu := range tu.StopTimeUpdate {
		if stu == nil || stu.GetStopId() == "" {
			faults = append(faults, model.NewFault(model.KindField, fmt.Sprintf("%s/stop_time_update[%d]", id, i), errMissingStop))
			continue
		}

		st := StopTime{
			StopID:               stu.GetStopId(),
			Arrival:              stu.GetArrival().GetTime(),
			Departure:            stu.GetDeparture().GetTime(),
			ScheduleRelationship: model.ScheduleRelationship(stu.GetScheduleRelationship()),
		}
		track, err := parseTrackExtension(stu)
		if err != nil {
			faults = append(faults, model.NewFault(model.KindField, fmt.Sprintf("%s/stop_time_update[%d]", id, i), err))
		}
		st.Track = track

		update.StopTimes = append(update.StopTimes, st)
	}

	return &Entity{ID: id, Kind: KindTripUpdate, TripUpdate: update}, faults
}

func decodeAlert(id string, a *gtfs.Alert) *Entity {
	alert := &Alert{}
	for _, selector := range a.InformedEntity {
		// Route and stop alerts carry no trip, there is nothing to attach them to
		if tripID := selector.GetTrip().GetTripId(); tripID != "" {
			alert.TripIDs = append(alert.TripIDs, tripID)
		}
	}
	return &Entity{ID: id, Kind: KindAlert, Alert: alert}
}

// decodeTrip always returns a usable descriptor; the error only reports a broken extension
func decodeTrip(td *gtfs.TripDescriptor) (TripDescriptor, error) {
	ext, err := parseTripExtension(td)
	return TripDescriptor{
		TripID:  td.GetTripId(),
		RouteID: td.GetRouteId(),
		NYCT:    ext,
	}, err
}
