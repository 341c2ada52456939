// Package aggregate folds decoded feed entities into per-cycle trip records.
package aggregate

import (
	"sort"

	"github.com/nyct-live/tracker/internal/model"
	"github.com/nyct-live/tracker/internal/realtime/nyct"
)

// Contribution is what one or more folded feeds add to a cycle result
type Contribution struct {
	Trips   []model.Trip
	Updates []model.StopTimeUpdate
	Unknown []model.UnknownEntity
}

// tripState is the working copy of a trip while its cycle is still being folded
type tripState struct {
	trip model.Trip

	// first two stop-time entries of the latest trip update, in source order
	stops    []nyct.StopTime
	hasStops bool
}

// Aggregator holds the working set of one cycle. It is not safe for concurrent use;
// a cycle is folded by a single goroutine.
type Aggregator struct {
	trips map[string]*tripState
	order []string

	updates     []model.StopTimeUpdate
	updateIndex map[string]int

	unknown []model.UnknownEntity
}

// New returns an empty working set
func New() *Aggregator {
	return &Aggregator{
		trips:       make(map[string]*tripState),
		updateIndex: make(map[string]int),
	}
}

// Fold aggregates a single feed into its contribution
func Fold(feed *nyct.Feed) Contribution {
	a := New()
	a.Add(feed)
	return a.Finish()
}

// Add folds every entity of feed into the working set. The feed header timestamp is the
// retrieval timestamp of every record produced from it.
func (a *Aggregator) Add(feed *nyct.Feed) {
	if feed == nil {
		return
	}
	retrieval := feed.Timestamp

	for i := range feed.Entities {
		e := &feed.Entities[i]
		switch e.Kind {
		case nyct.KindVehiclePosition:
			a.applyVehicle(e.Vehicle, retrieval)
		case nyct.KindTripUpdate:
			a.applyTripUpdate(e.TripUpdate, retrieval)
		case nyct.KindAlert:
			a.applyAlert(e.Alert, retrieval)
		default:
			a.unknown = append(a.unknown, model.UnknownEntity{
				EntityID:  e.ID,
				Retrieval: retrieval,
				Raw:       e.Raw,
			})
		}
	}
}

// state returns the trip for (tripID, retrieval), creating it with defaults on first sight
func (a *Aggregator) state(tripID string, retrieval int64) *tripState {
	key := model.TripKey(tripID, retrieval)
	if s, ok := a.trips[key]; ok {
		return s
	}

	s := &tripState{
		trip: model.Trip{
			ID:                  key,
			TripID:              tripID,
			IsAssigned:          false,
			Direction:           model.DirectionUnknown,
			CurrentStatus:       model.StatusUnknown,
			CurrentStopSequence: -1,
			Retrieval:           retrieval,
		},
	}
	a.trips[key] = s
	a.order = append(a.order, key)
	return s
}

func (s *tripState) fillRoute(routeID string) {
	if s.trip.RouteID == "" && routeID != "" {
		s.trip.RouteID = routeID
	}
}

// applyVehicle owns assignment, train id, direction, position timestamp, status and stop sequence
func (a *Aggregator) applyVehicle(v *nyct.VehiclePosition, retrieval int64) {
	if v == nil || v.Trip.TripID == "" {
		return
	}
	s := a.state(v.Trip.TripID, retrieval)
	s.fillRoute(v.Trip.RouteID)

	s.trip.IsAssigned = v.Trip.NYCT.IsAssigned
	s.trip.TrainID = v.Trip.NYCT.TrainID
	s.trip.Direction = v.Trip.NYCT.Direction
	s.trip.Timestamp = v.Timestamp
	s.trip.CurrentStatus = v.CurrentStatus
	s.trip.CurrentStopSequence = v.CurrentStopSequence
}

// applyTripUpdate owns the stop-time list; each entry also becomes one StopTimeUpdate
func (a *Aggregator) applyTripUpdate(tu *nyct.TripUpdate, retrieval int64) {
	if tu == nil || tu.Trip.TripID == "" {
		return
	}
	tripID := tu.Trip.TripID
	s := a.state(tripID, retrieval)
	s.fillRoute(tu.Trip.RouteID)

	n := min(len(tu.StopTimes), 2)
	s.stops = append(s.stops[:0], tu.StopTimes[:n]...)
	s.hasStops = n > 0

	for _, st := range tu.StopTimes {
		u := model.StopTimeUpdate{
			ID:                   model.UpdateKey(tripID, st.StopID, retrieval),
			TripID:               tripID,
			ParentTrip:           s.trip.ID,
			Stop:                 st.StopID,
			Arrival:              st.Arrival,
			Departure:            st.Departure,
			ScheduleRelationship: st.ScheduleRelationship,
			ScheduledTrack:       st.Track.Scheduled,
			ActualTrack:          st.Track.Actual,
			Retrieval:            retrieval,
		}
		// the same update seen again replaces the earlier one
		if i, ok := a.updateIndex[u.ID]; ok {
			a.updates[i] = u
			continue
		}
		a.updateIndex[u.ID] = len(a.updates)
		a.updates = append(a.updates, u)
	}
}

// applyAlert owns only the alert flag
func (a *Aggregator) applyAlert(al *nyct.Alert, retrieval int64) {
	if al == nil {
		return
	}
	for _, tripID := range al.TripIDs {
		a.state(tripID, retrieval).trip.Alert = true
	}
}

// Finish computes derived fields and returns the folded records in first-seen order
func (a *Aggregator) Finish() Contribution {
	c := Contribution{
		Trips:   make([]model.Trip, 0, len(a.order)),
		Updates: a.updates,
		Unknown: a.unknown,
	}
	for _, key := range a.order {
		s := a.trips[key]
		s.finalize()
		c.Trips = append(c.Trips, s.trip)
	}
	return c
}

func (s *tripState) finalize() {
	t := &s.trip
	if s.hasStops {
		cur := s.stops[0]
		next := cur
		if len(s.stops) > 1 {
			next = s.stops[1]
		}
		t.CurrentStop, t.CurrentStopTime = cur.StopID, cur.Departure
		t.NextStop, t.NextStopTime = next.StopID, next.Departure
	}

	t.AtStation = t.Timestamp != 0 && t.Timestamp == t.CurrentStopTime
	t.Progress = Progress(t.Timestamp, t.CurrentStopTime, t.NextStopTime)
}

// Progress returns how far a train has moved from the current towards the next stop.
// It is nil when any input is unset or the two departure times are equal.
func Progress(position, current, next int64) *float64 {
	if position == 0 || current == 0 || next == 0 || next == current {
		return nil
	}
	p := float64(position-current) / float64(next-current)
	return &p
}

// SortTrips orders trips by ascending current stop departure time
func SortTrips(trips []model.Trip) {
	sort.SliceStable(trips, func(i, j int) bool {
		return trips[i].CurrentStopTime < trips[j].CurrentStopTime
	})
}

// SortUpdates orders stop-time updates by ascending departure time
func SortUpdates(updates []model.StopTimeUpdate) {
	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].Departure < updates[j].Departure
	})
}
