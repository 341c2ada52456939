package aggregate

import "github.com/nyct-live/tracker/internal/model"

// StopResolver maps a platform stop id to the station it belongs to
type StopResolver interface {
	Resolve(stopID string) (model.Stop, bool)
}

// DeriveStatuses builds a TrainStatus for every assigned trip that can be placed at a known station.
// A train between stations has no resolvable position and is left out.
func DeriveStatuses(trips []model.Trip, stops StopResolver) []model.TrainStatus {
	statuses := make([]model.TrainStatus, 0, len(trips))
	if stops == nil {
		return statuses
	}

	for i := range trips {
		t := &trips[i]
		if !t.IsAssigned || !t.AtStation || t.CurrentStop == "" {
			continue
		}
		stop, ok := stops.Resolve(t.CurrentStop)
		if !ok {
			continue
		}

		statuses = append(statuses, model.TrainStatus{
			Trip:          t.ID,
			RouteID:       t.RouteID,
			NearestStop:   t.CurrentStop,
			CurrentStatus: t.CurrentStatus,
			Direction:     t.Direction,
			AtStation:     t.AtStation,
			Progress:      t.Progress,
			Lat:           stop.Lat,
			Lon:           stop.Lon,
			StopName:      stop.Name,
			Alert:         t.Alert,
			Timestamp:     t.Timestamp,
			Retrieval:     t.Retrieval,
		})
	}
	return statuses
}
