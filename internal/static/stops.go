package static

import (
	"sort"
	"strings"

	"github.com/nyct-live/tracker/internal/model"
)

// locationStation is the GTFS location_type of a parent station
const locationStation = 1

// Stops is an immutable stops table
type Stops struct {
	all      []model.Stop
	byID     map[string]int
	stations []model.Stop
}

// NewStops indexes stops, keeping file order
func NewStops(stops []model.Stop) *Stops {
	s := &Stops{
		all:  stops,
		byID: make(map[string]int, len(stops)),
	}
	for i, stop := range stops {
		if _, dup := s.byID[stop.ID]; !dup {
			s.byID[stop.ID] = i
		}
		if stop.LocationType == locationStation {
			s.stations = append(s.stations, stop)
		}
	}
	return s
}

// All returns every stop in file order
func (s *Stops) All() []model.Stop {
	return s.all
}

// Stations returns the parent-station rows in file order
func (s *Stops) Stations() []model.Stop {
	return s.stations
}

// Resolve maps a platform id such as "101N" to its station "101"
func (s *Stops) Resolve(stopID string) (model.Stop, bool) {
	if s == nil || len(stopID) < 3 {
		return model.Stop{}, false
	}
	i, ok := s.byID[stopID[:3]]
	if !ok {
		return model.Stop{}, false
	}
	return s.all[i], true
}

// Shapes maps a shape id to its points in sequence order
type Shapes map[string][]ShapePoint

// IDs returns the shape ids in sorted order
func (s Shapes) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LineColors are the official route bullet colors, keyed by line group
var LineColors = map[string]string{
	"ACE":  "#2850ad",
	"BDFM": "#ff6319",
	"G":    "#6cbe45",
	"L":    "#a7a9ac",
	"JZ":   "#996633",
	"NQRW": "#fccc0a",
	"123":  "#ee352e",
	"456":  "#00933c",
	"7":    "#b933ad",
	"S":    "#808183",
}

// LineColor returns the color of the group containing routeID, e.g. "#ee352e" for "2".
// Express variants such as "6X" and "FS" resolve through their first character.
func LineColor(routeID string) (string, bool) {
	if routeID == "" {
		return "", false
	}
	if routeID == "GS" || routeID == "FS" || routeID == "H" {
		return LineColors["S"], true
	}
	first := routeID[:1]
	for group, color := range LineColors {
		if strings.Contains(group, first) {
			return color, true
		}
	}
	return "", false
}
