package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nyct-live/tracker/internal/model"
	"github.com/nyct-live/tracker/internal/static"
)

const (
	defaultFailureLimit = 50
	maxFailureLimit     = 500
)

// Handler serves reads of the latest cycle and the static reference data
type Handler struct {
	source   CycleSource
	static   *static.Data
	failures FailureLister
	now      func() time.Time
}

// TripsResponse is the JSON response for GET /api/trips
type TripsResponse struct {
	Trips     []model.Trip `json:"trips"`
	Count     int          `json:"count"`
	Retrieval int64        `json:"retrieval"`
}

// TripDetailsResponse is the JSON response for GET /api/trips/{tripId}
type TripDetailsResponse struct {
	Trip    model.Trip             `json:"trip"`
	Updates []model.StopTimeUpdate `json:"updates"`
}

// UpdatesResponse is the JSON response for GET /api/updates
type UpdatesResponse struct {
	Updates   []model.StopTimeUpdate `json:"updates"`
	Count     int                    `json:"count"`
	Retrieval int64                  `json:"retrieval"`
}

// TrainsResponse is the JSON response for GET /api/trains
type TrainsResponse struct {
	Trains    []model.TrainStatus `json:"trains"`
	Count     int                 `json:"count"`
	Retrieval int64               `json:"retrieval"`
}

// Station is the trimmed station row sent to map clients
type Station struct {
	ID   string  `json:"stop_id"`
	Name string  `json:"stop_name"`
	Lat  float64 `json:"stop_lat"`
	Lon  float64 `json:"stop_lon"`
}

// Line is one route group and its bullet color
type Line struct {
	Group string `json:"group"`
	Color string `json:"color"`
}

// RequestUpdateResponse is the JSON response for POST /api/request-update
type RequestUpdateResponse struct {
	Retrieval        int64 `json:"retrieval"`
	SubscriberFaults int   `json:"subscriber_faults"`
}

// Health handles GET /health with a database check when a store is configured
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	latest := h.source.Latest()
	now := h.now().UTC()

	body := map[string]interface{}{
		"status":    "ok",
		"database":  "disabled",
		"timestamp": now,
		"retrieval": latest.Retrieval(),
		"trips":     len(latest.Trips),
	}
	if !latest.PolledAt.IsZero() {
		body["age_seconds"] = int(now.Sub(latest.PolledAt).Seconds())
	}

	if h.failures != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if _, err := h.failures.RecentFailures(ctx, 1); err != nil {
			body["status"] = "error"
			body["database"] = "disconnected"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "connected"
	}

	writeJSON(w, http.StatusOK, body)
}

// GetTrips handles GET /api/trips, optionally filtered by route_id
func (h *Handler) GetTrips(w http.ResponseWriter, r *http.Request) {
	latest := h.source.Latest()
	routeID := r.URL.Query().Get("route_id")

	trips := make([]model.Trip, 0, len(latest.Trips))
	for _, t := range latest.Trips {
		if routeID == "" || t.RouteID == routeID {
			trips = append(trips, t)
		}
	}

	writeJSON(w, http.StatusOK, TripsResponse{Trips: trips, Count: len(trips), Retrieval: latest.Retrieval()})
}

// GetTrip handles GET /api/trips/{tripId}. The id may be the feed trip id or the composite id.
func (h *Handler) GetTrip(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	latest := h.source.Latest()

	for _, t := range latest.Trips {
		if t.TripID != tripID && t.ID != tripID {
			continue
		}
		updates := []model.StopTimeUpdate{}
		for _, u := range latest.Updates {
			if u.ParentTrip == t.ID {
				updates = append(updates, u)
			}
		}
		writeJSON(w, http.StatusOK, TripDetailsResponse{Trip: t, Updates: updates})
		return
	}

	writeError(w, http.StatusNotFound, "Trip not found", map[string]interface{}{"trip_id": tripID})
}

// GetUpdates handles GET /api/updates, optionally filtered by trip_id or stop
func (h *Handler) GetUpdates(w http.ResponseWriter, r *http.Request) {
	latest := h.source.Latest()
	tripID := r.URL.Query().Get("trip_id")
	stop := r.URL.Query().Get("stop")

	updates := make([]model.StopTimeUpdate, 0, len(latest.Updates))
	for _, u := range latest.Updates {
		if tripID != "" && u.TripID != tripID {
			continue
		}
		if stop != "" && u.Stop != stop {
			continue
		}
		updates = append(updates, u)
	}

	writeJSON(w, http.StatusOK, UpdatesResponse{Updates: updates, Count: len(updates), Retrieval: latest.Retrieval()})
}

// GetTrains handles GET /api/trains, the derived train statuses, optionally filtered by route_id
func (h *Handler) GetTrains(w http.ResponseWriter, r *http.Request) {
	latest := h.source.Latest()
	routeID := r.URL.Query().Get("route_id")

	trains := make([]model.TrainStatus, 0, len(latest.Statuses))
	for _, s := range latest.Statuses {
		if routeID == "" || s.RouteID == routeID {
			trains = append(trains, s)
		}
	}

	writeJSON(w, http.StatusOK, TrainsResponse{Trains: trains, Count: len(trains), Retrieval: latest.Retrieval()})
}

// RequestUpdate handles POST /api/request-update by replaying the cached cycle to every subscriber
func (h *Handler) RequestUpdate(w http.ResponseWriter, r *http.Request) {
	result, faults, err := h.source.Replay(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to replay latest cycle", map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, RequestUpdateResponse{Retrieval: result.Retrieval(), SubscriberFaults: len(faults)})
}

// GetFailures handles GET /api/failures?limit=N
func (h *Handler) GetFailures(w http.ResponseWriter, r *http.Request) {
	if h.failures == nil {
		writeError(w, http.StatusServiceUnavailable, "Storage is not configured", nil)
		return
	}

	limit := defaultFailureLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", map[string]interface{}{"limit": s})
			return
		}
		limit = min(n, maxFailureLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures, err := h.failures.RecentFailures(ctx, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve fetch failures", map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, failures)
}

// GetStations handles GET /api/stations
func (h *Handler) GetStations(w http.ResponseWriter, r *http.Request) {
	stations := []Station{}
	if h.static != nil {
		for _, s := range h.static.Stops.Stations() {
			stations = append(stations, Station{ID: s.ID, Name: s.Name, Lat: s.Lat, Lon: s.Lon})
		}
	}
	writeJSON(w, http.StatusOK, stations)
}

// GetShapes handles GET /api/shapes, listing the known shape ids
func (h *Handler) GetShapes(w http.ResponseWriter, r *http.Request) {
	ids := []string{}
	if h.static != nil {
		ids = h.static.Shapes.IDs()
	}
	writeJSON(w, http.StatusOK, ids)
}

// GetShape handles GET /api/shapes/{shapeId}
func (h *Handler) GetShape(w http.ResponseWriter, r *http.Request) {
	shapeID := chi.URLParam(r, "shapeId")
	if h.static != nil {
		if points, ok := h.static.Shapes[shapeID]; ok {
			writeJSON(w, http.StatusOK, points)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Shape not found", map[string]interface{}{"shape_id": shapeID})
}

// GetLines handles GET /api/lines
func (h *Handler) GetLines(w http.ResponseWriter, r *http.Request) {
	lines := make([]Line, 0, len(static.LineColors))
	for group, color := range static.LineColors {
		lines = append(lines, Line{Group: group, Color: color})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Group < lines[j].Group })
	writeJSON(w, http.StatusOK, lines)
}
