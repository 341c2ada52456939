// Package api serves the latest cycle over HTTP and streams new cycles over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nyct-live/tracker/internal/broadcast"
	"github.com/nyct-live/tracker/internal/model"
	"github.com/nyct-live/tracker/internal/static"
)

// CycleSource is the broadcast hub as seen by the API
type CycleSource interface {
	Latest() model.CycleResult
	Replay(ctx context.Context, recipient string) (model.CycleResult, []error, error)
	Subscribe(id string, s broadcast.Subscriber) (string, bool)
	Unsubscribe(id string)
}

// FailureLister lists recent failed partition fetches
type FailureLister interface {
	RecentFailures(ctx context.Context, limit int) ([]model.FetchFailure, error)
}

// ClientMetrics tracks connected WebSocket clients
type ClientMetrics interface {
	ClientConnected()
	ClientDisconnected()
}

// Options wires the router's collaborators. Static, Failures, Metrics and Clients may be nil.
type Options struct {
	Source      CycleSource
	Static      *static.Data
	Failures    FailureLister
	Metrics     http.Handler
	Clients     ClientMetrics
	CORSOrigins []string
}

// NewRouter builds the chi router with every route registered
func NewRouter(opts Options) http.Handler {
	h := &Handler{
		source:   opts.Source,
		static:   opts.Static,
		failures: opts.Failures,
		now:      time.Now,
	}
	ws := newStreamer(opts.Source, opts.Clients, opts.CORSOrigins)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})

	// Latest cycle
	r.Get("/api/trips", h.GetTrips)
	r.Get("/api/trips/{tripId}", h.GetTrip)
	r.Get("/api/updates", h.GetUpdates)
	r.Get("/api/trains", h.GetTrains)
	r.Post("/api/request-update", h.RequestUpdate)
	r.Get("/api/failures", h.GetFailures)

	// Reference data
	r.Get("/api/stations", h.GetStations)
	r.Get("/api/shapes", h.GetShapes)
	r.Get("/api/shapes/{shapeId}", h.GetShape)
	r.Get("/api/lines", h.GetLines)

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Get("/ws", ws.ServeHTTP)

	return r
}

// Serve runs srv until ctx is done, then shuts it down gracefully
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("API: listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]interface{}) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
