package db

import (
	"context"
	"log"
	"time"

	"github.com/nyct-live/tracker/internal/model"
)

// Persister saves every published cycle, then prunes rows past the retention window
type Persister struct {
	store     Store
	retention time.Duration
}

// NewPersister wraps store as a broadcast subscriber. A zero retention disables cleanup.
func NewPersister(store Store, retention time.Duration) *Persister {
	return &Persister{store: store, retention: retention}
}

// HandleCycle implements broadcast.Subscriber
func (p *Persister) HandleCycle(ctx context.Context, r model.CycleResult) error {
	if err := p.store.SaveCycle(ctx, r); err != nil {
		return err
	}
	if p.retention > 0 {
		if err := p.store.Cleanup(ctx, p.retention); err != nil {
			log.Printf("DB: cleanup error: %v", err)
		}
	}
	return nil
}
