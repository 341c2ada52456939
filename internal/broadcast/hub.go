// Package broadcast fans every cycle result out to the registered subscribers.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nyct-live/tracker/internal/model"
)

// ErrUnknownRecipient is returned by Replay for a recipient that is not subscribed
var ErrUnknownRecipient = errors.New("unknown recipient")

// Subscriber handles one cycle result. Results are shared and must not be modified.
type Subscriber interface {
	HandleCycle(ctx context.Context, r model.CycleResult) error
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(ctx context.Context, r model.CycleResult) error

func (f SubscriberFunc) HandleCycle(ctx context.Context, r model.CycleResult) error {
	return f(ctx, r)
}

// Metrics receives subscriber registry and delivery outcomes
type Metrics interface {
	SubscribersChanged(n int)
	SubscriberFailed(id string)
}

type entry struct {
	id  string
	sub Subscriber
}

// Hub keeps the latest cycle result and the subscriber registry.
// Subscribe and Unsubscribe are safe to call from any goroutine while a cycle is published.
// Publish and Replay deliver one at a time, so a subscriber never sees an older result after a
// newer one. A subscriber must not call Publish or Replay from HandleCycle.
type Hub struct {
	mu   sync.RWMutex
	subs []entry

	deliverMu sync.Mutex

	latest atomic.Pointer[model.CycleResult]

	metrics Metrics
}

// NewHub creates a hub with an empty latest result
func NewHub(m Metrics) *Hub {
	h := &Hub{metrics: m}
	h.latest.Store(&model.CycleResult{})
	return h
}

// Subscribe registers s under id, or under a fresh id when id is empty.
// Registering an id twice keeps the first registration; the bool reports whether s was added.
func (h *Hub) Subscribe(id string, s Subscriber) (string, bool) {
	if id == "" {
		id = uuid.NewString()
	}

	h.mu.Lock()
	for _, e := range h.subs {
		if e.id == id {
			h.mu.Unlock()
			return id, false
		}
	}
	h.subs = append(h.subs, entry{id: id, sub: s})
	n := len(h.subs)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SubscribersChanged(n)
	}
	return id, true
}

// Unsubscribe removes id. Removing an id that is not registered does nothing.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	removed := false
	for i, e := range h.subs {
		if e.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			removed = true
			break
		}
	}
	n := len(h.subs)
	h.mu.Unlock()

	if removed && h.metrics != nil {
		h.metrics.SubscribersChanged(n)
	}
}

// Len returns the number of registered subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Latest returns the most recently published result
func (h *Hub) Latest() model.CycleResult {
	return *h.latest.Load()
}

// Publish caches r and delivers it to every subscriber in registration order.
// A failing subscriber never stops delivery to the rest; the returned faults are for logging only.
func (h *Hub) Publish(ctx context.Context, r model.CycleResult) []error {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.latest.Store(&r)
	return h.deliver(ctx, h.snapshot(), r)
}

// Replay re-delivers the cached result without polling, to recipient or to everyone when
// recipient is empty.
func (h *Hub) Replay(ctx context.Context, recipient string) (model.CycleResult, []error, error) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	r := h.Latest()
	targets := h.snapshot()

	if recipient != "" {
		var found []entry
		for _, e := range targets {
			if e.id == recipient {
				found = append(found, e)
				break
			}
		}
		if found == nil {
			return r, nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, recipient)
		}
		targets = found
	}

	return r, h.deliver(ctx, targets, r), nil
}

func (h *Hub) snapshot() []entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]entry(nil), h.subs...)
}

func (h *Hub) deliver(ctx context.Context, targets []entry, r model.CycleResult) []error {
	var faults []error
	for _, e := range targets {
		if err := h.invoke(ctx, e, r); err != nil {
			fault := model.NewFault(model.KindSubscriber, e.id, err)
			log.Printf("Broadcast: %v", fault)
			if h.metrics != nil {
				h.metrics.SubscriberFailed(e.id)
			}
			faults = append(faults, fault)
		}
	}
	return faults
}

func (h *Hub) invoke(ctx context.Context, e entry, r model.CycleResult) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return e.sub.HandleCycle(ctx, r)
}
