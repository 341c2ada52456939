// Package scheduler runs poll cycles on a fixed cadence, one at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nyct-live/tracker/internal/model"
)

// DefaultIdleFloor is the shortest wait between two cycles
const DefaultIdleFloor = time.Second

// ErrAlreadyRunning is returned by Start while a loop is active
var ErrAlreadyRunning = errors.New("worker already running")

// State of a Worker
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CycleFunc produces one cycle result
type CycleFunc func(ctx context.Context) (model.CycleResult, error)

// Publisher receives every completed cycle result
type Publisher interface {
	Publish(ctx context.Context, r model.CycleResult) []error
}

// Metrics receives the outcome of every cycle
type Metrics interface {
	CycleCompleted(r model.CycleResult, elapsed time.Duration)
	CycleFailed(elapsed time.Duration)
}

// Clock abstracts time for tests
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Worker is the single background loop that drives poll cycles.
// Start and Stop may be called repeatedly; each Start spawns a fresh goroutine bound to the
// same cycle function, publisher and cadence.
type Worker struct {
	cycle     CycleFunc
	publisher Publisher
	cadence   time.Duration
	floor     time.Duration
	clock     Clock
	metrics   Metrics

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
}

// Options tune a Worker. Zero values select defaults.
type Options struct {
	IdleFloor time.Duration
	Clock     Clock
	Metrics   Metrics
}

// NewWorker creates an idle worker
func NewWorker(cycle CycleFunc, publisher Publisher, cadence time.Duration, opts Options) *Worker {
	floor := opts.IdleFloor
	if floor <= 0 {
		floor = DefaultIdleFloor
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Worker{
		cycle:     cycle,
		publisher: publisher,
		cadence:   cadence,
		floor:     floor,
		clock:     clock,
		metrics:   opts.Metrics,
		state:     Idle,
	}
}

// State returns the current worker state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start launches the loop. The first cycle runs immediately.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Running {
		return ErrAlreadyRunning
	}

	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.state = Running
	go w.loop(w.stop, w.done)

	log.Printf("Scheduler: started (cadence %v, idle floor %v)", w.cadence, w.floor)
	return nil
}

// Stop wakes the loop from its wait and blocks until it has exited.
// A cycle in progress is allowed to finish. Stop on a worker that is not running is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.state != Running {
		w.mu.Unlock()
		return
	}
	done := w.done
	// The first caller closes stop; later callers only wait on done.
	first := w.stop != nil
	if first {
		close(w.stop)
		w.stop = nil
	}
	w.mu.Unlock()

	<-done

	if !first {
		return
	}
	w.mu.Lock()
	w.state = Stopped
	w.mu.Unlock()
	log.Println("Scheduler: stopped")
}

func (w *Worker) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	// Cycles outlive Stop; only the wait between them is interruptible.
	ctx := context.Background()

	tick := w.clock.Now()
	for {
		ok := w.runOnce(ctx)

		tick = nextTick(tick, w.clock.Now(), w.cadence)
		delay := clampDelay(tick.Sub(w.clock.Now()), w.floor)
		if !ok {
			delay = w.floor
		}

		select {
		case <-stop:
			return
		case <-w.clock.After(delay):
		}
	}
}

// runOnce executes one cycle and hands the result to the publisher. Nothing escapes it;
// false means the cycle was abandoned.
func (w *Worker) runOnce(ctx context.Context) bool {
	start := w.clock.Now()

	result, err := w.safeCycle(ctx)
	elapsed := w.clock.Now().Sub(start)
	if err != nil {
		log.Printf("Scheduler: cycle abandoned after %v: %v", elapsed, err)
		if w.metrics != nil {
			w.metrics.CycleFailed(elapsed)
		}
		return false
	}

	if w.publisher != nil {
		for _, ferr := range w.publisher.Publish(ctx, result) {
			log.Printf("Scheduler: %v", ferr)
		}
	}

	elapsed = w.clock.Now().Sub(start)
	if w.metrics != nil {
		w.metrics.CycleCompleted(result, elapsed)
	}
	return true
}

func (w *Worker) safeCycle(ctx context.Context) (result model.CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.NewFault(model.KindScheduler, "", fmt.Errorf("panic: %v", r))
		}
	}()

	result, err = w.cycle(ctx)
	if err != nil && model.KindOf(err) == 0 {
		err = model.NewFault(model.KindScheduler, "", err)
	}
	return result, err
}

// nextTick returns the first cadence tick after previous that is not already in the past.
// Ticks missed while a cycle overran are dropped rather than run back to back.
func nextTick(previous, now time.Time, cadence time.Duration) time.Time {
	if cadence <= 0 {
		return now
	}
	next := previous.Add(cadence)
	if next.Before(now) {
		missed := now.Sub(next)/cadence + 1
		next = next.Add(missed * cadence)
	}
	return next
}

// clampDelay never lets the loop wait less than floor
func clampDelay(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}
