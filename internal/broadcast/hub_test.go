package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyct-live/tracker/internal/model"
)

type recorder struct {
	mu      sync.Mutex
	name    string
	log     *[]string
	results []model.CycleResult
	err     error
	panics  bool
}

func (r *recorder) HandleCycle(_ context.Context, res model.CycleResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.log = append(*r.log, r.name)
	r.results = append(r.results, res)
	if r.panics {
		panic("subscriber bug")
	}
	return r.err
}

func cycleAt(ts int64, tripIDs ...string) model.CycleResult {
	r := model.CycleResult{PolledAt: time.Unix(ts, 0).UTC()}
	for _, id := range tripIDs {
		r.Trips = append(r.Trips, model.Trip{ID: model.TripKey(id, ts), TripID: id, Retrieval: ts})
	}
	return r
}

func TestPublishIsolatesFailingSubscriber(t *testing.T) {
	var order []string
	first := &recorder{name: "first", log: &order}
	second := &recorder{name: "second", log: &order, err: errors.New("socket closed")}
	third := &recorder{name: "third", log: &order}

	h := NewHub(nil)
	h.Subscribe("1", first)
	h.Subscribe("2", second)
	h.Subscribe("3", third)

	faults := h.Publish(context.Background(), cycleAt(1000, "T1"))
	require.Len(t, faults, 1)
	assert.Equal(t, model.KindSubscriber, model.KindOf(faults[0]))
	assert.Equal(t, []string{"first", "second", "third"}, order)

	// the failure does not affect the next cycle
	faults = h.Publish(context.Background(), cycleAt(1030, "T1"))
	assert.Len(t, faults, 1)
	assert.Len(t, third.results, 2)
}

func TestPublishRecoversPanickingSubscriber(t *testing.T) {
	var order []string
	h := NewHub(nil)
	h.Subscribe("a", &recorder{name: "a", log: &order, panics: true})
	h.Subscribe("b", &recorder{name: "b", log: &order})

	faults := h.Publish(context.Background(), cycleAt(1000))
	require.Len(t, faults, 1)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	var order []string
	h := NewHub(nil)

	id, added := h.Subscribe("x", &recorder{name: "x1", log: &order})
	assert.Equal(t, "x", id)
	assert.True(t, added)

	_, added = h.Subscribe("x", &recorder{name: "x2", log: &order})
	assert.False(t, added)
	assert.Equal(t, 1, h.Len())

	h.Publish(context.Background(), cycleAt(1000))
	assert.Equal(t, []string{"x1"}, order)
}

func TestSubscribeGeneratesID(t *testing.T) {
	var order []string
	h := NewHub(nil)
	a, _ := h.Subscribe("", &recorder{log: &order})
	b, _ := h.Subscribe("", &recorder{log: &order})
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, h.Len())
}

func TestUnsubscribe(t *testing.T) {
	var order []string
	h := NewHub(nil)
	h.Subscribe("a", &recorder{name: "a", log: &order})
	h.Subscribe("b", &recorder{name: "b", log: &order})
	h.Subscribe("c", &recorder{name: "c", log: &order})

	h.Unsubscribe("b")
	h.Unsubscribe("missing")

	h.Publish(context.Background(), cycleAt(1000))
	assert.Equal(t, []string{"a", "c"}, order)
	assert.Equal(t, 2, h.Len())
}

func TestLatestStartsEmpty(t *testing.T) {
	h := NewHub(nil)
	assert.True(t, h.Latest().IsEmpty())

	r := cycleAt(1000, "T1")
	h.Publish(context.Background(), r)
	assert.Equal(t, r, h.Latest())
}

func TestReplayToNamedRecipient(t *testing.T) {
	var order []string
	a := &recorder{name: "a", log: &order}
	b := &recorder{name: "b", log: &order}

	h := NewHub(nil)
	h.Subscribe("a", a)
	h.Subscribe("b", b)

	published := cycleAt(1000, "T1", "T2")
	h.Publish(context.Background(), published)
	order = order[:0]

	replayed, faults, err := h.Replay(context.Background(), "b")
	require.NoError(t, err)
	assert.Empty(t, faults)
	assert.Equal(t, published, replayed)
	assert.Equal(t, []string{"b"}, order)
	require.Len(t, b.results, 2)
	assert.Equal(t, published, b.results[1])
	assert.Len(t, a.results, 1)
}

func TestReplayToAll(t *testing.T) {
	var order []string
	h := NewHub(nil)
	h.Subscribe("a", &recorder{name: "a", log: &order})
	h.Subscribe("b", &recorder{name: "b", log: &order})
	h.Publish(context.Background(), cycleAt(1000))
	order = order[:0]

	_, _, err := h.Replay(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestReplayUnknownRecipient(t *testing.T) {
	h := NewHub(nil)
	_, _, err := h.Replay(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownRecipient)
}

func TestRegistryIsSafeDuringPublish(t *testing.T) {
	h := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id, _ := h.Subscribe("", SubscriberFunc(func(context.Context, model.CycleResult) error { return nil }))
				h.Unsubscribe(id)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		h.Publish(context.Background(), cycleAt(int64(i)))
	}
	wg.Wait()
	assert.Equal(t, 0, h.Len())
}

func TestReplayNeverDeliversOlderAfterNewer(t *testing.T) {
	h := NewHub(nil)
	h.Publish(context.Background(), cycleAt(1000, "T1"))

	var mu sync.Mutex
	var seen []int64
	entered := make(chan struct{})
	release := make(chan struct{})
	blocked := false
	h.Subscribe("slow", SubscriberFunc(func(_ context.Context, r model.CycleResult) error {
		mu.Lock()
		block := !blocked
		blocked = true
		mu.Unlock()
		if block {
			close(entered)
			<-release
		}
		mu.Lock()
		seen = append(seen, r.Retrieval())
		mu.Unlock()
		return nil
	}))

	replayed := make(chan struct{})
	go func() {
		defer close(replayed)
		h.Replay(context.Background(), "slow")
	}()
	<-entered

	published := make(chan struct{})
	go func() {
		defer close(published)
		h.Publish(context.Background(), cycleAt(2000, "T1"))
	}()

	select {
	case <-published:
		t.Fatal("Publish delivered while a replay was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-replayed
	<-published

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1000, 2000}, seen)
	assert.Equal(t, int64(2000), h.Latest().Retrieval())
}
