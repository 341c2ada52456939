package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/nyct-live/tracker/internal/model"
)

func tripUpdateFeed(t *testing.T, ts uint64, tripID string, stops ...*gtfs.TripUpdate_StopTimeUpdate) []byte {
	t.Helper()
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("1.0"), Timestamp: proto.Uint64(ts)},
		Entity: []*gtfs.FeedEntity{{
			Id: proto.String("1"),
			TripUpdate: &gtfs.TripUpdate{
				Trip:           &gtfs.TripDescriptor{TripId: proto.String(tripID), RouteId: proto.String("1")},
				StopTimeUpdate: stops,
			},
		}},
	}
	b, err := proto.Marshal(msg)
	require.NoError(t, err)
	return b
}

func stopAt(stopID string, departure int64) *gtfs.TripUpdate_StopTimeUpdate {
	return &gtfs.TripUpdate_StopTimeUpdate{
		StopId:    proto.String(stopID),
		Departure: &gtfs.TripUpdate_StopTimeEvent{Time: proto.Int64(departure)},
	}
}

type stubFetcher struct {
	mu       sync.Mutex
	payloads map[int][]byte
	errs     map[int]error
	calls    []string
}

func (s *stubFetcher) Fetch(_ context.Context, p Partition) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p.Label)
	if err, ok := s.errs[p.FeedID]; ok {
		return nil, err
	}
	return s.payloads[p.FeedID], nil
}

type recordedFailures struct {
	failures []model.FetchFailure
}

func (r *recordedFailures) RecordFailure(_ context.Context, f model.FetchFailure) error {
	r.failures = append(r.failures, f)
	return nil
}

func newTestPoller(f Fetcher, partitions []Partition, opts Options) (*Poller, *[]time.Duration) {
	p := NewPoller(f, partitions, opts)
	var sleeps []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return p, &sleeps
}

func TestPollCycleIsolatesFailingPartition(t *testing.T) {
	partitions := []Partition{{Label: "A", FeedID: 1}, {Label: "B", FeedID: 2}}
	fetcher := &stubFetcher{
		payloads: map[int][]byte{1: tripUpdateFeed(t, 2000, "T1", stopAt("101N", 1000), stopAt("102N", 1100))},
		errs: map[int]error{2: model.NewFault(model.KindTransport, "B",
			&model.FetchFailure{Partition: "B", FeedID: 2, Reason: "connection refused"})},
	}
	failures := &recordedFailures{}
	p, _ := newTestPoller(fetcher, partitions, Options{Failures: failures})

	result, err := p.PollCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Trips, 1)
	trip := result.Trips[0]
	assert.Equal(t, "T1", trip.TripID)
	assert.Equal(t, "101N", trip.CurrentStop)
	assert.Equal(t, "102N", trip.NextStop)
	assert.Len(t, result.Updates, 2)

	require.Len(t, result.Partitions, 2)
	assert.Empty(t, result.Partitions[0].Fault)
	assert.Equal(t, int64(2000), result.Partitions[0].Timestamp)
	assert.Equal(t, "transport", result.Partitions[1].Fault)

	require.Len(t, failures.failures, 1)
	assert.Equal(t, "connection refused", failures.failures[0].Reason)
}

func TestPollCycleDecodeFailureIsIsolated(t *testing.T) {
	partitions := []Partition{{Label: "A", FeedID: 1}, {Label: "B", FeedID: 2}}
	fetcher := &stubFetcher{payloads: map[int][]byte{
		1: {0xff, 0xff, 0xff},
		2: tripUpdateFeed(t, 2000, "T2", stopAt("201S", 1000)),
	}}
	failures := &recordedFailures{}
	p, _ := newTestPoller(fetcher, partitions, Options{Failures: failures})

	result, err := p.PollCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Trips, 1)
	assert.Equal(t, "T2", result.Trips[0].TripID)
	assert.Equal(t, "decode", result.Partitions[0].Fault)
	require.Len(t, failures.failures, 1)
	assert.Equal(t, "A", failures.failures[0].Partition)
}

func TestPollCyclePacesPartitions(t *testing.T) {
	fetcher := &stubFetcher{}
	p, sleeps := newTestPoller(fetcher, DefaultPartitions, Options{})

	_, err := p.PollCycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, *sleeps, len(DefaultPartitions)-1, "one pause between each pair of partitions")
	for _, d := range *sleeps {
		assert.Equal(t, DefaultPartitionDelay, d)
	}

	want := make([]string, len(DefaultPartitions))
	for i, part := range DefaultPartitions {
		want[i] = part.Label
	}
	assert.Equal(t, want, fetcher.calls)
}

func TestPollCycleSortsTrips(t *testing.T) {
	partitions := []Partition{{Label: "A", FeedID: 1}, {Label: "B", FeedID: 2}}
	fetcher := &stubFetcher{payloads: map[int][]byte{
		1: tripUpdateFeed(t, 2000, "late", stopAt("101N", 1500)),
		2: tripUpdateFeed(t, 2000, "early", stopAt("201N", 1200)),
	}}
	p, _ := newTestPoller(fetcher, partitions, Options{})

	result, err := p.PollCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Trips, 2)
	assert.Equal(t, "early", result.Trips[0].TripID)
	assert.Equal(t, "late", result.Trips[1].TripID)
}

func TestPollCycleStopsWhenContextEnds(t *testing.T) {
	partitions := []Partition{{Label: "A", FeedID: 1}, {Label: "B", FeedID: 2}}
	fetcher := &stubFetcher{}
	p := NewPoller(fetcher, partitions, Options{PartitionDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.PollCycle(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"A"}, fetcher.calls)
}

func TestClientFetch(t *testing.T) {
	payload := []byte{0x0a, 0x00}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		assert.Equal(t, "26", r.URL.Query().Get("feed_id"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		w.Write(payload)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 0)
	body, err := c.Fetch(context.Background(), Partition{Label: "ACEHS", FeedID: 26})
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", 10*time.Second)
	body, err := c.Fetch(context.Background(), Partition{Label: "G", FeedID: 31})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), body)
	assert.Equal(t, 2, attempts)
}

func TestClientClientErrorIsPermanent(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.Header().Set("X-Reason", "bad key")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("forbidden"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wrong", 10*time.Second)
	_, err := c.Fetch(context.Background(), Partition{Label: "L", FeedID: 2})
	require.Error(t, err)
	assert.Equal(t, model.KindTransport, model.KindOf(err))

	failure, ok := AsFetchFailure(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, failure.StatusCode)
	assert.Equal(t, "forbidden", failure.Content)
	assert.Equal(t, "bad key", failure.Headers["X-Reason"])
	assert.Contains(t, failure.URL, "key=REDACTED")
	assert.NotContains(t, failure.URL, "wrong")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}
