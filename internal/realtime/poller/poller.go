// Package poller runs one poll cycle across every feed partition.
package poller

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nyct-live/tracker/internal/metrics"
	"github.com/nyct-live/tracker/internal/model"
	"github.com/nyct-live/tracker/internal/realtime/aggregate"
	"github.com/nyct-live/tracker/internal/realtime/nyct"
)

// DefaultPartitionDelay is the pause between consecutive partition requests the upstream expects
const DefaultPartitionDelay = 250 * time.Millisecond

// Fetcher returns the raw payload of one partition
type Fetcher interface {
	Fetch(ctx context.Context, p Partition) ([]byte, error)
}

// FailureRecorder keeps failed fetches for later inspection
type FailureRecorder interface {
	RecordFailure(ctx context.Context, f model.FetchFailure) error
}

// Metrics receives per-partition outcomes
type Metrics interface {
	PartitionFetched(partition string, entities, trips, fieldFaults int, elapsed time.Duration)
	PartitionFailed(partition string, kind model.FaultKind, elapsed time.Duration)
}

// Options tune a Poller. Zero values select defaults.
type Options struct {
	PartitionDelay time.Duration
	Stops          aggregate.StopResolver
	Failures       FailureRecorder
	Metrics        Metrics
	Baseline       *metrics.PartitionBaseline
}

// Poller fetches, decodes and aggregates all partitions, one at a time
type Poller struct {
	fetcher    Fetcher
	partitions []Partition
	delay      time.Duration
	stops      aggregate.StopResolver
	failures   FailureRecorder
	metrics    Metrics
	baseline   *metrics.PartitionBaseline

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller over partitions in the given order
func NewPoller(fetcher Fetcher, partitions []Partition, opts Options) *Poller {
	delay := opts.PartitionDelay
	if delay <= 0 {
		delay = DefaultPartitionDelay
	}
	baseline := opts.Baseline
	if baseline == nil {
		baseline = metrics.NewPartitionBaseline()
	}
	return &Poller{
		fetcher:    fetcher,
		partitions: partitions,
		delay:      delay,
		stops:      opts.Stops,
		failures:   opts.Failures,
		metrics:    opts.Metrics,
		baseline:   baseline,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// PollCycle runs one cycle. A failing partition is logged and left out of the result;
// the only error returned is ctx's, when the cycle was abandoned part way.
func (p *Poller) PollCycle(ctx context.Context) (model.CycleResult, error) {
	result := model.CycleResult{
		PolledAt:   p.now().UTC(),
		Trips:      []model.Trip{},
		Updates:    []model.StopTimeUpdate{},
		Unknown:    []model.UnknownEntity{},
		Partitions: make([]model.PartitionReport, 0, len(p.partitions)),
	}

	for i, part := range p.partitions {
		if i > 0 {
			if err := p.sleep(ctx, p.delay); err != nil {
				return result, fmt.Errorf("cycle interrupted before %s: %w", part.Label, err)
			}
		}

		report, contribution := p.pollPartition(ctx, part)
		result.Partitions = append(result.Partitions, report)
		result.Trips = append(result.Trips, contribution.Trips...)
		result.Updates = append(result.Updates, contribution.Updates...)
		result.Unknown = append(result.Unknown, contribution.Unknown...)
	}

	aggregate.SortTrips(result.Trips)
	aggregate.SortUpdates(result.Updates)
	result.Statuses = aggregate.DeriveStatuses(result.Trips, p.stops)

	log.Printf("Poller: cycle done, %d trips, %d updates, %d statuses, %d unknown",
		len(result.Trips), len(result.Updates), len(result.Statuses), len(result.Unknown))
	return result, nil
}

func (p *Poller) pollPartition(ctx context.Context, part Partition) (model.PartitionReport, aggregate.Contribution) {
	start := p.now()
	report := model.PartitionReport{Label: part.Label, FeedID: part.FeedID}

	body, err := p.fetcher.Fetch(ctx, part)
	if err != nil {
		p.fail(ctx, &report, start, err)
		return report, aggregate.Contribution{}
	}

	feed, err := nyct.Decode(body)
	if err != nil {
		p.fail(ctx, &report, start, err)
		return report, aggregate.Contribution{}
	}

	for _, f := range feed.Faults {
		log.Printf("Poller: %s: skipped %v", part.Label, f)
	}

	c := aggregate.Fold(feed)
	report.Timestamp = feed.Timestamp
	report.Entities = len(feed.Entities)
	report.Trips = len(c.Trips)
	report.Elapsed = p.now().Sub(start)

	if p.metrics != nil {
		p.metrics.PartitionFetched(part.Label, report.Entities, report.Trips, len(feed.Faults), report.Elapsed)
	}
	if s := p.baseline.Observe(part.Label, report.Trips); s.Low {
		log.Printf("Poller: %s returned %d trips, usually %.0f (±%.1f over %d cycles)",
			part.Label, s.Count, s.Mean, s.StdDev, s.Samples)
	}

	return report, c
}

func (p *Poller) fail(ctx context.Context, report *model.PartitionReport, start time.Time, err error) {
	report.Elapsed = p.now().Sub(start)
	kind := model.KindOf(err)
	if kind == 0 {
		kind = model.KindTransport
	}
	report.Fault = kind.String()

	log.Printf("Poller: %s (feed %d) failed: %v", report.Label, report.FeedID, err)
	if p.metrics != nil {
		p.metrics.PartitionFailed(report.Label, kind, report.Elapsed)
	}
	if p.failures == nil {
		return
	}

	failure, ok := AsFetchFailure(err)
	if !ok {
		failure = &model.FetchFailure{
			Partition:  report.Label,
			FeedID:     report.FeedID,
			StatusCode: 200,
			Reason:     err.Error(),
			Elapsed:    report.Elapsed,
			At:         start.UTC(),
		}
	}
	if err := p.failures.RecordFailure(ctx, *failure); err != nil {
		log.Printf("Poller: failed to record %s failure: %v", report.Label, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
