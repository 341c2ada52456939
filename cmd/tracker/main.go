package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nyct-live/tracker/internal/api"
	"github.com/nyct-live/tracker/internal/broadcast"
	"github.com/nyct-live/tracker/internal/config"
	"github.com/nyct-live/tracker/internal/db"
	"github.com/nyct-live/tracker/internal/metrics"
	"github.com/nyct-live/tracker/internal/model"
	"github.com/nyct-live/tracker/internal/publisher"
	"github.com/nyct-live/tracker/internal/realtime/aggregate"
	"github.com/nyct-live/tracker/internal/realtime/poller"
	"github.com/nyct-live/tracker/internal/scheduler"
	"github.com/nyct-live/tracker/internal/static"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("Starting NYCT tracker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded: poll_interval=%v, partitions=%d, retention=%v",
		cfg.PollInterval, len(cfg.Partitions), cfg.RetentionDuration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════
	// PHASE 1: Static reference data
	// ═══════════════════════════════════════════════════════
	if err := static.RefreshIfStale(ctx, cfg); err != nil {
		log.Printf("Warning: static data refresh failed: %v", err)
	}

	var stops aggregate.StopResolver
	staticData, err := static.Load(cfg.MetadataDir)
	if err != nil {
		log.Printf("Warning: static data unavailable, train statuses will be empty: %v", err)
	} else {
		stops = staticData.Stops
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Storage and metrics
	// ═══════════════════════════════════════════════════════
	store, err := db.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()

	collector := metrics.NewCollector()
	if cfg.MetricsAddr != "" {
		metricsSrv := collector.Serve(cfg.MetricsAddr)
		defer metricsSrv.Close()
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Hub and subscribers
	// ═══════════════════════════════════════════════════════
	hub := broadcast.NewHub(&hubMetrics{c: collector})
	hub.Subscribe("db", db.NewPersister(store, cfg.RetentionDuration))

	if cfg.NATSURL != "" {
		nats, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, &pubMetrics{c: collector})
		if err != nil {
			log.Printf("Warning: NATS unavailable, continuing without it: %v", err)
		} else {
			defer nats.Close()
			hub.Subscribe(publisher.SubscriberID, nats)
			if err := nats.ListenReplay(ctx, hub); err != nil {
				log.Printf("Warning: %v", err)
			}
		}
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 4: Poller and worker
	// ═══════════════════════════════════════════════════════
	client := poller.NewClient(cfg.FeedURL, cfg.APIKey, cfg.RetryMaxElapsed)
	p := poller.NewPoller(client, cfg.Partitions, poller.Options{
		PartitionDelay: cfg.PartitionDelay,
		Stops:          stops,
		Failures:       store,
		Metrics:        &pollMetrics{c: collector},
	})

	worker := scheduler.NewWorker(p.PollCycle, hub, cfg.PollInterval, scheduler.Options{
		IdleFloor: cfg.IdleFloor,
		Metrics:   &cycleMetrics{c: collector},
	})
	if err := worker.Start(); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}
	defer worker.Stop()

	// Daily static freshness check; the loaded tables stay in use until restart
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := static.RefreshIfStale(ctx, cfg); err != nil {
					log.Printf("Static: refresh failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// ═══════════════════════════════════════════════════════
	// PHASE 5: HTTP API until shutdown
	// ═══════════════════════════════════════════════════════
	router := api.NewRouter(api.Options{
		Source:      hub,
		Static:      staticData,
		Failures:    store,
		Metrics:     collector.Handler(),
		Clients:     &clientMetrics{c: collector},
		CORSOrigins: cfg.CORSOrigins,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	if err := api.Serve(ctx, srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("API server failed: %v", err)
		stop()
		worker.Stop()
		store.Close()
		os.Exit(1)
	}

	log.Println("Shutting down...")
}

// Adapters from the per-package metrics interfaces to the Prometheus collector

type pollMetrics struct{ c *metrics.Collector }

func (m *pollMetrics) PartitionFetched(partition string, entities, trips, fieldFaults int, elapsed time.Duration) {
	m.c.PartitionFetches.WithLabelValues(partition, "ok").Inc()
	m.c.PartitionDuration.WithLabelValues(partition).Observe(elapsed.Seconds())
	m.c.PartitionEntities.WithLabelValues(partition).Set(float64(entities))
	m.c.PartitionTrips.WithLabelValues(partition).Set(float64(trips))
	if fieldFaults > 0 {
		m.c.FieldFaults.WithLabelValues(partition).Add(float64(fieldFaults))
	}
}

func (m *pollMetrics) PartitionFailed(partition string, kind model.FaultKind, elapsed time.Duration) {
	m.c.PartitionFetches.WithLabelValues(partition, kind.String()).Inc()
	m.c.PartitionDuration.WithLabelValues(partition).Observe(elapsed.Seconds())
}

type cycleMetrics struct{ c *metrics.Collector }

func (m *cycleMetrics) CycleCompleted(r model.CycleResult, elapsed time.Duration) {
	m.c.Cycles.WithLabelValues("ok").Inc()
	m.c.CycleDuration.Observe(elapsed.Seconds())
	m.c.CycleTrips.Set(float64(len(r.Trips)))
	m.c.CycleStatuses.Set(float64(len(r.Statuses)))
}

func (m *cycleMetrics) CycleFailed(elapsed time.Duration) {
	m.c.Cycles.WithLabelValues("error").Inc()
	m.c.CycleDuration.Observe(elapsed.Seconds())
}

type hubMetrics struct{ c *metrics.Collector }

func (m *hubMetrics) SubscribersChanged(n int)  { m.c.Subscribers.Set(float64(n)) }
func (m *hubMetrics) SubscriberFailed(_ string) { m.c.SubscriberFaults.Inc() }

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()  { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc() { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

type clientMetrics struct{ c *metrics.Collector }

func (m *clientMetrics) ClientConnected()    { m.c.WebsocketClients.Inc() }
func (m *clientMetrics) ClientDisconnected() { m.c.WebsocketClients.Dec() }
