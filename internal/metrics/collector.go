package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the tracker's Prometheus registry
type Collector struct {
	reg *prometheus.Registry

	Cycles        *prometheus.CounterVec // result label: ok|error
	CycleDuration prometheus.Histogram

	PartitionFetches  *prometheus.CounterVec // partition, result labels
	PartitionDuration *prometheus.HistogramVec
	PartitionEntities *prometheus.GaugeVec
	PartitionTrips    *prometheus.GaugeVec
	FieldFaults       *prometheus.CounterVec // partition label

	CycleTrips    prometheus.Gauge
	CycleStatuses prometheus.Gauge

	Subscribers      prometheus.Gauge
	SubscriberFaults prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	WebsocketClients prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_cycles_total",
			Help: "Poll cycles run, by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_cycle_duration_seconds",
			Help:    "Duration of a full poll cycle including fan-out.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		PartitionFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_partition_fetches_total",
			Help: "Partition fetches, by partition and result (ok or fault kind).",
		}, []string{"partition", "result"}),
		PartitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_partition_duration_seconds",
			Help:    "Fetch and decode duration per partition.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"partition"}),
		PartitionEntities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracker_partition_entities",
			Help: "Entities decoded from the last successful fetch of a partition.",
		}, []string{"partition"}),
		PartitionTrips: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tracker_partition_trips",
			Help: "Trips aggregated from the last successful fetch of a partition.",
		}, []string{"partition"}),
		FieldFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_field_faults_total",
			Help: "Malformed entities or stop-time entries skipped while decoding.",
		}, []string{"partition"}),
		CycleTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_cycle_trips",
			Help: "Trips in the latest cycle result.",
		}),
		CycleStatuses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_cycle_train_statuses",
			Help: "Train statuses derived in the latest cycle result.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_subscribers",
			Help: "Registered broadcast subscribers.",
		}),
		SubscriberFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_subscriber_faults_total",
			Help: "Subscriber deliveries that failed or panicked.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_websocket_clients",
			Help: "Connected websocket clients.",
		}),
	}

	reg.MustRegister(
		c.Cycles, c.CycleDuration,
		c.PartitionFetches, c.PartitionDuration, c.PartitionEntities, c.PartitionTrips, c.FieldFaults,
		c.CycleTrips, c.CycleStatuses,
		c.Subscribers, c.SubscriberFaults,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.WebsocketClients,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics: server error: %v", err)
		}
	}()
	log.Printf("Metrics: listening on %s", addr)
	return srv
}
