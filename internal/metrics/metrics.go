package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ProjectionsPublished prometheus.Counter
	TimerWakes           prometheus.Counter
	RolloverRefetches    *prometheus.CounterVec // result label: ok|error

	LiveBatches   prometheus.Counter
	LiveEntries   prometheus.Counter
	ParseFailures prometheus.Counter

	CandidateTrains prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	PublishDuration prometheus.Histogram

	DayBoundaryHour prometheus.Gauge
}

func NewCollector(dayBoundaryHour int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ProjectionsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_projections_published_total",
			Help: "Total projection updates published to sinks.",
		}),
		TimerWakes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_timer_wakes_total",
			Help: "Total scheduler timer firings.",
		}),
		RolloverRefetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_rollover_refetches_total",
			Help: "Candidate TRN re-fetches triggered by service day rollover.",
		}, []string{"result"}),
		LiveBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_live_batches_total",
			Help: "Total history stream batches received.",
		}),
		LiveEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_live_entries_total",
			Help: "Total train entries processed from history batches.",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_status_parse_failures_total",
			Help: "Upstream status fields that could not be parsed.",
		}),
		CandidateTrains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_candidate_trains",
			Help: "Number of TRNs currently offered for tracking.",
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
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a projection.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		DayBoundaryHour: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_day_boundary_hour",
			Help: "Configured service day boundary hour.",
		}),
	}

	reg.MustRegister(
		c.ProjectionsPublished, c.TimerWakes, c.RolloverRefetches,
		c.LiveBatches, c.LiveEntries, c.ParseFailures,
		c.CandidateTrains,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.PublishDuration, c.DayBoundaryHour,
	)

	c.DayBoundaryHour.Set(float64(dayBoundaryHour))

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
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// ObservePublish records one projection publish and its duration.
func (c *Collector) ObservePublish(d time.Duration) {
	if c == nil {
		return
	}
	c.ProjectionsPublished.Inc()
	c.PublishDuration.Observe(d.Seconds())
}
