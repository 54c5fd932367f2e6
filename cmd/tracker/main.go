package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"metro-tracker/internal/clock"
	"metro-tracker/internal/config"
	"metro-tracker/internal/history"
	"metro-tracker/internal/metrics"
	"metro-tracker/internal/metro"
	"metro-tracker/internal/publisher"
	"metro-tracker/internal/stations"
	"metro-tracker/internal/tracker"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := metro.NewClient(cfg.ProxyBaseURL, cfg.RequestsPerSec)
	consts, err := client.GetConstants(ctx)
	if err != nil {
		log.Fatalf("fetch proxy constants: %v", err)
	}
	boundaryHour := consts.DayBoundaryHour
	if cfg.DayBoundaryHour >= 0 {
		boundaryHour = cfg.DayBoundaryHour
		client.DayBoundaryHour = boundaryHour
	}
	resolver := stations.NewResolver(consts)
	log.Printf("tracking TRN %s (%d stations, day boundary %02d:00)",
		cfg.TRN, len(consts.StationCodes), boundaryHour)

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrvCancel context.CancelFunc
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(boundaryHour)
		mctx, mcancel := context.WithCancel(ctx)
		metricsSrvCancel = mcancel
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-mctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Projection sinks: NATS always, Postgres archive when configured
	pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
	if err != nil {
		log.Fatalf("nats error: %v", err)
	}
	defer pub.Close()

	sinks := tracker.MultiSink{pub}
	if cfg.DatabaseURL != "" {
		db, err := history.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := history.Ping(ctx, db); err != nil {
			log.Fatalf("db ping error: %v", err)
		}
		recorder, err := history.NewRecorder(ctx, db)
		if err != nil {
			log.Fatalf("db schema error: %v", err)
		}
		sinks = append(sinks, recorder)
		log.Printf("archiving projections to database")
	}

	clk := clock.RealClock{}

	// Exactly one data path runs per session: the timetable scheduler or
	// the live status feed.
	var stop func()
	if cfg.Source == "" {
		session := tracker.NewSyncSession(client, sinks, clk, resolver.Valid, boundaryHour, mcol)
		opts := tracker.Options{Sync: cfg.Sync, Date: cfg.Date}
		if err := session.Start(ctx, cfg.TRN, opts); err != nil {
			log.Fatalf("start timetable session: %v", err)
		}
		log.Printf("timetable session started (sync=%v)", cfg.Sync)
		stop = session.Stop
	} else {
		session := tracker.NewLiveSession(liveSource{client}, sinks, resolver, clk, mcol)
		if err := session.Start(ctx, cfg.Source); err != nil {
			log.Fatalf("start live session: %v", err)
		}
		session.SetWatched(cfg.TRN)
		log.Printf("live session started (source=%s)", cfg.Source)
		stop = session.Stop
	}

	// Block until context cancelled
	<-ctx.Done()
	stop()
	if metricsSrvCancel != nil {
		metricsSrvCancel()
	}
	log.Println("shutdown complete")
}

// liveSource adapts *metro.Client to the tracker's TrainsSource interface.
type liveSource struct {
	c *metro.Client
}

func (l liveSource) GetTrains(ctx context.Context) (map[string]metro.TrainEntry, error) {
	return l.c.GetTrains(ctx)
}

func (l liveSource) StreamTrainsHistory(ctx context.Context, filter metro.StreamFilter, onBatch func(map[string]metro.HistoryEntry)) (tracker.StreamHandle, error) {
	stream, err := l.c.StreamTrainsHistory(ctx, filter, onBatch)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// wrapPublisherMetrics adapts the Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

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
