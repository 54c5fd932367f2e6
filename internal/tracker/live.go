package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"metro-tracker/internal/clock"
	"metro-tracker/internal/metrics"
	"metro-tracker/internal/metro"
	"metro-tracker/internal/stations"
)

// StreamHandle is an open history subscription; Close must block until no
// further callbacks will run.
type StreamHandle interface {
	Close()
}

// TrainsSource provides the live train snapshot and history stream. The
// daemon wraps *metro.Client into this; tests supply fakes.
type TrainsSource interface {
	GetTrains(ctx context.Context) (map[string]metro.TrainEntry, error)
	StreamTrainsHistory(ctx context.Context, filter metro.StreamFilter, onBatch func(map[string]metro.HistoryEntry)) (StreamHandle, error)
}

// LiveStatus is the canonical per-train record both upstream shapes
// normalize into. Current and Destination carry station display names;
// resolution to codes happens at publish time. A nil Departed means the
// report did not say.
type LiveStatus struct {
	Destination string
	Current     string
	Platform    int
	Departed    *bool
}

// LiveSession maintains the registry of active trains from the live feed
// and republishes the projection whenever the watched TRN's status changes.
type LiveSession struct {
	source   TrainsSource
	sink     Sink
	resolver *stations.Resolver
	clk      clock.Clock
	metrics  *metrics.Collector

	mu       sync.Mutex
	watched  string
	registry map[string]LiveStatus
	possible map[string]struct{}
	proj     Projection
	stream   StreamHandle
}

func NewLiveSession(source TrainsSource, sink Sink, resolver *stations.Resolver, clk clock.Clock, m *metrics.Collector) *LiveSession {
	return &LiveSession{
		source:   source,
		sink:     sink,
		resolver: resolver,
		clk:      clk,
		metrics:  m,
		registry: make(map[string]LiveStatus),
		possible: make(map[string]struct{}),
	}
}

// Start seeds the registry from a full snapshot, restricted to trains that
// expose the requested source's status shape, then subscribes to the
// incremental history stream.
func (s *LiveSession) Start(ctx context.Context, kind metro.SourceKind) error {
	s.closeStream()

	trains, err := s.source.GetTrains(ctx)
	if err != nil {
		return fmt.Errorf("fetch trains snapshot: %w", err)
	}

	s.mu.Lock()
	s.registry = make(map[string]LiveStatus)
	s.possible = make(map[string]struct{})
	for trn, entry := range trains {
		if !entry.Status.Has(kind) {
			continue
		}
		s.upsertLocked(trn, kind, entry.Status)
	}
	s.publishLocked()
	s.mu.Unlock()

	prop := "status.timesAPI"
	if kind == metro.SourceTrainStatuses {
		prop = "status.trainStatusesAPI"
	}
	stream, err := s.source.StreamTrainsHistory(ctx, metro.StreamFilter{TrainProps: []string{prop}}, func(batch map[string]metro.HistoryEntry) {
		s.onBatch(kind, batch)
	})
	if err != nil {
		return fmt.Errorf("subscribe to history stream: %w", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	return nil
}

// SetWatched switches the watched TRN. A status already held in the
// registry is republished immediately rather than waiting for the next
// upstream event.
func (s *LiveSession) SetWatched(trn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watched = trn
	s.proj.TRN = trn
	if status, ok := s.registry[trn]; ok {
		s.mergeLocked(status)
		s.publishLocked()
	}
}

// Stop closes the subscription and clears the registry. Idempotent; no
// stream callback runs after it returns.
func (s *LiveSession) Stop() {
	s.closeStream()
	s.mu.Lock()
	s.registry = make(map[string]LiveStatus)
	s.possible = make(map[string]struct{})
	s.proj = Projection{}
	s.watched = ""
	s.mu.Unlock()
}

// Candidates returns the TRNs currently active in the feed, sorted.
func (s *LiveSession) Candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidatesLocked()
}

func (s *LiveSession) closeStream() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

func (s *LiveSession) onBatch(kind metro.SourceKind, batch map[string]metro.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.LiveBatches.Inc()
		s.metrics.LiveEntries.Add(float64(len(batch)))
	}
	watchedChanged := false
	for trn, entry := range batch {
		if !entry.Active {
			delete(s.registry, trn)
			delete(s.possible, trn)
			continue
		}
		s.upsertLocked(trn, kind, entry.Status)
		if trn == s.watched {
			watchedChanged = true
		}
	}
	if watchedChanged {
		s.mergeLocked(s.registry[s.watched])
	}
	s.publishLocked()
	if s.metrics != nil {
		s.metrics.CandidateTrains.Set(float64(len(s.possible)))
	}
}

func (s *LiveSession) upsertLocked(trn string, kind metro.SourceKind, status metro.TrainStatus) {
	normalized, ok := normalizeStatus(kind, status)
	if !ok && s.metrics != nil {
		s.metrics.ParseFailures.Inc()
	}
	s.registry[trn] = normalized
	s.possible[trn] = struct{}{}
}

// mergeLocked folds a status into the projection field by field. Fields the
// report could not supply keep their previous value; the merge never fails.
func (s *LiveSession) mergeLocked(status LiveStatus) {
	if status.Destination != "" {
		if code, ok := s.resolver.CodeForName(status.Destination, 0); ok {
			s.proj.To = code
		}
	}
	if status.Current != "" {
		if code, ok := s.resolver.CodeForName(status.Current, status.Platform); ok {
			s.proj.Current = code
		}
	}
	if status.Departed != nil {
		s.proj.Departed = *status.Departed
	}
}

func (s *LiveSession) publishLocked() {
	s.proj.TRN = s.watched
	s.proj.Candidates = s.candidatesLocked()
	s.proj.UpdatedAt = s.clk.Now()
	start := time.Now()
	s.sink.Publish(s.proj)
	if s.metrics != nil {
		s.metrics.ObservePublish(time.Since(start))
	}
}

func (s *LiveSession) candidatesLocked() []string {
	trns := make([]string, 0, len(s.possible))
	for trn := range s.possible {
		trns = append(trns, trn)
	}
	sort.Strings(trns)
	return trns
}

// normalizeStatus unifies the two upstream shapes into one LiveStatus. The
// bool reports whether every available field parsed; a false still returns
// the fields that did.
func normalizeStatus(kind metro.SourceKind, status metro.TrainStatus) (LiveStatus, bool) {
	switch kind {
	case metro.SourceTimes:
		t := status.TimesAPI
		if t == nil {
			return LiveStatus{}, false
		}
		var normalized LiveStatus
		ok := true
		if len(t.PlannedDestinations) > 0 {
			normalized.Destination = t.PlannedDestinations[0].Name
		}
		if loc, parsed := metro.ParseTimesLocation(t.LastEvent.Location); parsed {
			normalized.Current = loc.Station
			normalized.Platform = loc.Platform
		} else {
			ok = false
		}
		departed := t.LastEvent.Type == metro.EventDeparted
		normalized.Departed = &departed
		return normalized, ok
	case metro.SourceTrainStatuses:
		t := status.TrainStatusesAPI
		if t == nil {
			return LiveStatus{}, false
		}
		normalized := LiveStatus{Destination: t.Destination}
		seen, parsed := metro.ParseLastSeen(t.LastSeen)
		if !parsed {
			return normalized, false
		}
		normalized.Current = seen.Station
		normalized.Platform = seen.Platform
		departed := seen.State == metro.StateDeparted
		normalized.Departed = &departed
		return normalized, true
	}
	return LiveStatus{}, false
}
