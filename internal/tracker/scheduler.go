package tracker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"metro-tracker/internal/clock"
	"metro-tracker/internal/metrics"
	"metro-tracker/internal/metro"
	"metro-tracker/internal/servicetime"
)

// TimetableSource provides the per-day timetable. *metro.Client satisfies
// it; tests supply fakes.
type TimetableSource interface {
	GetTimetable(ctx context.Context, q metro.TimetableQuery) (map[string][]metro.RawStopRecord, error)
}

// Options selects the scheduler's reference time mode. With Sync the
// reference tracks the wall clock and the projection advances autonomously;
// otherwise the projection is computed once for Date.
type Options struct {
	Sync bool
	Date time.Time
}

// SyncSession owns a normalized event list and advances the projection
// exactly at each event boundary. Every wake deadline is recomputed from
// the injected clock, never accumulated, so timing error cannot build up
// over a service day.
type SyncSession struct {
	source       TimetableSource
	sink         Sink
	clk          clock.Clock
	valid        func(string) bool
	boundaryHour int
	metrics      *metrics.Collector

	mu             sync.Mutex
	trn            string
	events         []Event
	candidates     []string
	lastServiceDay time.Time
	lastPublished  int // index into events, -1 when nothing published yet
	cancelWake     context.CancelFunc
	wg             sync.WaitGroup
}

func NewSyncSession(source TimetableSource, sink Sink, clk clock.Clock, valid func(string) bool, boundaryHour int, m *metrics.Collector) *SyncSession {
	return &SyncSession{
		source:        source,
		sink:          sink,
		clk:           clk,
		valid:         valid,
		boundaryHour:  boundaryHour,
		metrics:       m,
		lastPublished: -1,
	}
}

// Start loads and normalizes the timetable for trn, refreshes the candidate
// TRN set for the day, and applies opts. On fetch failure the previously
// loaded session state is left untouched.
func (s *SyncSession) Start(ctx context.Context, trn string, opts Options) error {
	s.stopWake()

	ref := opts.Date
	if opts.Sync && ref.IsZero() {
		ref = s.clk.Now()
	}
	day := servicetime.ServiceDay(ref, s.boundaryHour)

	timetable, err := s.source.GetTimetable(ctx, metro.TimetableQuery{TRN: trn, Date: day})
	if err != nil {
		return fmt.Errorf("fetch timetable for %s: %w", trn, err)
	}
	events := NormalizeTimetable(timetable[trn], s.valid)
	if len(events) == 0 {
		log.Printf("no timetable events for %s on %s", trn, day.Format("2006-01-02"))
	}

	candidates, err := s.fetchCandidates(ctx, day)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.trn = trn
	s.events = events
	s.candidates = candidates
	s.lastServiceDay = day
	s.lastPublished = -1
	s.mu.Unlock()

	return s.SetOptions(ctx, opts)
}

// SetOptions recomputes the current projection for the new reference time
// and, in sync mode, re-arms the wake timer for the next event. Calling it
// twice with the same options publishes the same projection.
func (s *SyncSession) SetOptions(ctx context.Context, opts Options) error {
	s.stopWake()

	ref := opts.Date
	if opts.Sync {
		ref = s.clk.Now()
	}
	refSecs := servicetime.DateToSeconds(ref, s.boundaryHour)
	day := servicetime.ServiceDay(ref, s.boundaryHour)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastServiceDay.IsZero() && !day.Equal(s.lastServiceDay) {
		s.lastServiceDay = day
		// The re-fetch must not delay or invalidate the projection for
		// the already loaded train, so it runs off to the side and a
		// failure is only logged.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.refreshCandidates(ctx, day); err != nil {
				log.Printf("candidate TRN refresh after rollover: %v", err)
				if s.metrics != nil {
					s.metrics.RolloverRefetches.WithLabelValues("error").Inc()
				}
				return
			}
			if s.metrics != nil {
				s.metrics.RolloverRefetches.WithLabelValues("ok").Inc()
			}
		}()
	}

	if len(s.events) == 0 {
		return nil
	}

	idx := s.scanLocked(refSecs)
	if idx > 0 {
		s.publishLocked(idx - 1)
	}
	if idx >= len(s.events) {
		log.Printf("timetable exhausted for %s: last event %s", s.trn, servicetime.Format(s.events[len(s.events)-1].TimeSeconds))
		return nil
	}

	if opts.Sync {
		wctx, cancel := context.WithCancel(ctx)
		s.cancelWake = cancel
		s.wg.Add(1)
		go s.runWake(wctx)
	}
	return nil
}

// Stop cancels any pending wake and clears the session. Safe to call
// repeatedly and when no session is active; no wake publishes after it
// returns.
func (s *SyncSession) Stop() {
	s.stopWake()
	s.mu.Lock()
	s.trn = ""
	s.events = nil
	s.candidates = nil
	s.lastServiceDay = time.Time{}
	s.lastPublished = -1
	s.mu.Unlock()
}

// Candidates returns the current candidate TRN set.
func (s *SyncSession) Candidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.candidates))
	copy(out, s.candidates)
	return out
}

func (s *SyncSession) stopWake() {
	s.mu.Lock()
	cancel := s.cancelWake
	s.cancelWake = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// runWake sleeps until the next event boundary, publishes, and re-arms
// until the list is exhausted or the session stops. The current event is
// always recomputed by a full scan against the live clock, so events missed
// during a suspension are skipped, not replayed.
func (s *SyncSession) runWake(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := servicetime.DateToSeconds(s.clk.Now(), s.boundaryHour)

		s.mu.Lock()
		idx := s.scanLocked(now)
		if idx > 0 && idx-1 > s.lastPublished {
			// The clock moved past an event boundary since the last scan.
			s.publishLocked(idx - 1)
		}
		if idx >= len(s.events) {
			trn := s.trn
			s.mu.Unlock()
			log.Printf("timetable exhausted for %s", trn)
			return
		}
		next := s.events[idx]
		s.mu.Unlock()

		timer := time.NewTimer(time.Duration(next.TimeSeconds-now) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if s.metrics != nil {
			s.metrics.TimerWakes.Inc()
		}
	}
}

// scanLocked returns the index of the first event strictly after refSecs.
// An event exactly at the reference time counts as already reached.
func (s *SyncSession) scanLocked(refSecs int) int {
	for i, e := range s.events {
		if e.TimeSeconds > refSecs {
			return i
		}
	}
	return len(s.events)
}

func (s *SyncSession) publishLocked(idx int) {
	e := s.events[idx]
	s.lastPublished = idx
	candidates := make([]string, len(s.candidates))
	copy(candidates, s.candidates)
	start := time.Now()
	s.sink.Publish(Projection{
		TRN:        s.trn,
		From:       e.From,
		To:         e.Destination,
		Current:    e.Station,
		Departed:   e.Departed,
		Candidates: candidates,
		UpdatedAt:  s.clk.Now(),
	})
	if s.metrics != nil {
		s.metrics.ObservePublish(time.Since(start))
	}
}

// fetchCandidates lists the TRNs timetabled for the given service day.
// Limit 1 keeps the payload down: only the keys matter here.
func (s *SyncSession) fetchCandidates(ctx context.Context, day time.Time) ([]string, error) {
	timetable, err := s.source.GetTimetable(ctx, metro.TimetableQuery{Date: day, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("fetch timetabled TRNs: %w", err)
	}
	trns := make([]string, 0, len(timetable))
	for trn := range timetable {
		trns = append(trns, trn)
	}
	sort.Strings(trns)
	return trns, nil
}

func (s *SyncSession) refreshCandidates(ctx context.Context, day time.Time) error {
	trns, err := s.fetchCandidates(ctx, day)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.candidates = trns
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.CandidateTrains.Set(float64(len(trns)))
	}
	return nil
}
