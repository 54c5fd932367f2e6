package tracker

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metro-tracker/internal/clock"
	"metro-tracker/internal/metro"
	"metro-tracker/internal/stations"
)

type fakeStream struct {
	mu     sync.Mutex
	closed int
}

func (f *fakeStream) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeStream) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeTrains struct {
	trains  map[string]metro.TrainEntry
	stream  *fakeStream
	onBatch func(map[string]metro.HistoryEntry)
}

func (f *fakeTrains) GetTrains(context.Context) (map[string]metro.TrainEntry, error) {
	return f.trains, nil
}

func (f *fakeTrains) StreamTrainsHistory(_ context.Context, _ metro.StreamFilter, onBatch func(map[string]metro.HistoryEntry)) (StreamHandle, error) {
	f.stream = &fakeStream{}
	f.onBatch = onBatch
	return f.stream, nil
}

func testLiveResolver() *stations.Resolver {
	return stations.NewResolver(&metro.Constants{
		StationCodes: map[string]string{
			"AAA": "Alpha",
			"BBB": "Bravo",
			"CCC": "Charlie",
		},
	})
}

func timesEntry(location, eventType, destination string) metro.TrainEntry {
	return metro.TrainEntry{Status: metro.TrainStatus{TimesAPI: &metro.TimesStatus{
		LastEvent:           metro.LastEvent{Location: location, Type: eventType},
		PlannedDestinations: []metro.Destination{{Name: destination}},
	}}}
}

func lastSeenEntry(destination, lastSeen string) metro.TrainEntry {
	return metro.TrainEntry{Status: metro.TrainStatus{TrainStatusesAPI: &metro.LastSeenStatus{
		Destination: destination,
		LastSeen:    lastSeen,
	}}}
}

func newLiveTest(t *testing.T, trains map[string]metro.TrainEntry, kind metro.SourceKind) (*LiveSession, *fakeTrains, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	source := &fakeTrains{trains: trains}
	s := NewLiveSession(source, sink, testLiveResolver(), clock.RealClock{}, nil)
	require.NoError(t, s.Start(context.Background(), kind))
	return s, source, sink
}

func TestLiveSessionStartSeedsSnapshot(t *testing.T) {
	s, _, sink := newLiveTest(t, map[string]metro.TrainEntry{
		"201": timesEntry("Bravo", metro.EventDeparted, "Charlie"),
		"202": lastSeenEntry("Alpha", "Arrived at Bravo"), // wrong shape for times-api
	}, metro.SourceTimes)
	defer s.Stop()

	assert.Equal(t, []string{"201"}, s.Candidates(), "only trains exposing the requested shape")
	require.GreaterOrEqual(t, sink.count(), 1)
	assert.Equal(t, []string{"201"}, sink.last().Candidates)
}

func TestLiveSessionSetWatchedRepublishesImmediately(t *testing.T) {
	s, _, sink := newLiveTest(t, map[string]metro.TrainEntry{
		"201": timesEntry("Bravo Platform 1", metro.EventDeparted, "Charlie"),
	}, metro.SourceTimes)
	defer s.Stop()

	before := sink.count()
	s.SetWatched("201")

	require.Greater(t, sink.count(), before)
	got := sink.last()
	assert.Equal(t, "201", got.TRN)
	assert.Equal(t, "BBB", got.Current)
	assert.Equal(t, "CCC", got.To)
	assert.True(t, got.Departed)
}

func TestLiveSessionBatchUpdatesWatched(t *testing.T) {
	s, source, sink := newLiveTest(t, map[string]metro.TrainEntry{
		"201": timesEntry("Alpha", "ARRIVED", "Charlie"),
	}, metro.SourceTimes)
	defer s.Stop()

	s.SetWatched("201")
	require.False(t, sink.last().Departed)

	source.onBatch(map[string]metro.HistoryEntry{
		"201": {Active: true, Status: timesEntry("Alpha", metro.EventDeparted, "Charlie").Status},
	})

	got := sink.last()
	assert.Equal(t, "AAA", got.Current)
	assert.True(t, got.Departed)
}

func TestLiveSessionInactiveRemovesAndReactivationReseeds(t *testing.T) {
	s, source, _ := newLiveTest(t, map[string]metro.TrainEntry{
		"201": timesEntry("Alpha", "ARRIVED", "Charlie"),
		"202": timesEntry("Bravo", "ARRIVED", "Charlie"),
	}, metro.SourceTimes)
	defer s.Stop()

	source.onBatch(map[string]metro.HistoryEntry{"202": {Active: false}})
	assert.Equal(t, []string{"201"}, s.Candidates())

	source.onBatch(map[string]metro.HistoryEntry{
		"202": {Active: true, Status: timesEntry("Charlie", metro.EventDeparted, "Alpha").Status},
	})
	assert.Equal(t, []string{"201", "202"}, s.Candidates())

	s.SetWatched("202")
	got := s.Candidates()
	assert.Contains(t, got, "202", "re-activated train is trackable again")
}

func TestLiveSessionParseFailureIsBestEffort(t *testing.T) {
	s, _, sink := newLiveTest(t, map[string]metro.TrainEntry{
		"201": lastSeenEntry("Charlie", "garbled nonsense"),
	}, metro.SourceTrainStatuses)
	defer s.Stop()

	s.SetWatched("201")

	got := sink.last()
	assert.Equal(t, "CCC", got.To, "destination survives a last-seen parse failure")
	assert.Empty(t, got.Current, "unparseable position stays unset")
	assert.False(t, got.Departed)
}

func TestLiveSessionDepartedFromLastSeen(t *testing.T) {
	s, _, sink := newLiveTest(t, map[string]metro.TrainEntry{
		"201": lastSeenEntry("Charlie", "Departed Bravo at 14:02"),
	}, metro.SourceTrainStatuses)
	defer s.Stop()

	s.SetWatched("201")

	got := sink.last()
	assert.Equal(t, "BBB", got.Current)
	assert.Equal(t, "CCC", got.To)
	assert.True(t, got.Departed)
}

func TestLiveSessionStopClosesStream(t *testing.T) {
	s, source, _ := newLiveTest(t, map[string]metro.TrainEntry{
		"201": timesEntry("Alpha", "ARRIVED", "Charlie"),
	}, metro.SourceTimes)

	s.Stop()
	assert.Equal(t, 1, source.stream.closedCount())
	assert.Empty(t, s.Candidates())

	// Idempotent: a second Stop must not close again or panic.
	s.Stop()
	assert.Equal(t, 1, source.stream.closedCount())
}
