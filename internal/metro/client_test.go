package metro

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetConstants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/constants", r.URL.Path)
		fmt.Fprint(w, `{"newDayHour":3,"stationCodes":{"WTL":"Whitley Bay"},"nisStations":["GHD"]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100)
	consts, err := c.GetConstants(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, consts.DayBoundaryHour)
	assert.Equal(t, 3, c.DayBoundaryHour, "client adopts the proxy's boundary hour")
	assert.Equal(t, "Whitley Bay", consts.StationCodes["WTL"])
	assert.Equal(t, []string{"GHD"}, consts.NISStations)
}

func TestGetTimetable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/timetable", r.URL.Path)
		assert.Equal(t, "101", r.URL.Query().Get("trn"))
		assert.Equal(t, "2026-03-14", r.URL.Query().Get("date"))
		fmt.Fprint(w, `{"trains":{"101":[
			{"location":"AAA 2","destination":"CCC","departureTime":"060000"},
			{"location":"BBB","destination":"CCC","arrivalTime":"061000","departureTime":"061100"},
			{"location":"CCC 1","destination":"CCC","arrivalTime":"002000"}
		]}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100)
	trains, err := c.GetTimetable(context.Background(), TimetableQuery{
		TRN:  "101",
		Date: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	records := trains["101"]
	require.Len(t, records, 3)

	assert.Nil(t, records[0].Arrival, "missing arrival marks a route origin")
	require.NotNil(t, records[0].Departure)
	assert.Equal(t, 6*3600, *records[0].Departure)

	require.NotNil(t, records[1].Arrival)
	assert.Equal(t, 6*3600+600, *records[1].Arrival)

	// 00:20 is past midnight, so it lands 24h into the service day.
	require.NotNil(t, records[2].Arrival)
	assert.Equal(t, 24*3600+20*60, *records[2].Arrival)
	assert.Nil(t, records[2].Departure, "missing departure marks a terminus")
}

func TestGetTimetableBadTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"trains":{"101":[{"location":"AAA","arrivalTime":"banana"}]}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100)
	_, err := c.GetTimetable(context.Background(), TimetableQuery{TRN: "101"})
	assert.Error(t, err)
}

func TestGetTrains(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/trains", r.URL.Path)
		fmt.Fprint(w, `{"trains":{"201":{"status":{"timesAPI":{
			"lastEvent":{"location":"Monument Platform 3","type":"DEPARTED"},
			"plannedDestinations":[{"name":"South Shields"}]
		}}}}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100)
	trains, err := c.GetTrains(context.Background())
	require.NoError(t, err)

	entry, ok := trains["201"]
	require.True(t, ok)
	require.True(t, entry.Status.Has(SourceTimes))
	assert.Equal(t, "DEPARTED", entry.Status.TimesAPI.LastEvent.Type)
	assert.Equal(t, "South Shields", entry.Status.TimesAPI.PlannedDestinations[0].Name)
}

func TestGetJSONErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100)
	_, err := c.GetTrains(context.Background())
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
}

func TestStreamTrainsHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/trains/history/stream", r.URL.Path)
		assert.Equal(t, "status.timesAPI", r.URL.Query().Get("trainProps"))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"201\":{\"active\":true,\"status\":{}}}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"201\":{\"active\":false,\"status\":{}}}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	batches := make(chan map[string]HistoryEntry, 4)
	c := NewClient(srv.URL, 100)
	stream, err := c.StreamTrainsHistory(context.Background(),
		StreamFilter{TrainProps: []string{"status.timesAPI"}},
		func(batch map[string]HistoryEntry) {
			// Non-blocking: the stream reconnects and replays after the
			// server handler returns, and Close must never wait on us.
			select {
			case batches <- batch:
			default:
			}
		})
	require.NoError(t, err)
	defer stream.Close()

	first := <-batches
	require.Contains(t, first, "201")
	assert.True(t, first["201"].Active)

	second := <-batches
	assert.False(t, second["201"].Active)
}

func TestStreamTrainsHistoryConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 100)
	_, err := c.StreamTrainsHistory(context.Background(), StreamFilter{}, func(map[string]HistoryEntry) {})
	assert.Error(t, err, "a failed initial connect surfaces instead of a dead feed")
}
