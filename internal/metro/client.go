package metro

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"metro-tracker/internal/servicetime"
)

// Client talks to the metro proxy API. All requests go through a shared
// rate limiter so a misbehaving session cannot hammer the proxy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout: SSE connections are long-lived.
	streamClient *http.Client
	limiter      *rate.Limiter

	// DayBoundaryHour is used to decode timetable wire times. It defaults
	// to 4 and is normally overwritten from GetConstants.
	DayBoundaryHour int
}

func NewClient(baseURL string, requestsPerSecond float64) *Client {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		streamClient:    &http.Client{},
		limiter:         rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		DayBoundaryHour: 4,
	}
}

// HTTPError is a non-2xx response from the proxy.
type HTTPError struct {
	URL        string
	Status     string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s", e.URL, e.Status)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return &HTTPError{URL: req.URL.Redacted(), Status: resp.Status, StatusCode: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetConstants fetches the proxy's static configuration. The client adopts
// the returned day boundary hour for subsequent timetable decoding.
func (c *Client) GetConstants(ctx context.Context) (*Constants, error) {
	var consts Constants
	if err := c.getJSON(ctx, "/constants", nil, &consts); err != nil {
		return nil, fmt.Errorf("get constants: %w", err)
	}
	if consts.DayBoundaryHour > 0 {
		c.DayBoundaryHour = consts.DayBoundaryHour
	}
	return &consts, nil
}

type rawStopRow struct {
	Location      string `json:"location"`
	Destination   string `json:"destination"`
	ArrivalTime   string `json:"arrivalTime"`
	DepartureTime string `json:"departureTime"`
}

type timetableResponse struct {
	Trains map[string][]rawStopRow `json:"trains"`
}

// GetTimetable fetches the per-day timetable, keyed by TRN. With an empty
// query TRN the full day's trains are returned, which callers use to list
// the timetabled TRNs for a date.
func (c *Client) GetTimetable(ctx context.Context, q TimetableQuery) (map[string][]RawStopRecord, error) {
	query := url.Values{}
	if q.TRN != "" {
		query.Set("trn", q.TRN)
	}
	if !q.Date.IsZero() {
		query.Set("date", q.Date.Format("2006-01-02"))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var resp timetableResponse
	if err := c.getJSON(ctx, "/timetable", query, &resp); err != nil {
		return nil, fmt.Errorf("get timetable: %w", err)
	}

	trains := make(map[string][]RawStopRecord, len(resp.Trains))
	for trn, rows := range resp.Trains {
		records := make([]RawStopRecord, 0, len(rows))
		for _, row := range rows {
			rec := RawStopRecord{Location: row.Location, Destination: row.Destination}
			if row.ArrivalTime != "" {
				secs, err := servicetime.FromHHMMSS(row.ArrivalTime, c.DayBoundaryHour)
				if err != nil {
					return nil, fmt.Errorf("timetable for %s: %w", trn, err)
				}
				rec.Arrival = &secs
			}
			if row.DepartureTime != "" {
				secs, err := servicetime.FromHHMMSS(row.DepartureTime, c.DayBoundaryHour)
				if err != nil {
					return nil, fmt.Errorf("timetable for %s: %w", trn, err)
				}
				rec.Departure = &secs
			}
			records = append(records, rec)
		}
		trains[trn] = records
	}
	return trains, nil
}

type trainsResponse struct {
	Trains map[string]TrainEntry `json:"trains"`
}

// GetTrains fetches the current snapshot of trains known to the proxy.
func (c *Client) GetTrains(ctx context.Context) (map[string]TrainEntry, error) {
	var resp trainsResponse
	if err := c.getJSON(ctx, "/trains", nil, &resp); err != nil {
		return nil, fmt.Errorf("get trains: %w", err)
	}
	return resp.Trains, nil
}

// Stream is a handle to a running history subscription. Close stops the
// stream and waits for its goroutine; no callback runs after Close returns.
type Stream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// StreamTrainsHistory subscribes to the proxy's server-sent-events history
// stream. onBatch is invoked sequentially, one call per event. Dropped
// connections are retried with exponential backoff until Close or a failed
// initial connect.
func (c *Client) StreamTrainsHistory(ctx context.Context, filter StreamFilter, onBatch func(map[string]HistoryEntry)) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	query := url.Values{}
	for _, prop := range filter.TrainProps {
		query.Add("trainProps", prop)
	}

	// Fail fast when the very first connection cannot be established, so
	// the caller's Start surfaces the error instead of a silent dead feed.
	body, err := c.openStream(ctx, query)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &Stream{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		retry := streamRetryMin
		for {
			err := readEvents(body, onBatch)
			body.Close()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Printf("history stream dropped: %v (reconnect in %s)", err, retry)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			if retry *= 2; retry > streamRetryMax {
				retry = streamRetryMax
			}
			body, err = c.openStream(ctx, query)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("history stream reconnect failed: %v", err)
				body = io.NopCloser(strings.NewReader(""))
				continue
			}
			retry = streamRetryMin
		}
	}()
	return s, nil
}

const (
	streamRetryMin = time.Second
	streamRetryMax = time.Minute
)

func (c *Client) openStream(ctx context.Context, query url.Values) (io.ReadCloser, error) {
	u := c.baseURL + "/trains/history/stream"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open history stream: %w", err)
	}
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{URL: req.URL.Redacted(), Status: resp.Status, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

// readEvents consumes one SSE connection, delivering each complete data
// payload as a batch. Returns when the connection closes.
func readEvents(body io.Reader, onBatch func(map[string]HistoryEntry)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "" && data.Len() > 0:
			var batch map[string]HistoryEntry
			if err := json.Unmarshal([]byte(data.String()), &batch); err != nil {
				log.Printf("history stream: discarding malformed event: %v", err)
			} else if len(batch) > 0 {
				onBatch(batch)
			}
			data.Reset()
		}
	}
	return scanner.Err()
}
