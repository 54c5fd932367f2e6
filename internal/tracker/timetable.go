package tracker

import "metro-tracker/internal/metro"

// Event is one normalized timetable entry: the watched train arrives at or
// departs from Station at TimeSeconds, in the context of a route running
// From -> Destination.
type Event struct {
	TimeSeconds int
	Departed    bool
	Station     string
	From        string
	Destination string
}

// NormalizeTimetable turns the raw per-train stop sequence into an ordered
// event list. The raw feed is noisy: it includes depot and siding records,
// and a route's terminus marker is sometimes tagged on a non-passenger
// record past the last real stop. Records without an arrival time start a
// new route; records without a departure time end one. Non-passenger
// records never emit events but still steer the origin/destination scans.
//
// The upstream feed delivers records chronologically per train, so the
// returned list is time-ordered without sorting.
func NormalizeTimetable(records []metro.RawStopRecord, valid func(string) bool) []Event {
	var events []Event
	var from, destination string
	for i, rec := range records {
		if rec.Arrival == nil {
			// New route. The origin is the first passenger stop from
			// here; the destination is the nearest passenger stop at or
			// before the route's terminus marker.
			from = nextValidStation(records, i, valid)
			if term := findTerminus(records, i); term >= 0 {
				if dest := prevValidStation(records, term, valid); dest != "" {
					destination = dest
				}
			}
		}
		station := metro.StripPlatform(rec.Location)
		if !valid(station) {
			continue
		}
		if rec.Arrival != nil {
			events = append(events, Event{
				TimeSeconds: *rec.Arrival,
				Station:     station,
				From:        from,
				Destination: destination,
			})
		}
		if rec.Departure != nil {
			events = append(events, Event{
				TimeSeconds: *rec.Departure,
				Departed:    true,
				Station:     station,
				From:        from,
				Destination: destination,
			})
		}
	}
	return events
}

// findTerminus returns the index of the next record from i onward without a
// departure time, or -1 when the route stays open.
func findTerminus(records []metro.RawStopRecord, i int) int {
	for ; i < len(records); i++ {
		if records[i].Departure == nil {
			return i
		}
	}
	return -1
}

// prevValidStation walks backward from i to the closest passenger station.
func prevValidStation(records []metro.RawStopRecord, i int, valid func(string) bool) string {
	for ; i >= 0; i-- {
		if station := metro.StripPlatform(records[i].Location); valid(station) {
			return station
		}
	}
	return ""
}

// nextValidStation walks forward from i to the closest passenger station.
func nextValidStation(records []metro.RawStopRecord, i int, valid func(string) bool) string {
	for ; i < len(records); i++ {
		if station := metro.StripPlatform(records[i].Location); valid(station) {
			return station
		}
	}
	return ""
}
