package metro

import "time"

// SourceKind selects which upstream status representation a live session
// consumes. The proxy collates two feeds with different shapes; a train may
// expose either or both.
type SourceKind string

const (
	SourceTimes         SourceKind = "times-api"
	SourceTrainStatuses SourceKind = "train-statuses"
)

// Constants is the static configuration published by the proxy: the service
// day boundary hour, the station code table and the set of non-passenger
// ("not in service") locations.
type Constants struct {
	DayBoundaryHour int               `json:"newDayHour"`
	StationCodes    map[string]string `json:"stationCodes"`
	NISStations     []string          `json:"nisStations"`
}

// RawStopRecord is one row of a train's daily timetable, times already
// converted to service-day seconds. A nil Arrival marks the start of a
// route; a nil Departure marks a terminus. Location may carry a platform
// suffix ("MTS 2").
type RawStopRecord struct {
	Location    string
	Destination string
	Arrival     *int
	Departure   *int
}

// TimetableQuery narrows a GetTimetable call. A zero TRN fetches all trains
// timetabled for the date, which is how the candidate TRN set is derived.
type TimetableQuery struct {
	TRN   string
	Date  time.Time
	Limit int
}

// TimesStatus is the structured "times API" shape: a discrete last event
// plus the planned destination list.
type TimesStatus struct {
	LastEvent           LastEvent     `json:"lastEvent"`
	PlannedDestinations []Destination `json:"plannedDestinations"`
}

// EventDeparted is the LastEvent type that marks a train as having left the
// referenced location.
const EventDeparted = "DEPARTED"

type LastEvent struct {
	Location string `json:"location"`
	Type     string `json:"type"`
	Time     string `json:"time,omitempty"`
}

type Destination struct {
	Name string `json:"name"`
}

// LastSeenStatus is the "train statuses API" shape: a planned destination
// and a free-text last-seen report that needs parsing.
type LastSeenStatus struct {
	Destination string `json:"destination"`
	LastSeen    string `json:"lastSeen"`
}

// TrainStatus collates the per-source shapes for one train. Either field
// may be absent depending on which feeds currently see the train.
type TrainStatus struct {
	TimesAPI         *TimesStatus    `json:"timesAPI,omitempty"`
	TrainStatusesAPI *LastSeenStatus `json:"trainStatusesAPI,omitempty"`
}

// Has reports whether the status exposes the given source's shape.
func (s TrainStatus) Has(kind SourceKind) bool {
	switch kind {
	case SourceTimes:
		return s.TimesAPI != nil
	case SourceTrainStatuses:
		return s.TrainStatusesAPI != nil
	}
	return false
}

// TrainEntry is one train in the GetTrains snapshot.
type TrainEntry struct {
	Status TrainStatus `json:"status"`
}

// HistoryEntry is one train in a streamed history batch. Active reports
// whether the train is still in service; an inactive entry retires it.
type HistoryEntry struct {
	Active bool        `json:"active"`
	Status TrainStatus `json:"status"`
}

// StreamFilter restricts a history stream to the status properties the
// caller cares about, mirroring the proxy's trainProps query parameter.
type StreamFilter struct {
	TrainProps []string
}
