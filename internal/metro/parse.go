package metro

import (
	"regexp"
	"strconv"
	"strings"
)

// StripPlatform returns the bare station code from a timetable location code
// that may carry a platform suffix, e.g. "MTS 2" -> "MTS".
func StripPlatform(code string) string {
	bare, _, _ := strings.Cut(strings.TrimSpace(code), " ")
	return bare
}

// ParsedLocation is a times-API last-event location split into its station
// name and optional platform number.
type ParsedLocation struct {
	Station  string
	Platform int
}

var timesLocationRe = regexp.MustCompile(`^(.+?)(?:\s+[Pp]latform\s+([0-9]+))?$`)

// ParseTimesLocation parses a times-API location string such as
// "Monument Platform 3" or "West Jesmond". The second return is false when
// the string yields no station.
func ParseTimesLocation(location string) (ParsedLocation, bool) {
	location = strings.TrimSpace(location)
	if location == "" {
		return ParsedLocation{}, false
	}
	m := timesLocationRe.FindStringSubmatch(location)
	if m == nil {
		return ParsedLocation{}, false
	}
	parsed := ParsedLocation{Station: m[1]}
	if m[2] != "" {
		parsed.Platform, _ = strconv.Atoi(m[2])
	}
	return parsed, true
}

// LastSeen is a parsed train-statuses free-text report.
type LastSeen struct {
	State    string
	Station  string
	Platform int
}

// StateDeparted is the LastSeen state that marks a train as having left the
// referenced station.
const StateDeparted = "Departed"

var lastSeenRe = regexp.MustCompile(
	`^(Arrived|Departed|Approaching|Passed)\s+(?:at\s+)?(.+?)` +
		`(?:\s+[Pp]latform\s+([0-9]+))?` +
		`(?:\s+at\s+[0-9]{1,2}:[0-9]{2}(?::[0-9]{2})?)?$`)

// ParseLastSeen parses reports such as "Departed Monument Platform 3 at
// 14:02" or "Arrived at South Shields". Unrecognised text returns false;
// callers treat that as an unknown position rather than an error.
func ParseLastSeen(report string) (LastSeen, bool) {
	report = strings.TrimSpace(report)
	m := lastSeenRe.FindStringSubmatch(report)
	if m == nil {
		return LastSeen{}, false
	}
	seen := LastSeen{State: m[1], Station: m[2]}
	if m[3] != "" {
		seen.Platform, _ = strconv.Atoi(m[3])
	}
	return seen, true
}
