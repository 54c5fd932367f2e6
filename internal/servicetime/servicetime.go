// Package servicetime converts calendar time into seconds within a metro
// service day. A service day does not start at midnight: every clock time
// before the configured boundary hour (typically 04:00) still belongs to the
// previous day's service, so late-night trips sort after the evening ones.
package servicetime

import (
	"fmt"
	"strconv"
	"time"
)

// ToSeconds converts a wall-clock time of day to seconds since the start of
// the service day. Hours before boundaryHour are shifted forward by 24h.
func ToSeconds(hour, minute, second, boundaryHour int) int {
	if hour < boundaryHour {
		hour += 24
	}
	return (hour*60+minute)*60 + second
}

// DateToSeconds is ToSeconds applied to a calendar timestamp's local clock.
func DateToSeconds(t time.Time, boundaryHour int) int {
	return ToSeconds(t.Hour(), t.Minute(), t.Second(), boundaryHour)
}

// FromHHMMSS parses the upstream timetable's "HHMMSS" wire format into
// service-day seconds.
func FromHHMMSS(s string, boundaryHour int) (int, error) {
	if len(s) != 6 {
		return 0, fmt.Errorf("invalid time string %q: want HHMMSS", s)
	}
	h, err := strconv.Atoi(s[0:2])
	if err != nil {
		return 0, fmt.Errorf("invalid time string %q: %w", s, err)
	}
	m, err := strconv.Atoi(s[2:4])
	if err != nil {
		return 0, fmt.Errorf("invalid time string %q: %w", s, err)
	}
	sec, err := strconv.Atoi(s[4:6])
	if err != nil {
		return 0, fmt.Errorf("invalid time string %q: %w", s, err)
	}
	if h > 23 || m > 59 || sec > 59 {
		return 0, fmt.Errorf("invalid time string %q: out of range", s)
	}
	return ToSeconds(h, m, sec, boundaryHour), nil
}

// ServiceDay returns the calendar day (truncated to midnight, local zone)
// that t's service day is attributed to. Instants before the boundary hour
// belong to the previous calendar day.
func ServiceDay(t time.Time, boundaryHour int) time.Time {
	if t.Hour() < boundaryHour {
		t = t.AddDate(0, 0, -1)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Format renders service-day seconds as HH:MM:SS for logging. Hours may
// exceed 24 for times past midnight.
func Format(secs int) string {
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}
