// Package tracker drives the "current train state" projection for a single
// watched train, either from the day's timetable synchronized to the wall
// clock or from the live status feed.
package tracker

import "time"

// Projection is the continuously updated state of the watched train.
// Candidates is the set of TRNs currently worth offering for tracking.
type Projection struct {
	TRN        string    `json:"trn"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Current    string    `json:"current,omitempty"`
	Departed   bool      `json:"departed"`
	Candidates []string  `json:"candidateIds"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Sink receives every projection update. Implementations must not call back
// into the publishing session.
type Sink interface {
	Publish(Projection)
}

// MultiSink fans one projection out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Publish(p Projection) {
	for _, s := range m {
		s.Publish(p)
	}
}
