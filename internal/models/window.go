package models

import (
	"fmt"
	"time"
)

// TimeWindow is a bounded time range requested from the API in one call.
type TimeWindow struct {
	Start       time.Time   `json:"start"`
	End         time.Time   `json:"end"`
	Granularity Granularity `json:"granularity"`
}

// Width returns End - Start.
func (w TimeWindow) Width() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t lies in the half-open range [Start, End).
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Steps returns how many candles of the window's granularity fit in the window.
func (w TimeWindow) Steps() int {
	step := w.Granularity.Duration()
	if step <= 0 {
		return 0
	}
	return int(w.Width() / step)
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s) @%s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), w.Granularity)
}

// Segment is a contiguous, gap-free run of candles handed to one feature
// worker. Candles is a private copy owned by the segment.
type Segment struct {
	// Index is the segment's position in the analysis output
	Index int `json:"index"`

	// Granularity is the step between consecutive candles
	Granularity Granularity `json:"granularity"`

	// Candles holds the run, strictly one step apart
	Candles CandleSeries `json:"candles"`
}

// Len returns the number of candles in the segment.
func (s Segment) Len() int {
	return len(s.Candles)
}

// Start returns the first candle timestamp.
func (s Segment) Start() time.Time {
	if len(s.Candles) == 0 {
		return time.Time{}
	}
	return s.Candles[0].Timestamp
}

// End returns the exclusive end of the segment: the last timestamp plus one step.
func (s Segment) End() time.Time {
	if len(s.Candles) == 0 {
		return time.Time{}
	}
	return s.Candles[len(s.Candles)-1].Timestamp.Add(s.Granularity.Duration())
}

// Duration is the total span covered: number of candles times the step.
func (s Segment) Duration() time.Duration {
	return time.Duration(len(s.Candles)) * s.Granularity.Duration()
}

func (s Segment) String() string {
	return fmt.Sprintf("Segment{Index: %d, Start: %s, Candles: %d, Duration: %v}",
		s.Index, s.Start().Format(time.RFC3339), len(s.Candles), s.Duration())
}
