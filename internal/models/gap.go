package models

import (
	"fmt"
	"time"
)

// GapPriority ranks how much data a gap is missing.
// Larger gaps rank higher.
type GapPriority int

const (
	PriorityLow      GapPriority = iota // PriorityLow is a gap shorter than one hour
	PriorityMedium                      // PriorityMedium is a gap of at least one hour
	PriorityHigh                        // PriorityHigh is a gap longer than a day
	PriorityCritical                    // PriorityCritical is a gap longer than a week
)

// Gap marks a point in a series where the delta between consecutive
// timestamps exceeds one granularity step. A gap is always a segment boundary.
type Gap struct {
	// Index is the position of the first candle after the gap
	Index int `json:"index"`

	// Previous is the timestamp of the last candle before the gap
	Previous time.Time `json:"previous"`

	// Next is the timestamp of the first candle after the gap
	Next time.Time `json:"next"`

	// Delta is Next - Previous
	Delta time.Duration `json:"delta"`

	// Missing is the number of granularity steps absent from the series
	Missing int `json:"missing"`
}

// NewGap creates a gap between two consecutive timestamps.
// Returns an error when the delta does not exceed one step.
func NewGap(index int, previous, next time.Time, granularity Granularity) (Gap, error) {
	step := granularity.Duration()
	if step <= 0 {
		return Gap{}, fmt.Errorf("invalid granularity: %d", granularity)
	}

	delta := next.Sub(previous)
	if delta <= step {
		return Gap{}, fmt.Errorf("delta %v does not exceed granularity %v", delta, step)
	}

	return Gap{
		Index:    index,
		Previous: previous,
		Next:     next,
		Delta:    delta,
		Missing:  int(delta/step) - 1,
	}, nil
}

// MissingDuration is the span with no candles, Delta minus one step.
func (g Gap) MissingDuration(granularity Granularity) time.Duration {
	return g.Delta - granularity.Duration()
}

// Priority ranks the gap by how much time it leaves uncovered.
func (g Gap) Priority() GapPriority {
	switch {
	case g.Delta > 7*24*time.Hour:
		return PriorityCritical
	case g.Delta > 24*time.Hour:
		return PriorityHigh
	case g.Delta >= time.Hour:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// String returns a human-readable representation of the priority.
func (p GapPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// String returns a human-readable representation of the gap.
func (g Gap) String() string {
	return fmt.Sprintf("Gap{Index: %d, From: %s, To: %s, Delta: %v, Missing: %d, Priority: %s}",
		g.Index, g.Previous.Format(time.RFC3339), g.Next.Format(time.RFC3339), g.Delta, g.Missing, g.Priority())
}
