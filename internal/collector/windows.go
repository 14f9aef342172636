package collector

import (
	"fmt"
	"iter"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// WindowGenerator produces consecutive, non-overlapping request windows of a
// fixed width. It has no state beyond its inputs, so every call to Windows
// starts again at the configured start.
type WindowGenerator struct {
	start       time.Time
	width       time.Duration
	granularity models.Granularity
	until       time.Time
	clock       func() time.Time
}

// WindowOption configures a WindowGenerator.
type WindowOption func(*WindowGenerator)

// WithUntil fixes the bound. Without it the bound is the current time,
// re-read before every window.
func WithUntil(until time.Time) WindowOption {
	return func(g *WindowGenerator) { g.until = until.UTC() }
}

// WithClock replaces time.Now for the unbounded case.
func WithClock(clock func() time.Time) WindowOption {
	return func(g *WindowGenerator) { g.clock = clock }
}

// NewWindowGenerator creates a generator starting at start.
func NewWindowGenerator(start time.Time, width time.Duration, granularity models.Granularity, opts ...WindowOption) *WindowGenerator {
	g := &WindowGenerator{
		start:       start.UTC(),
		width:       width,
		granularity: granularity,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate checks that the width is a positive whole number of steps.
func (g *WindowGenerator) Validate() error {
	if g.start.IsZero() {
		return fmt.Errorf("window start is required")
	}
	if !g.granularity.Valid() {
		return fmt.Errorf("unsupported granularity: %d", g.granularity)
	}
	if g.width <= 0 {
		return fmt.Errorf("window width must be positive, got %v", g.width)
	}
	if g.width%g.granularity.Duration() != 0 {
		return fmt.Errorf("window width %v is not a multiple of %s", g.width, g.granularity)
	}
	return nil
}

// Window returns the i-th window: [start + i*width, start + (i+1)*width).
func (g *WindowGenerator) Window(i int) models.TimeWindow {
	start := g.start.Add(time.Duration(i) * g.width)
	return models.TimeWindow{
		Start:       start,
		End:         start.Add(g.width),
		Granularity: g.granularity,
	}
}

// Bound returns the instant after which no window starts.
func (g *WindowGenerator) Bound() time.Time {
	if !g.until.IsZero() {
		return g.until
	}
	return g.clock().UTC()
}

// Windows yields windows until one would start after the bound.
func (g *WindowGenerator) Windows() iter.Seq[models.TimeWindow] {
	return func(yield func(models.TimeWindow) bool) {
		for i := 0; ; i++ {
			w := g.Window(i)
			if w.Start.After(g.Bound()) {
				return
			}
			if !yield(w) {
				return
			}
		}
	}
}

// Take returns up to n windows from the start, honoring the bound.
func (g *WindowGenerator) Take(n int) []models.TimeWindow {
	out := make([]models.TimeWindow, 0, max(n, 0))
	if n <= 0 {
		return out
	}
	for w := range g.Windows() {
		out = append(out, w)
		if len(out) == n {
			break
		}
	}
	return out
}
