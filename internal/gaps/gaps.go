// Package gaps splits a canonical candle series into contiguous segments at
// every point where consecutive timestamps are not exactly one granularity
// step apart.
package gaps

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// Analysis is the outcome of segmenting one series.
type Analysis struct {
	// Segments kept after the minimum-duration filter, in series order
	Segments []models.Segment

	// Gaps between consecutive candles more than one step apart
	Gaps []models.Gap

	// Discarded counts contiguous runs shorter than the minimum duration
	Discarded int

	// Duplicates counts candles dropped because their timestamp repeated
	Duplicates int

	// Misaligned counts boundaries whose delta was not a whole number of steps
	Misaligned int

	// Warnings lists the duplicate and misaligned findings
	Warnings []models.DataQualityWarning
}

// CandlesKept returns the number of candles across all kept segments.
func (a *Analysis) CandlesKept() int {
	n := 0
	for _, s := range a.Segments {
		n += s.Len()
	}
	return n
}

// scan is a single pass over the series, shared by Segment, DetectGaps and
// Segmenter.Analyze.
type scan struct {
	runs       []models.CandleSeries
	gaps       []models.Gap
	duplicates []models.DataQualityWarning
	misaligned []models.DataQualityWarning
}

func scanSeries(series models.CandleSeries, granularity models.Granularity) scan {
	var s scan
	if len(series) == 0 {
		return s
	}
	step := granularity.Duration()

	run := models.CandleSeries{series[0]}
	prev := series[0].Timestamp
	for i := 1; i < len(series); i++ {
		c := series[i]
		delta := c.Timestamp.Sub(prev)

		switch {
		case delta == step:
			run = append(run, c)
		case delta == 0:
			// keep the first occurrence, prev stays put
			s.duplicates = append(s.duplicates, models.NewDuplicateWarning(i, c.Timestamp))
			continue
		case delta > step && delta%step == 0:
			gap, err := models.NewGap(i, prev, c.Timestamp, granularity)
			if err == nil {
				s.gaps = append(s.gaps, gap)
			}
			s.runs = append(s.runs, run)
			run = models.CandleSeries{c}
		default:
			s.misaligned = append(s.misaligned, models.NewMisalignedWarning(i, c.Timestamp, delta))
			s.runs = append(s.runs, run)
			run = models.CandleSeries{c}
		}
		prev = c.Timestamp
	}
	s.runs = append(s.runs, run)
	return s
}

// keep filters runs by duration and numbers the survivors.
func keep(runs []models.CandleSeries, granularity models.Granularity, minDuration time.Duration) ([]models.Segment, int) {
	segments := make([]models.Segment, 0, len(runs))
	discarded := 0
	for _, run := range runs {
		seg := models.Segment{
			Index:       len(segments),
			Granularity: granularity,
			Candles:     run,
		}
		if seg.Duration() < minDuration {
			discarded++
			continue
		}
		segments = append(segments, seg)
	}
	return segments, discarded
}

// Segment splits series into maximal runs of candles exactly one step apart
// and keeps the runs whose duration (candles times step) is at least
// minDuration. Each segment owns its candles; series is never modified.
func Segment(series models.CandleSeries, granularity models.Granularity, minDuration time.Duration) []models.Segment {
	segments, _ := keep(scanSeries(series, granularity).runs, granularity, minDuration)
	return segments
}

// DetectGaps returns every gap in series: a delta between consecutive
// candles that is a whole number of steps greater than one.
func DetectGaps(series models.CandleSeries, granularity models.Granularity) []models.Gap {
	return scanSeries(series, granularity).gaps
}

// Segmenter runs segmentation with a fixed granularity and minimum duration
// and logs what it found.
type Segmenter struct {
	granularity models.Granularity
	minDuration time.Duration
	logger      *slog.Logger
}

// NewSegmenter creates a segmenter. A negative minimum duration is rejected;
// zero keeps every run.
func NewSegmenter(granularity models.Granularity, minDuration time.Duration, logger *slog.Logger) (*Segmenter, error) {
	if !granularity.Valid() {
		return nil, fmt.Errorf("unsupported granularity: %d", granularity)
	}
	if minDuration < 0 {
		return nil, fmt.Errorf("minimum segment duration must not be negative, got %v", minDuration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		granularity: granularity,
		minDuration: minDuration,
		logger:      logger.With("component", "segmenter"),
	}, nil
}

// Analyze segments series and reports gaps, discards and irregular deltas.
func (s *Segmenter) Analyze(series models.CandleSeries) *Analysis {
	sc := scanSeries(series, s.granularity)
	segments, discarded := keep(sc.runs, s.granularity, s.minDuration)

	a := &Analysis{
		Segments:   segments,
		Gaps:       sc.gaps,
		Discarded:  discarded,
		Duplicates: len(sc.duplicates),
		Misaligned: len(sc.misaligned),
	}
	a.Warnings = append(a.Warnings, sc.duplicates...)
	a.Warnings = append(a.Warnings, sc.misaligned...)

	for _, g := range a.Gaps {
		s.logger.Debug("gap",
			"previous", g.Previous,
			"next", g.Next,
			"missing", g.Missing,
			"missing_duration", g.MissingDuration(s.granularity),
			"priority", g.Priority().String())
	}
	for _, w := range a.Warnings {
		s.logger.Warn("irregular timestamp", "type", string(w.Type), "index", w.Index, "message", w.Message)
	}

	s.logger.Info("series segmented",
		"candles", len(series),
		"runs", len(sc.runs),
		"segments", len(a.Segments),
		"discarded", a.Discarded,
		"gaps", len(a.Gaps),
		"duplicates", a.Duplicates,
		"misaligned", a.Misaligned,
		"min_duration", s.minDuration)
	return a
}
