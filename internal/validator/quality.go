// Package validator computes data-quality reports over stored candle series:
// zero-volume runs, the distribution of timestamp deltas and warnings for
// gaps above a threshold. Findings are informational and never fail a run.
package validator

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/gaps"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// ConsecutiveZeroRuns maps every index of series to the length of the
// maximal zero-volume run starting there. The length is recorded once, at
// the first index of each run; every other index is 0.
//
// Volumes [5,0,0,0,7,0,2] give [0,3,0,0,0,1,0].
func ConsecutiveZeroRuns(series models.CandleSeries) []int {
	runs := make([]int, len(series))
	start := -1
	for i, c := range series {
		if c.HasZeroVolume() {
			if start < 0 {
				start = i
			}
			runs[start]++
			continue
		}
		start = -1
	}
	return runs
}

// CountRunsAbove returns how many runs are strictly longer than threshold.
func CountRunsAbove(runs []int, threshold int) int {
	n := 0
	for _, r := range runs {
		if r > threshold {
			n++
		}
	}
	return n
}

// DeltaHistogram counts each timestamp delta between consecutive candles.
type DeltaHistogram struct {
	Counts map[time.Duration]int `json:"counts"`
	Total  int                   `json:"total"`
}

// NewDeltaHistogram builds the histogram of consecutive deltas in series.
func NewDeltaHistogram(series models.CandleSeries) DeltaHistogram {
	h := DeltaHistogram{Counts: make(map[time.Duration]int)}
	for i := 1; i < len(series); i++ {
		h.Counts[series[i].Timestamp.Sub(series[i-1].Timestamp)]++
		h.Total++
	}
	return h
}

// Deltas returns the observed deltas in ascending order.
func (h DeltaHistogram) Deltas() []time.Duration {
	deltas := make([]time.Duration, 0, len(h.Counts))
	for d := range h.Counts {
		deltas = append(deltas, d)
	}
	slices.Sort(deltas)
	return deltas
}

// Percentages returns each delta's share of all deltas, in percent.
func (h DeltaHistogram) Percentages() map[time.Duration]float64 {
	out := make(map[time.Duration]float64, len(h.Counts))
	if h.Total == 0 {
		return out
	}
	for d, n := range h.Counts {
		out[d] = 100 * float64(n) / float64(h.Total)
	}
	return out
}

// Thresholds decide which findings become warnings.
type Thresholds struct {
	// ZeroRun is the zero-volume run length, in candles, that is reported
	ZeroRun int
	// Gap is the smallest gap delta that is reported
	Gap time.Duration
}

// DefaultThresholds reports zero-volume runs of an hour of minutes and gaps
// of an hour or more.
func DefaultThresholds() Thresholds {
	return Thresholds{ZeroRun: 60, Gap: time.Hour}
}

// Inspect returns warnings for zero-volume runs of at least ZeroRun candles
// and gaps of at least Gap, in series order by kind.
func Inspect(series models.CandleSeries, granularity models.Granularity, th Thresholds) []models.DataQualityWarning {
	var warnings []models.DataQualityWarning

	if th.ZeroRun > 0 {
		for i, n := range ConsecutiveZeroRuns(series) {
			if n >= th.ZeroRun {
				warnings = append(warnings, models.NewZeroVolumeWarning(i, series[i].Timestamp, n, th.ZeroRun))
			}
		}
	}

	for _, g := range gaps.DetectGaps(series, granularity) {
		if g.Delta >= th.Gap {
			warnings = append(warnings, models.NewGapWarning(g))
		}
	}
	return warnings
}

// QualityReport is the data-quality summary of one series.
type QualityReport struct {
	Candles         int                         `json:"candles"`
	ZeroVolume      int                         `json:"zero_volume"`
	ZeroRuns        int                         `json:"zero_runs"`
	LongestZeroRun  int                         `json:"longest_zero_run"`
	ZeroRunsAbove   int                         `json:"zero_runs_above"`
	Histogram       DeltaHistogram              `json:"histogram"`
	Warnings        []models.DataQualityWarning `json:"warnings"`
	WarningsSummary models.WarningSummary       `json:"warnings_summary"`
}

// QualityValidator produces quality reports with fixed thresholds.
type QualityValidator struct {
	granularity models.Granularity
	thresholds  Thresholds
	logger      *slog.Logger
}

// NewQualityValidator creates a validator. Non-positive thresholds fall back
// to DefaultThresholds.
func NewQualityValidator(granularity models.Granularity, th Thresholds, logger *slog.Logger) *QualityValidator {
	def := DefaultThresholds()
	if th.ZeroRun <= 0 {
		th.ZeroRun = def.ZeroRun
	}
	if th.Gap <= 0 {
		th.Gap = def.Gap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityValidator{
		granularity: granularity,
		thresholds:  th,
		logger:      logger.With("component", "quality_validator"),
	}
}

// Thresholds returns the thresholds in use.
func (v *QualityValidator) Thresholds() Thresholds {
	return v.thresholds
}

// Report inspects series and logs the findings.
func (v *QualityValidator) Report(series models.CandleSeries) *QualityReport {
	runs := ConsecutiveZeroRuns(series)

	report := &QualityReport{
		Candles:       len(series),
		ZeroRunsAbove: CountRunsAbove(runs, v.thresholds.ZeroRun),
		Histogram:     NewDeltaHistogram(series),
		Warnings:      Inspect(series, v.granularity, v.thresholds),
	}
	for _, n := range runs {
		if n == 0 {
			continue
		}
		report.ZeroRuns++
		report.ZeroVolume += n
		report.LongestZeroRun = max(report.LongestZeroRun, n)
	}
	report.WarningsSummary = models.SummarizeWarnings(report.Warnings)

	pct := report.Histogram.Percentages()
	for _, d := range report.Histogram.Deltas() {
		v.logger.Info("delta share",
			"delta", d,
			"count", report.Histogram.Counts[d],
			"percent", pct[d])
	}
	for _, w := range report.Warnings {
		level := slog.LevelInfo
		switch {
		case w.Severity == models.SeverityCritical:
			level = slog.LevelError
		case w.IsSevere():
			level = slog.LevelWarn
		}
		v.logger.Log(context.Background(), level, "data quality",
			"type", string(w.Type), "index", w.Index, "length", w.Length, "message", w.Message)
	}
	v.logger.Info("quality report",
		"candles", report.Candles,
		"zero_volume", report.ZeroVolume,
		"zero_runs", report.ZeroRuns,
		"longest_zero_run", report.LongestZeroRun,
		"zero_runs_above_threshold", report.ZeroRunsAbove,
		"threshold", v.thresholds.ZeroRun,
		"warnings", len(report.Warnings))
	return report
}
