package models

import (
	"fmt"
	"time"
)

// SeverityLevel represents the severity of a data-quality warning
type SeverityLevel string

const (
	SeverityInfo     SeverityLevel = "info"
	SeverityWarning  SeverityLevel = "warning"
	SeverityCritical SeverityLevel = "critical"
)

// WarningType represents the kind of data-quality issue detected
type WarningType string

const (
	WarningZeroVolumeRun WarningType = "zero_volume_run"
	WarningGap           WarningType = "gap"
	WarningDuplicate     WarningType = "duplicate"
	WarningMisaligned    WarningType = "misaligned"
)

// DataQualityWarning is an informational finding about a stored series.
// Warnings are logged and reported, never raised as errors.
type DataQualityWarning struct {
	Type      WarningType   `json:"type"`
	Severity  SeverityLevel `json:"severity"`
	Index     int           `json:"index"`
	Timestamp time.Time     `json:"timestamp"`
	// Length is the run length in candles for zero-volume runs, or the
	// number of missing steps for gaps
	Length  int    `json:"length"`
	Message string `json:"message"`
}

// NewZeroVolumeWarning reports a run of length candles with zero volume
// starting at index. Runs at least four times the threshold are critical.
func NewZeroVolumeWarning(index int, at time.Time, length, threshold int) DataQualityWarning {
	severity := SeverityWarning
	if threshold > 0 && length >= 4*threshold {
		severity = SeverityCritical
	}
	return DataQualityWarning{
		Type:      WarningZeroVolumeRun,
		Severity:  severity,
		Index:     index,
		Timestamp: at,
		Length:    length,
		Message:   fmt.Sprintf("%d consecutive candles with zero volume", length),
	}
}

// NewGapWarning reports a gap. Severity follows the gap's priority.
func NewGapWarning(gap Gap) DataQualityWarning {
	severity := SeverityInfo
	switch gap.Priority() {
	case PriorityHigh, PriorityCritical:
		severity = SeverityCritical
	case PriorityMedium:
		severity = SeverityWarning
	}
	return DataQualityWarning{
		Type:      WarningGap,
		Severity:  severity,
		Index:     gap.Index,
		Timestamp: gap.Previous,
		Length:    gap.Missing,
		Message:   fmt.Sprintf("gap of %v between %s and %s", gap.Delta, gap.Previous.Format(time.RFC3339), gap.Next.Format(time.RFC3339)),
	}
}

// NewDuplicateWarning reports a timestamp seen more than once.
func NewDuplicateWarning(index int, at time.Time) DataQualityWarning {
	return DataQualityWarning{
		Type:      WarningDuplicate,
		Severity:  SeverityWarning,
		Index:     index,
		Timestamp: at,
		Length:    1,
		Message:   fmt.Sprintf("duplicate timestamp %s dropped", at.Format(time.RFC3339)),
	}
}

// NewMisalignedWarning reports a delta that is neither one step, a whole
// number of steps nor zero.
func NewMisalignedWarning(index int, at time.Time, delta time.Duration) DataQualityWarning {
	return DataQualityWarning{
		Type:      WarningMisaligned,
		Severity:  SeverityWarning,
		Index:     index,
		Timestamp: at,
		Message:   fmt.Sprintf("unexpected delta %v before %s", delta, at.Format(time.RFC3339)),
	}
}

// IsSevere reports whether the warning deserves more than informational logging.
func (w DataQualityWarning) IsSevere() bool {
	return w.Severity == SeverityWarning || w.Severity == SeverityCritical
}

func (w DataQualityWarning) String() string {
	return fmt.Sprintf("[%s] %s at index %d: %s", w.Severity, w.Type, w.Index, w.Message)
}

// WarningSummary counts warnings by type and severity.
type WarningSummary struct {
	Total      int                   `json:"total"`
	ByType     map[WarningType]int   `json:"by_type"`
	BySeverity map[SeverityLevel]int `json:"by_severity"`
}

// SummarizeWarnings aggregates a list of warnings.
func SummarizeWarnings(warnings []DataQualityWarning) WarningSummary {
	summary := WarningSummary{
		Total:      len(warnings),
		ByType:     make(map[WarningType]int),
		BySeverity: make(map[SeverityLevel]int),
	}
	for _, w := range warnings {
		summary.ByType[w.Type]++
		summary.BySeverity[w.Severity]++
	}
	return summary
}
