// Package errors provides the error taxonomy for the acquisition and analysis
// stages: rate limiting, exhausted retries, fetch failures, per-segment
// computation failures and ingestion halts, plus classification helpers that
// decide whether an error is worth retrying.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// ErrorType classifies an error for exit codes and retry decisions.
type ErrorType string

const (
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeNetwork            ErrorType = "network"
	ErrorTypeTimeout            ErrorType = "timeout"
	ErrorTypeExhaustedRetries   ErrorType = "exhausted_retries" // rate limited on every attempt
	ErrorTypeFetch              ErrorType = "fetch"
	ErrorTypeSegmentComputation ErrorType = "segment_computation"
	ErrorTypeDataQuality        ErrorType = "data_quality" // informational, never raised
	ErrorTypeStorage            ErrorType = "storage"
	ErrorTypeConfiguration      ErrorType = "configuration"
	ErrorTypeUnknown            ErrorType = "unknown"
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RateLimitedError is returned by a single API attempt that the upstream
// rejected for rate limiting. The fetcher recovers from it by backing off.
type RateLimitedError struct {
	Message string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// ExhaustedRetriesError is returned when every attempt for a window was rate
// limited. It carries the last upstream message instead of passing it on as data.
type ExhaustedRetriesError struct {
	Window      models.TimeWindow
	Attempts    int
	LastMessage string
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("window %s still rate limited after %d attempts: %s", e.Window, e.Attempts, e.LastMessage)
}

// FetchError is any non-rate-limit failure of a window request. It is not retried.
type FetchError struct {
	Window  models.TimeWindow
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("fetch %s: %s: %v", e.Window, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.Window, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s", e.Window, e.Message)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SegmentError reports a feature computation that failed for one segment.
// Sibling segments are unaffected.
type SegmentError struct {
	Index int
	Start time.Time
	End   time.Time
	Err   error
}

// NewSegmentError builds a SegmentError from the segment's span.
func NewSegmentError(segment models.Segment, err error) *SegmentError {
	return &SegmentError{
		Index: segment.Index,
		Start: segment.Start(),
		End:   segment.End(),
		Err:   err,
	}
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d [%s, %s): %v", e.Index, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// WindowError halts an ingestion run. It reports the failing window and how
// far the run got before it.
type WindowError struct {
	Index   int
	Window  models.TimeWindow
	Elapsed time.Duration
	Stored  int
	Err     error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("ingestion halted at window %d %s after %v (%d candles stored): %v",
		e.Index, e.Window, e.Elapsed.Round(time.Millisecond), e.Stored, e.Err)
}

func (e *WindowError) Unwrap() error {
	return e.Err
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type, otherwise defers to the cause.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return errors.Is(ce.Err, target)
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	return &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Retryable: isRetryableType(errorType),
		Component: component,
		Operation: operation,
	}
}

// classifyErrorType prefers the typed errors of this package and falls back
// to message patterns for errors coming from drivers and the network stack.
func classifyErrorType(err error) ErrorType {
	var (
		rateLimited *RateLimitedError
		exhausted   *ExhaustedRetriesError
		segment     *SegmentError
		fetch       *FetchError
	)
	switch {
	case errors.As(err, &exhausted):
		return ErrorTypeExhaustedRetries
	case errors.As(err, &rateLimited):
		return ErrorTypeRateLimit
	case errors.As(err, &segment):
		return ErrorTypeSegmentComputation
	case isTimeoutError(err):
		return ErrorTypeTimeout
	case isNetworkError(err):
		return ErrorTypeNetwork
	case errors.As(err, &fetch):
		return ErrorTypeFetch
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if containsAny(msg, p.fragments...) {
			return p.kind
		}
	}
	return ErrorTypeUnknown
}

// messagePatterns classify untyped errors from drivers and the network stack.
// Order matters: the first match wins.
var messagePatterns = []struct {
	kind      ErrorType
	fragments []string
}{
	{ErrorTypeRateLimit, []string{"rate limit", "too many requests"}},
	{ErrorTypeStorage, []string{"storage", "database", "sql"}},
	{ErrorTypeConfiguration, []string{"config", "missing required"}},
}

var networkFragments = []string{
	"connection refused",
	"connection reset",
	"no route to host",
	"host unreachable",
	"network unreachable",
	"no such host",
}

func containsAny(s string, fragments ...string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || containsAny(strings.ToLower(err.Error()), networkFragments...)
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), "timeout", "deadline exceeded")
}

// determineSeverity assigns a severity level based on error type
func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeExhaustedRetries, ErrorTypeStorage:
		return SeverityHigh
	case ErrorTypeConfiguration:
		return SeverityCritical
	case ErrorTypeFetch, ErrorTypeSegmentComputation:
		return SeverityMedium
	case ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeDataQuality:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// isRetryableType determines if an error type should be retried. Only rate
// limiting is recovered automatically; transport failures surface as FetchError.
func isRetryableType(errorType ErrorType) bool {
	return errorType == ErrorTypeRateLimit
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return isRetryableType(classifyErrorType(err))
}

// GetErrorType extracts the error type, classifying it when needed
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	return Classify(err, "", "").Type
}
