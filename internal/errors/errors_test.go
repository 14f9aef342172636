package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWindow = models.TimeWindow{
	Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:         time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC),
	Granularity: models.OneMinute,
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name              string
		error             error
		expectedType      ErrorType
		expectedRetryable bool
		expectedSeverity  Severity
	}{
		{
			name:              "rate limited attempt",
			error:             &RateLimitedError{Message: "Public rate limit exceeded"},
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "exhausted retries",
			error:             &ExhaustedRetriesError{Window: testWindow, Attempts: 15, LastMessage: "rate limit"},
			expectedType:      ErrorTypeExhaustedRetries,
			expectedRetryable: false,
			expectedSeverity:  SeverityHigh,
		},
		{
			name:              "fetch error",
			error:             &FetchError{Window: testWindow, Message: "NotFound"},
			expectedType:      ErrorTypeFetch,
			expectedRetryable: false,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "segment error",
			error:             &SegmentError{Index: 3, Err: errors.New("boom")},
			expectedType:      ErrorTypeSegmentComputation,
			expectedRetryable: false,
			expectedSeverity:  SeverityMedium,
		},
		{
			name:              "deadline exceeded",
			error:             fmt.Errorf("request: %w", context.DeadlineExceeded),
			expectedType:      ErrorTypeTimeout,
			expectedRetryable: false,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "connection refused",
			error:             fmt.Errorf("dial tcp: connection refused"),
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: false,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "plain rate limit message",
			error:             fmt.Errorf("too many requests"),
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
		},
		{
			name:              "storage error",
			error:             fmt.Errorf("database is locked"),
			expectedType:      ErrorTypeStorage,
			expectedRetryable: false,
			expectedSeverity:  SeverityHigh,
		},
		{
			name:              "configuration error",
			error:             fmt.Errorf("missing required field"),
			expectedType:      ErrorTypeConfiguration,
			expectedRetryable: false,
			expectedSeverity:  SeverityCritical,
		},
		{
			name:              "unknown error",
			error:             fmt.Errorf("something odd"),
			expectedType:      ErrorTypeUnknown,
			expectedRetryable: false,
			expectedSeverity:  SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := Classify(tt.error, "test", "operation")
			require.NotNil(t, classified)

			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedRetryable, classified.Retryable)
			assert.Equal(t, tt.expectedSeverity, classified.Severity)
			assert.Equal(t, "test", classified.Component)
			assert.Equal(t, "operation", classified.Operation)
			assert.ErrorIs(t, classified, tt.error)
			assert.Equal(t, tt.expectedRetryable, IsRetryable(tt.error))
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.Nil(t, Classify(nil, "c", "o"))
	assert.False(t, IsRetryable(nil))
	assert.Equal(t, ErrorTypeUnknown, GetErrorType(nil))
}

func TestClassify_AlreadyClassified(t *testing.T) {
	first := Classify(&RateLimitedError{Message: "slow down"}, "fetcher", "fetch")
	wrapped := fmt.Errorf("outer: %w", first)

	assert.Same(t, first, Classify(wrapped, "other", "other"))
	assert.True(t, IsRetryable(wrapped))
}

func TestClassifiedError_Is(t *testing.T) {
	ce := Classify(&FetchError{Window: testWindow, Message: "bad"}, "c", "o")
	assert.True(t, errors.Is(ce, &ClassifiedError{Type: ErrorTypeFetch}))
	assert.False(t, errors.Is(ce, &ClassifiedError{Type: ErrorTypeRateLimit}))
}

func TestWindowError_UnwrapsCause(t *testing.T) {
	cause := &ExhaustedRetriesError{Window: testWindow, Attempts: 15, LastMessage: "Public rate limit exceeded"}
	err := &WindowError{Index: 2, Window: testWindow, Elapsed: 3 * time.Second, Stored: 600, Err: cause}

	var exhausted *ExhaustedRetriesError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 15, exhausted.Attempts)
	assert.Equal(t, ErrorTypeExhaustedRetries, GetErrorType(err))
	assert.Contains(t, err.Error(), "window 2")
	assert.Contains(t, err.Error(), "600 candles stored")
}

func TestFetchError_Messages(t *testing.T) {
	cause := errors.New("EOF")
	assert.Contains(t, (&FetchError{Window: testWindow, Err: cause}).Error(), "EOF")
	assert.Contains(t, (&FetchError{Window: testWindow, Message: "NotFound"}).Error(), "NotFound")
	both := &FetchError{Window: testWindow, Message: "decode", Err: cause}
	assert.Contains(t, both.Error(), "decode: EOF")
	assert.ErrorIs(t, both, cause)
}

func TestNewSegmentError(t *testing.T) {
	start := testWindow.Start
	seg := models.Segment{
		Index:       4,
		Granularity: models.OneMinute,
		Candles: models.CandleSeries{
			models.NewCandle(start, 1, 1, 1, 1, 1),
			models.NewCandle(start.Add(time.Minute), 1, 1, 1, 1, 1),
		},
	}

	err := NewSegmentError(seg, errors.New("nan"))
	assert.Equal(t, 4, err.Index)
	assert.Equal(t, start, err.Start)
	assert.Equal(t, start.Add(2*time.Minute), err.End)
	assert.Equal(t, ErrorTypeSegmentComputation, GetErrorType(err))
}

func TestSeverity_String(t *testing.T) {
	assert.Equal(t, "low", SeverityLow.String())
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "unknown", Severity(99).String())
}
