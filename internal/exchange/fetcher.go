package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// RetryPolicy controls how a rate-limited window is retried. After the k-th
// failed attempt (k from 0) the fetcher sleeps BaseDelay + k*Increment.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Increment   time.Duration
}

// DefaultRetryPolicy matches the historical backfill tool: 15 attempts,
// sleeping 1s, 2s, 3s, ... between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 15,
		BaseDelay:   time.Second,
		Increment:   time.Second,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.Increment < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	return nil
}

// Delay returns the sleep after the k-th failed attempt.
func (p RetryPolicy) Delay(k int) time.Duration {
	return p.BaseDelay + time.Duration(k)*p.Increment
}

// Delays returns every sleep a fully rate-limited window goes through.
func (p RetryPolicy) Delays() []time.Duration {
	if p.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, p.MaxAttempts-1)
	for k := range out {
		out[k] = p.Delay(k)
	}
	return out
}

// linearBackOff is a backoff.BackOff producing RetryPolicy delays without jitter.
type linearBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// RateLimitedFetcher fetches one window at a time, recovering from rate
// limiting by sleeping on the policy's linear schedule.
type RateLimitedFetcher struct {
	api     HistoricRatesAPI
	market  string
	policy  RetryPolicy
	timer   backoff.Timer
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// FetcherOption configures a RateLimitedFetcher.
type FetcherOption func(*RateLimitedFetcher)

// WithTimer replaces the sleep timer. Tests use it to observe delays without sleeping.
func WithTimer(timer backoff.Timer) FetcherOption {
	return func(f *RateLimitedFetcher) { f.timer = timer }
}

// WithFetcherLogger sets the fetcher logger.
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *RateLimitedFetcher) { f.logger = logger }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(recorder *metrics.Recorder) FetcherOption {
	return func(f *RateLimitedFetcher) { f.metrics = recorder }
}

// NewRateLimitedFetcher creates a fetcher for one market.
func NewRateLimitedFetcher(api HistoricRatesAPI, market string, policy RetryPolicy, opts ...FetcherOption) (*RateLimitedFetcher, error) {
	if api == nil {
		return nil, fmt.Errorf("historic rates API is required")
	}
	if market == "" {
		return nil, fmt.Errorf("market is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	f := &RateLimitedFetcher{
		api:    api,
		market: market,
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger.Debug("fetcher ready",
		"market", market,
		"max_attempts", policy.MaxAttempts,
		"retry_delays", policy.Delays())
	return f, nil
}

// Fetch requests one window. It makes at most MaxAttempts calls and returns
// the records in ascending time order. When every attempt was rate limited
// it returns *errors.ExhaustedRetriesError; any other API error fails
// immediately with *errors.FetchError.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, window models.TimeWindow) ([]models.RawCandle, error) {
	var (
		records     []models.RawCandle
		attempts    int
		lastMessage string
	)

	operation := func() error {
		attempts++
		result, err := f.api.HistoricRates(ctx, f.market, window.Start, window.End, window.Granularity)
		if err != nil {
			f.metrics.RecordFetchAttempt(metrics.OutcomeError)
			return backoff.Permanent(&apperrors.FetchError{Window: window, Err: err})
		}

		switch result.Kind {
		case ResultOK:
			f.metrics.RecordFetchAttempt(metrics.OutcomeOK)
			records = result.Records
			return nil
		case ResultRateLimited:
			f.metrics.RecordFetchAttempt(metrics.OutcomeRateLimited)
			lastMessage = result.Message
			return &apperrors.RateLimitedError{Message: result.Message}
		default:
			f.metrics.RecordFetchAttempt(metrics.OutcomeError)
			return backoff.Permanent(&apperrors.FetchError{Window: window, Message: result.Message})
		}
	}

	notify := func(err error, delay time.Duration) {
		f.metrics.RecordBackoff(delay)
		f.logger.Warn("rate limited, backing off",
			"window_start", window.Start,
			"attempt", attempts,
			"max_attempts", f.policy.MaxAttempts,
			"delay", delay,
			"message", lastMessage)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{policy: f.policy}, uint64(f.policy.MaxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotifyWithTimer(operation, policy, notify, f.timer)
	if err != nil {
		var rateLimited *apperrors.RateLimitedError
		if errors.As(err, &rateLimited) {
			return nil, &apperrors.ExhaustedRetriesError{
				Window:      window,
				Attempts:    attempts,
				LastMessage: lastMessage,
			}
		}
		return nil, err
	}

	if len(records) > 1 && records[0].Time > records[len(records)-1].Time {
		slices.Reverse(records)
	}

	f.logger.Debug("window fetched",
		"window_start", window.Start,
		"records", len(records),
		"attempts", attempts)

	return records, nil
}
