// Package collector drives historical acquisition: it walks request windows
// from a start instant to a bound, fetches each window through a rate-limited
// fetcher, normalizes the records and persists them append-only.
//
// Ingestion is strictly sequential. One request is outstanding at a time and
// a fixed delay separates window requests, on top of the fetcher's own
// backoff sleeps.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/logger"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/johnayoung/go-ohlcv-history/internal/storage"
)

// pacer holds a fixed pause between the end of one request and the start of
// the next. Backoff sleeps inside a fetch do not count toward it.
type pacer struct {
	pause   time.Duration
	limiter *rate.Limiter
}

func newPacer(pause time.Duration) *pacer {
	return &pacer{pause: pause, limiter: rate.NewLimiter(rate.Inf, 1)}
}

// Wait blocks until the pause after the previous request has elapsed.
func (p *pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Done marks the end of a request. The bucket restarts empty, so the next
// Wait pays the whole pause however long the request took.
func (p *pacer) Done() {
	if p.pause <= 0 {
		return
	}
	p.limiter = rate.NewLimiter(rate.Every(p.pause), 1)
	p.limiter.Allow()
}

// Fetcher retrieves one window of raw candles in ascending order.
// *exchange.RateLimitedFetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, window models.TimeWindow) ([]models.RawCandle, error)
}

// Request describes one ingestion run.
type Request struct {
	Market       string
	Granularity  models.Granularity
	Start        time.Time
	Until        time.Time // zero means "now", re-read before every window
	WindowWidth  time.Duration // zero means one upstream page of the granularity
	RequestDelay time.Duration
}

// Validate checks the request fields that do not depend on the window math.
func (r Request) Validate() error {
	if r.Market == "" {
		return fmt.Errorf("market is required")
	}
	if r.RequestDelay < 0 {
		return fmt.Errorf("request delay must not be negative, got %v", r.RequestDelay)
	}
	if !r.Until.IsZero() && r.Until.Before(r.Start) {
		return fmt.Errorf("until %s is before start %s", r.Until.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Ingestor runs ingestion requests against one fetcher and one store.
type Ingestor struct {
	fetcher Fetcher
	store   storage.SeriesWriter
	logger  *slog.Logger
	metrics *metrics.Recorder
	clock   func() time.Time
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithLogger sets the ingestor logger.
func WithLogger(l *slog.Logger) IngestorOption {
	return func(i *Ingestor) { i.logger = l }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(recorder *metrics.Recorder) IngestorOption {
	return func(i *Ingestor) { i.metrics = recorder }
}

// WithNow replaces time.Now for run timestamps and the unbounded window bound.
func WithNow(clock func() time.Time) IngestorOption {
	return func(i *Ingestor) { i.clock = clock }
}

// NewIngestor creates an ingestor. Both the fetcher and the store are required.
func NewIngestor(fetcher Fetcher, store storage.SeriesWriter, opts ...IngestorOption) (*Ingestor, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	i := &Ingestor{
		fetcher: fetcher,
		store:   store,
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	return i, nil
}

// Run ingests every window from req.Start to the bound into a new store item
// keyed by market and run start. The first window creates the item with
// Write, later windows Append to it.
//
// On failure Run returns the run so far together with an
// *errors.WindowError naming the failing window and the elapsed progress.
func (i *Ingestor) Run(ctx context.Context, req Request) (*models.Run, error) {
	if req.WindowWidth == 0 {
		req.WindowWidth = req.Granularity.PageWidth()
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingestion request: %w", err)
	}

	genOpts := []WindowOption{WithClock(i.clock)}
	if !req.Until.IsZero() {
		genOpts = append(genOpts, WithUntil(req.Until))
	}
	gen := NewWindowGenerator(req.Start, req.WindowWidth, req.Granularity, genOpts...)
	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingestion request: %w", err)
	}

	runID := logger.GetRunID(ctx)
	if runID == "" {
		runID = uuid.NewString()
		ctx = logger.WithRunID(ctx, runID)
	}

	startedAt := i.clock()
	run := models.NewRun(runID, req.Market, req.Granularity, req.Start, startedAt)
	if err := run.Begin(startedAt); err != nil {
		return nil, err
	}

	log := i.logger.With(
		"run_id", run.ID,
		"key", run.Key,
		"market", req.Market,
		"granularity", req.Granularity.String())
	log.Info("=== new run ===",
		"start", run.Start,
		"until", req.Until,
		"window_width", req.WindowWidth,
		"request_delay", req.RequestDelay)

	pace := newPacer(req.RequestDelay)

	meta := storage.Metadata{
		Market:      req.Market,
		Granularity: req.Granularity,
		CreatedAt:   startedAt.UTC(),
	}

	var (
		index int
		last  time.Time
	)
	for window := range gen.Windows() {
		stored, err := i.ingestWindow(ctx, pace, run, window, index, last, meta)
		if err != nil {
			wErr := &apperrors.WindowError{
				Index:   index,
				Window:  window,
				Elapsed: i.clock().Sub(startedAt),
				Stored:  run.CandlesStored,
				Err:     err,
			}
			_ = run.Fail(wErr, i.clock())
			logger.Critical(ctx, log, "ingestion halted",
				"window", window.String(),
				"window_index", index,
				"candles_stored", run.CandlesStored,
				"elapsed", wErr.Elapsed,
				"error", err)
			return run, wErr
		}

		if c, ok := stored.Last(); ok {
			last = c.Timestamp
		}
		if err := run.RecordWindow(len(stored), last, i.clock()); err != nil {
			return run, err
		}

		attrs := []any{
			"window", window.String(),
			"rows", len(stored),
			"expected_rows", window.Steps(),
			"total_rows", run.CandlesStored,
			"avg_seconds_per_request", run.AverageRequestSeconds(),
		}
		if first, ok := stored.First(); ok {
			attrs = append(attrs, "first_row", first.String())
		}
		log.Info("window stored", attrs...)
		index++
	}

	if err := run.Complete(i.clock()); err != nil {
		return run, err
	}
	log.Info("run completed",
		"windows", run.Windows,
		"candles", run.CandlesStored,
		"elapsed", run.Elapsed(),
		"avg_seconds_per_request", run.AverageRequestSeconds())
	return run, nil
}

// ingestWindow paces, fetches, normalizes and persists one window. It
// returns the batch that was stored.
func (i *Ingestor) ingestWindow(
	ctx context.Context,
	pace *pacer,
	run *models.Run,
	window models.TimeWindow,
	index int,
	last time.Time,
	meta storage.Metadata,
) (models.CandleSeries, error) {
	if err := pace.Wait(ctx); err != nil {
		return nil, fmt.Errorf("request pacing interrupted: %w", err)
	}

	run.Requests++
	raw, err := i.fetcher.Fetch(ctx, window)
	pace.Done()
	if err != nil {
		return nil, err
	}

	batch := Clip(Normalize(raw), window, last)
	if dropped := len(raw) - len(batch); dropped > 0 {
		i.logger.Debug("dropped records outside window or already stored",
			"window", window.String(),
			"dropped", dropped)
	}

	mode := metrics.ModeAppend
	if index == 0 {
		mode = metrics.ModeWrite
		err = i.store.Write(ctx, run.Key, batch, meta)
	} else {
		err = i.store.Append(ctx, run.Key, batch)
	}
	if err != nil {
		return nil, err
	}

	i.metrics.RecordWindowStored(mode, len(batch))
	return batch, nil
}
