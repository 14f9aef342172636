package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// ComputeFunc builds the feature table of one segment.
type ComputeFunc func(models.Segment) (*FeatureTable, error)

// Output is the outcome for one input segment. Exactly one of Table and Err
// is set.
type Output struct {
	Segment models.Segment
	Table   *FeatureTable
	Err     error
	Elapsed time.Duration
}

// Result holds one Output per input segment, in input order.
type Result struct {
	Outputs  []Output
	Failures []*apperrors.SegmentError
	Elapsed  time.Duration
}

// Tables returns the successful tables in input order.
func (r *Result) Tables() []*FeatureTable {
	tables := make([]*FeatureTable, 0, len(r.Outputs))
	for _, out := range r.Outputs {
		if out.Table != nil {
			tables = append(tables, out.Table)
		}
	}
	return tables
}

// Succeeded returns the number of segments with a table.
func (r *Result) Succeeded() int {
	return len(r.Outputs) - len(r.Failures)
}

// PoolStats reports pipeline activity across runs.
type PoolStats struct {
	Workers        int
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

type poolStats struct {
	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

// Pipeline computes feature tables for many segments on a bounded pool of
// workers. Each segment is one job; a failing job never affects the others.
type Pipeline struct {
	workers int
	compute ComputeFunc
	logger  *slog.Logger
	metrics *metrics.Recorder
	stats   poolStats
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers bounds the pool. Non-positive means runtime.GOMAXPROCS(0).
func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = recorder }
}

// WithComputeFunc replaces Compute.
func WithComputeFunc(fn ComputeFunc) Option {
	return func(p *Pipeline) { p.compute = fn }
}

// NewPipeline creates a pipeline.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		compute: Compute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers <= 0 {
		p.workers = runtime.GOMAXPROCS(0)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "feature_pipeline")
	return p
}

// Workers returns the pool size.
func (p *Pipeline) Workers() int {
	return p.workers
}

// Run computes every segment and waits for all of them. Outputs are in the
// order of segments regardless of completion order. Zero segments give an
// empty result. Once ctx is done, jobs that have not started fail with the
// context error.
func (p *Pipeline) Run(ctx context.Context, segments []models.Segment) *Result {
	started := time.Now()
	result := &Result{Outputs: make([]Output, len(segments))}
	if len(segments) == 0 {
		return result
	}

	workers := min(p.workers, len(segments))
	p.logger.Info("starting feature pipeline", "segments", len(segments), "workers", workers)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for id := 1; id <= workers; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				result.Outputs[idx] = p.process(ctx, id, segments[idx])
			}
		}()
	}
	for idx := range segments {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	for _, out := range result.Outputs {
		if out.Err == nil {
			continue
		}
		var segErr *apperrors.SegmentError
		if !errors.As(out.Err, &segErr) {
			segErr = apperrors.NewSegmentError(out.Segment, out.Err)
		}
		result.Failures = append(result.Failures, segErr)
	}
	result.Elapsed = time.Since(started)

	p.logger.Info("feature pipeline finished",
		"segments", len(segments),
		"succeeded", result.Succeeded(),
		"failed", len(result.Failures),
		"elapsed", result.Elapsed)
	return result
}

// process runs one job on worker id. Panics become segment errors.
func (p *Pipeline) process(ctx context.Context, id int, segment models.Segment) (out Output) {
	start := time.Now()
	out.Segment = segment

	defer func() {
		if r := recover(); r != nil {
			out.Table = nil
			out.Err = apperrors.NewSegmentError(segment, fmt.Errorf("panic: %v", r))
		}
		out.Elapsed = time.Since(start)
		p.record(id, out)
	}()

	if err := ctx.Err(); err != nil {
		out.Err = apperrors.NewSegmentError(segment, err)
		return out
	}

	table, err := p.compute(segment)
	switch {
	case err != nil:
		out.Err = apperrors.NewSegmentError(segment, err)
	case table == nil:
		out.Err = apperrors.NewSegmentError(segment, fmt.Errorf("no feature table produced"))
	default:
		out.Table = table
	}
	return out
}

func (p *Pipeline) record(id int, out Output) {
	atomic.AddInt64(&p.stats.totalJobTime, out.Elapsed.Nanoseconds())
	if out.Err != nil {
		atomic.AddInt64(&p.stats.failedJobs, 1)
		p.metrics.RecordSegment(metrics.SegmentFailed, out.Elapsed)
		p.logger.Error("segment failed",
			"worker_id", id,
			"segment", out.Segment.Index,
			"candles", out.Segment.Len(),
			"error", out.Err,
			"duration", out.Elapsed)
		return
	}
	atomic.AddInt64(&p.stats.completedJobs, 1)
	p.metrics.RecordSegment(metrics.SegmentOK, out.Elapsed)
	p.logger.Debug("segment computed",
		"worker_id", id,
		"segment", out.Segment.Index,
		"rows", out.Table.Len(),
		"duration", out.Elapsed)
}

// Stats returns cumulative pool statistics.
func (p *Pipeline) Stats() PoolStats {
	completed := atomic.LoadInt64(&p.stats.completedJobs)
	failed := atomic.LoadInt64(&p.stats.failedJobs)

	var avg time.Duration
	if n := completed + failed; n > 0 {
		avg = time.Duration(atomic.LoadInt64(&p.stats.totalJobTime) / n)
	}
	return PoolStats{
		Workers:        p.workers,
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avg,
	}
}
