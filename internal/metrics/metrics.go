// Package metrics exposes Prometheus counters for the ingestion and analysis
// stages and an optional HTTP server that serves them alongside a health check.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch attempt outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Store modes.
const (
	ModeWrite  = "write"
	ModeAppend = "append"
)

// Segment statuses.
const (
	SegmentOK     = "ok"
	SegmentFailed = "failed"
)

// Recorder records pipeline metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	fetchAttempts   *prometheus.CounterVec
	backoffSeconds  prometheus.Counter
	windowsStored   *prometheus.CounterVec
	candlesStored   prometheus.Counter
	segments        *prometheus.CounterVec
	segmentDuration prometheus.Histogram
}

// New creates a Recorder registered on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Recorder{
		fetchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ohlcv_fetch_attempts_total",
				Help: "Total number of historic rates requests by outcome",
			},
			[]string{"outcome"},
		),
		backoffSeconds: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ohlcv_backoff_seconds_total",
				Help: "Total time spent backing off after rate limits",
			},
		),
		windowsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ohlcv_windows_stored_total",
				Help: "Total number of windows persisted by store mode",
			},
			[]string{"mode"},
		),
		candlesStored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ohlcv_candles_stored_total",
				Help: "Total number of candles persisted",
			},
		),
		segments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ohlcv_segments_total",
				Help: "Total number of segments processed by status",
			},
			[]string{"status"},
		),
		segmentDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ohlcv_segment_duration_seconds",
				Help:    "Feature computation time per segment",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordFetchAttempt counts one upstream request.
func (r *Recorder) RecordFetchAttempt(outcome string) {
	if r == nil {
		return
	}
	r.fetchAttempts.WithLabelValues(outcome).Inc()
}

// RecordBackoff adds a retry sleep.
func (r *Recorder) RecordBackoff(d time.Duration) {
	if r == nil {
		return
	}
	r.backoffSeconds.Add(d.Seconds())
}

// RecordWindowStored counts a persisted batch.
func (r *Recorder) RecordWindowStored(mode string, candles int) {
	if r == nil {
		return
	}
	r.windowsStored.WithLabelValues(mode).Inc()
	r.candlesStored.Add(float64(candles))
}

// RecordSegment counts a finished segment and observes its compute time.
func (r *Recorder) RecordSegment(status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.segments.WithLabelValues(status).Inc()
	r.segmentDuration.Observe(elapsed.Seconds())
}

// Server serves /metrics and /health while a run is in progress.
type Server struct {
	config    config.MetricsConfig
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	server    *http.Server
	startTime time.Time
}

// NewServer creates a metrics server. A nil gatherer uses the default registry.
func NewServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:   cfg,
		logger:   logger,
		gatherer: gatherer,
	}
}

// Handler returns the HTTP routes served by the metrics server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving in the background. It is a no-op when metrics are disabled.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("metrics server disabled")
		return nil
	}
	if s.config.Port <= 0 {
		return fmt.Errorf("invalid metrics port: %d", s.config.Port)
	}

	s.startTime = time.Now()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("metrics HTTP server starting", "addr", s.server.Addr, "path", s.config.Path)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}

	s.logger.Info("metrics server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if !s.startTime.IsZero() {
		status["uptime"] = time.Since(s.startTime).String()
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
