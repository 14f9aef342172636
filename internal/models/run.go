package models

import (
	"fmt"
	"time"
)

// RunStatus represents the current state of an ingestion run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"   // StatusPending indicates the run has not fetched yet
	StatusRunning   RunStatus = "running"   // StatusRunning indicates windows are being fetched
	StatusCompleted RunStatus = "completed" // StatusCompleted indicates the bound was reached
	StatusFailed    RunStatus = "failed"    // StatusFailed indicates a window could not be fetched or stored
)

// KeyTimeLayout formats the run start in a store key.
const KeyTimeLayout = "2006-01-02-15-04-05"

// ItemKey builds the store key for a run: <market>-<YYYY-mm-dd-HH-MM-SS>.
func ItemKey(market string, runStart time.Time) string {
	return market + "-" + runStart.UTC().Format(KeyTimeLayout)
}

// ParseItemKey splits a key built by ItemKey into its market and run start.
func ParseItemKey(key string) (string, time.Time, error) {
	cut := len(key) - len(KeyTimeLayout) - 1
	if cut < 1 || key[cut] != '-' {
		return "", time.Time{}, fmt.Errorf("key %q does not end in -%s", key, KeyTimeLayout)
	}
	runStart, err := time.Parse(KeyTimeLayout, key[cut+1:])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("key %q: %w", key, err)
	}
	return key[:cut], runStart, nil
}

// Run tracks one ingestion run from the first window to the bound.
// Progress fields are updated after every stored window.
type Run struct {
	ID            string      `json:"id"`
	Key           string      `json:"key"`
	Market        string      `json:"market"`
	Granularity   Granularity `json:"granularity"`
	Start         time.Time   `json:"start"`
	Status        RunStatus   `json:"status"`
	Windows       int         `json:"windows"`
	Requests      int         `json:"requests"`
	CandlesStored int         `json:"candles_stored"`
	LastTimestamp time.Time   `json:"last_timestamp"`
	Error         string      `json:"error,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// NewRun creates a pending run keyed by market and the wall-clock start.
func NewRun(id, market string, granularity Granularity, start, startedAt time.Time) *Run {
	return &Run{
		ID:          id,
		Key:         ItemKey(market, startedAt),
		Market:      market,
		Granularity: granularity,
		Start:       start.UTC(),
		Status:      StatusPending,
		StartedAt:   startedAt.UTC(),
		UpdatedAt:   startedAt.UTC(),
	}
}

// Begin transitions the run from pending to running.
func (r *Run) Begin(now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("cannot start run: current status is %s, expected %s", r.Status, StatusPending)
	}
	r.Status = StatusRunning
	r.UpdatedAt = now.UTC()
	return nil
}

// RecordWindow adds one stored window to the progress counters.
func (r *Run) RecordWindow(stored int, last time.Time, now time.Time) error {
	if r.Status != StatusRunning {
		return fmt.Errorf("cannot record window: current status is %s, expected %s", r.Status, StatusRunning)
	}
	if stored < 0 {
		return fmt.Errorf("invalid stored count: %d, cannot be negative", stored)
	}

	r.Windows++
	r.CandlesStored += stored
	if !last.IsZero() {
		r.LastTimestamp = last
	}
	r.UpdatedAt = now.UTC()
	return nil
}

// Complete transitions the run from running to completed.
func (r *Run) Complete(now time.Time) error {
	if r.Status != StatusRunning {
		return fmt.Errorf("cannot complete run: current status is %s, expected %s", r.Status, StatusRunning)
	}
	r.Status = StatusCompleted
	r.Error = ""
	r.UpdatedAt = now.UTC()
	return nil
}

// Fail transitions the run from running to failed and records the cause.
func (r *Run) Fail(cause error, now time.Time) error {
	if r.Status != StatusRunning {
		return fmt.Errorf("cannot fail run: current status is %s, expected %s", r.Status, StatusRunning)
	}
	r.Status = StatusFailed
	if cause != nil {
		r.Error = cause.Error()
	}
	r.UpdatedAt = now.UTC()
	return nil
}

// Elapsed returns the time between the run start and its last update.
func (r *Run) Elapsed() time.Duration {
	return r.UpdatedAt.Sub(r.StartedAt)
}

// AverageRequestSeconds is the mean wall-clock time per API request.
func (r *Run) AverageRequestSeconds() float64 {
	if r.Requests == 0 {
		return 0
	}
	return r.Elapsed().Seconds() / float64(r.Requests)
}

// Summary returns a one-line description for logs.
func (r *Run) Summary() string {
	return fmt.Sprintf("Run %s: %s %s from %s - Status: %s (%d windows, %d candles, last %s)",
		r.Key,
		r.Market,
		r.Granularity,
		r.Start.Format("2006-01-02 15:04:05"),
		r.Status,
		r.Windows,
		r.CandlesStored,
		r.LastTimestamp.Format("2006-01-02 15:04:05"),
	)
}
