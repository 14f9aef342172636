// Package storage defines the append-only series store used by ingestion and
// analysis, together with its memory, DuckDB and SQLite backends.
//
// A series item is created exactly once with Write and then grown with Append.
// Every backend keeps the stored timestamps strictly ascending: an appended
// batch must start after the last stored candle.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// Sentinel errors shared by every backend. They are wrapped in *StorageError,
// so callers test them with errors.Is.
var (
	ErrItemExists   = errors.New("item already exists")
	ErrItemNotFound = errors.New("item not found")
	ErrOutOfOrder   = errors.New("batch breaks strict timestamp ordering")
	ErrClosed       = errors.New("storage is closed")
)

// Metadata describes a stored series.
type Metadata struct {
	Market      string             `json:"market"`
	Granularity models.Granularity `json:"granularity"`
	CreatedAt   time.Time          `json:"created_at"`
}

// SeriesWriter persists a series in batches.
type SeriesWriter interface {
	// Write creates the item with its first batch. It fails with
	// ErrItemExists when the key is already present.
	Write(ctx context.Context, key string, series models.CandleSeries, meta Metadata) error

	// Append adds a batch to an existing item. It fails with ErrItemNotFound
	// for an unknown key and ErrOutOfOrder when the batch does not start after
	// the last stored timestamp.
	Append(ctx context.Context, key string, series models.CandleSeries) error
}

// SeriesReader loads stored series for analysis.
type SeriesReader interface {
	// Read returns the full series in ascending order.
	Read(ctx context.Context, key string) (models.CandleSeries, Metadata, error)

	// Keys lists stored item keys in lexical order.
	Keys(ctx context.Context) ([]string, error)
}

// HealthChecker verifies the backend is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// AppendStore is the full store contract implemented by every backend.
type AppendStore interface {
	SeriesWriter
	SeriesReader
	HealthChecker
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendDuckDB = "duckdb"
	BackendSQLite = "sqlite"
)

// Open creates and initializes the backend selected by cfg.Type.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (AppendStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendDuckDB:
		if err := ensureDir(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		store, err := NewDuckDBStore(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Initialize(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case BackendSQLite:
		if err := ensureDir(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		return NewSQLiteStore(ctx, cfg.DatabaseURL, logger)
	default:
		return nil, NewStorageError("open", "", "", fmt.Errorf("unsupported storage type: %s", cfg.Type))
	}
}

// ensureDir creates the parent directory of a database file.
func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return NewStorageError("open", "", "", fmt.Errorf("failed to create database directory %s: %w", dir, err))
	}
	return nil
}

// checkBatch verifies a batch is strictly ascending on its own.
func checkBatch(series models.CandleSeries) error {
	if !series.IsCanonical() {
		return ErrOutOfOrder
	}
	return nil
}

// checkAfter verifies a batch starts strictly after last. A zero last means
// the item is still empty.
func checkAfter(last time.Time, series models.CandleSeries) error {
	if err := checkBatch(series); err != nil {
		return err
	}
	if len(series) == 0 || last.IsZero() {
		return nil
	}
	if !series[0].Timestamp.After(last) {
		return fmt.Errorf("%w: batch starts at %s, last stored %s",
			ErrOutOfOrder, series[0].Timestamp.Format(time.RFC3339), last.Format(time.RFC3339))
	}
	return nil
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "write", "append")
	Operation string

	// Key is the series item involved, if any
	Key string

	// Table is the database table involved in the operation
	Table string

	// Err is the underlying error that caused the failure
	Err error
}

func (e *StorageError) Error() string {
	switch {
	case e.Key != "" && e.Table != "":
		return fmt.Sprintf("storage operation %s on %s (table %s) failed: %v", e.Operation, e.Key, e.Table, e.Err)
	case e.Key != "":
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Key, e.Err)
	case e.Table != "":
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, key, table string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Key:       key,
		Table:     table,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for read operations.
func NewQueryError(key, table string, err error) *StorageError {
	return NewStorageError("query", key, table, err)
}

// NewInsertError creates a StorageError for write and append operations.
func NewInsertError(key, table string, err error) *StorageError {
	return NewStorageError("insert", key, table, err)
}
