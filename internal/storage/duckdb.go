package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"
)

const (
	itemsTable   = "series_items"
	candlesTable = "series_candles"
)

// DuckDBStore is the default AppendStore. Batches are inserted through the
// DuckDB Appender API; prices and volumes are stored as DOUBLE.
type DuckDBStore struct {
	db         *sql.DB
	dbPath     string
	logger     *slog.Logger
	migrations *MigrationManager

	// mu serializes writers; DuckDB runs with a single connection
	mu sync.RWMutex
}

// NewDuckDBStore opens a DuckDB database. dbPath may be ":memory:" or a file.
// Call Initialize before use.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dbPath == ":memory:" {
		dbPath = ""
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// single writer pattern recommended for DuckDB
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{
		db:         db,
		dbPath:     dbPath,
		logger:     logger,
		migrations: NewMigrationManager(db, logger),
	}, nil
}

// Initialize applies connection settings and migrates the schema.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	for _, setting := range []string{
		"SET enable_progress_bar = false",
		"SET TimeZone = 'UTC'",
	} {
		if _, err := d.db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	if err := d.migrations.MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	return nil
}

// Migrations exposes the schema manager.
func (d *DuckDBStore) Migrations() *MigrationManager {
	return d.migrations
}

// Write implements SeriesWriter.
func (d *DuckDBStore) Write(ctx context.Context, key string, series models.CandleSeries, meta Metadata) error {
	if err := checkBatch(series); err != nil {
		return NewInsertError(key, candlesTable, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.conn(ctx)
	if err != nil {
		return NewInsertError(key, itemsTable, err)
	}
	defer conn.Close()

	exists, err := itemExists(ctx, conn, key)
	if err != nil {
		return NewQueryError(key, itemsTable, err)
	}
	if exists {
		return NewInsertError(key, itemsTable, ErrItemExists)
	}

	// the item must not survive a failed first batch
	err = d.inTx(ctx, conn, func() error {
		if _, err := conn.ExecContext(ctx,
			"INSERT INTO series_items (key, market, granularity, created_at) VALUES (?, ?, ?, ?)",
			key, meta.Market, int(meta.Granularity), meta.CreatedAt.UTC()); err != nil {
			return NewInsertError(key, itemsTable, err)
		}
		if err := d.appendCandles(ctx, conn, key, series); err != nil {
			return NewInsertError(key, candlesTable, err)
		}
		return nil
	})
	if err != nil {
		var sErr *StorageError
		if errors.As(err, &sErr) {
			return err
		}
		return NewInsertError(key, itemsTable, err)
	}

	d.logger.Debug("series item written", "key", key, "candles", len(series))
	return nil
}

// Append implements SeriesWriter.
func (d *DuckDBStore) Append(ctx context.Context, key string, series models.CandleSeries) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.conn(ctx)
	if err != nil {
		return NewInsertError(key, candlesTable, err)
	}
	defer conn.Close()

	exists, err := itemExists(ctx, conn, key)
	if err != nil {
		return NewQueryError(key, itemsTable, err)
	}
	if !exists {
		return NewInsertError(key, itemsTable, ErrItemNotFound)
	}

	var last sql.NullTime
	if err := conn.QueryRowContext(ctx, "SELECT MAX(ts) FROM series_candles WHERE key = ?", key).Scan(&last); err != nil {
		return NewQueryError(key, candlesTable, err)
	}
	if err := checkAfter(last.Time, series); err != nil {
		return NewInsertError(key, candlesTable, err)
	}

	err = d.inTx(ctx, conn, func() error {
		return d.appendCandles(ctx, conn, key, series)
	})
	if err != nil {
		return NewInsertError(key, candlesTable, err)
	}

	d.logger.Debug("series item appended", "key", key, "candles", len(series))
	return nil
}

// inTx runs fn inside an explicit transaction on conn. The appender shares
// the connection, so rows it already flushed roll back with everything else.
// Rollback ignores cancellation of ctx.
func (d *DuckDBStore) inTx(ctx context.Context, conn *sql.Conn, fn func() error) error {
	if _, err := conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err := fn()
	if err == nil {
		if _, err = conn.ExecContext(ctx, "COMMIT"); err == nil {
			return nil
		}
		err = fmt.Errorf("failed to commit: %w", err)
	}

	if _, rerr := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); rerr != nil {
		d.logger.Error("rollback failed", "error", rerr)
	}
	return err
}

// appendCandles streams a batch through the DuckDB appender on conn.
func (d *DuckDBStore) appendCandles(ctx context.Context, conn *sql.Conn, key string, series models.CandleSeries) error {
	if len(series) == 0 {
		return nil
	}

	start := time.Now()
	err := conn.Raw(func(dc any) error {
		driverConn, ok := dc.(driver.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", candlesTable)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		for _, c := range series {
			if err := appender.AppendRow(
				key,
				c.Timestamp.UTC(),
				c.Open.InexactFloat64(),
				c.High.InexactFloat64(),
				c.Low.InexactFloat64(),
				c.Close.InexactFloat64(),
				c.Volume.InexactFloat64(),
			); err != nil {
				appender.Close()
				return fmt.Errorf("failed to append candle %s: %w", c.String(), err)
			}
		}

		// Close flushes the pending rows
		return appender.Close()
	})
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	d.logger.Debug("appended candles",
		"key", key,
		"count", len(series),
		"duration", elapsed,
		"rate_per_sec", float64(len(series))/elapsed.Seconds())
	return ctx.Err()
}

// Read implements SeriesReader.
func (d *DuckDBStore) Read(ctx context.Context, key string) (models.CandleSeries, Metadata, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, Metadata{}, NewQueryError(key, itemsTable, ErrClosed)
	}

	var (
		meta        Metadata
		granularity int
	)
	err := d.db.QueryRowContext(ctx,
		"SELECT market, granularity, created_at FROM series_items WHERE key = ?", key).
		Scan(&meta.Market, &granularity, &meta.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Metadata{}, NewQueryError(key, itemsTable, ErrItemNotFound)
	}
	if err != nil {
		return nil, Metadata{}, NewQueryError(key, itemsTable, err)
	}
	meta.Granularity = models.Granularity(granularity)
	meta.CreatedAt = meta.CreatedAt.UTC()

	rows, err := d.db.QueryContext(ctx,
		"SELECT ts, open, high, low, close, volume FROM series_candles WHERE key = ? ORDER BY ts", key)
	if err != nil {
		return nil, Metadata{}, NewQueryError(key, candlesTable, err)
	}
	defer rows.Close()

	series := models.CandleSeries{}
	for rows.Next() {
		var (
			ts                             time.Time
			open, high, low, close, volume float64
		)
		if err := rows.Scan(&ts, &open, &high, &low, &close, &volume); err != nil {
			return nil, Metadata{}, NewQueryError(key, candlesTable, fmt.Errorf("failed to scan row: %w", err))
		}
		series = append(series, models.Candle{
			Timestamp: ts.UTC(),
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(close),
			Volume:    decimal.NewFromFloat(volume),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, Metadata{}, NewQueryError(key, candlesTable, fmt.Errorf("row iteration error: %w", err))
	}

	return series, meta, nil
}

// Keys implements SeriesReader.
func (d *DuckDBStore) Keys(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, NewQueryError("", itemsTable, ErrClosed)
	}

	rows, err := d.db.QueryContext(ctx, "SELECT key FROM series_items ORDER BY key")
	if err != nil {
		return nil, NewQueryError("", itemsTable, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, NewQueryError("", itemsTable, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("", itemsTable, err)
	}
	return keys, nil
}

// HealthCheck pings the database and runs a trivial query.
func (d *DuckDBStore) HealthCheck(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return ErrClosed
	}
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var one int
	if err := d.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("health query failed: %w", err)
	}
	return nil
}

// Close closes the database. Closing twice is not an error.
func (d *DuckDBStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	d.logger.Info("DuckDB storage closed", "db_path", d.dbPath)
	return nil
}

func (d *DuckDBStore) conn(ctx context.Context) (*sql.Conn, error) {
	if d.db == nil {
		return nil, ErrClosed
	}
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

func itemExists(ctx context.Context, conn *sql.Conn, key string) (bool, error) {
	var n int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM series_items WHERE key = ?", key).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
