package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// Migration is one versioned schema step for the SQL backends that manage
// their own schema.
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationStatus reports how far a database has been migrated.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Applied        []AppliedMigration
	Pending        int
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version       int
	Description   string
	AppliedAt     time.Time
	ExecutionTime time.Duration
}

// MigrationManager applies and rolls back migrations, recording each applied
// version in schema_migrations.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a manager for the series schema.
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: seriesMigrations(),
	}
}

func (m *MigrationManager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Latest returns the highest known migration version.
func (m *MigrationManager) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// MigrateToLatest applies every pending migration.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.Latest())
}

// Migrate applies pending migrations up to and including target.
func (m *MigrationManager) Migrate(ctx context.Context, target int) error {
	current, err := m.prepare(ctx)
	if err != nil {
		return err
	}
	if current >= target {
		m.logger.Debug("schema up to date", "version", current)
		return nil
	}

	for _, mig := range m.migrations {
		if mig.Version <= current || mig.Version > target {
			continue
		}
		started := time.Now()
		err := m.inTx(ctx, mig.Up,
			"INSERT INTO schema_migrations (version, description, applied_at, execution_time) VALUES (?, ?, ?, ?)",
			func() []any {
				return []any{mig.Version, mig.Description, started.UTC(), time.Since(started).Nanoseconds()}
			})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Description, err)
		}
		m.logger.Info("migration applied", "version", mig.Version, "duration", time.Since(started))
	}
	return nil
}

// Rollback reverts applied migrations above target, newest first.
func (m *MigrationManager) Rollback(ctx context.Context, target int) error {
	current, err := m.prepare(ctx)
	if err != nil {
		return err
	}

	for _, mig := range slices.Backward(m.migrations) {
		if mig.Version <= target || mig.Version > current {
			continue
		}
		if mig.Down == nil {
			return fmt.Errorf("migration %d cannot be rolled back", mig.Version)
		}
		err := m.inTx(ctx, mig.Down,
			"DELETE FROM schema_migrations WHERE version = ?",
			func() []any { return []any{mig.Version} })
		if err != nil {
			return fmt.Errorf("rollback of migration %d: %w", mig.Version, err)
		}
		m.logger.Info("migration rolled back", "version", mig.Version)
	}
	return nil
}

// Status returns the applied and pending migrations.
func (m *MigrationManager) Status(ctx context.Context) (*MigrationStatus, error) {
	current, err := m.prepare(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT version, description, applied_at, execution_time FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	status := &MigrationStatus{CurrentVersion: current, LatestVersion: m.Latest()}
	for rows.Next() {
		var (
			row   AppliedMigration
			nanos int64
		)
		if err := rows.Scan(&row.Version, &row.Description, &row.AppliedAt, &nanos); err != nil {
			return nil, err
		}
		row.ExecutionTime = time.Duration(nanos)
		status.Applied = append(status.Applied, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, mig := range m.migrations {
		if mig.Version > current {
			status.Pending++
		}
	}
	return status, nil
}

// prepare creates the bookkeeping table and returns the current version.
func (m *MigrationManager) prepare(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	return m.currentVersion(ctx)
}

// inTx runs step and the bookkeeping statement in one transaction. args is
// evaluated after step so timings include it.
func (m *MigrationManager) inTx(ctx context.Context, step func(context.Context, *sql.Tx) error, record string, args func() []any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := step(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, record, args()...); err != nil {
		return fmt.Errorf("schema_migrations: %w", err)
	}
	return tx.Commit()
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func seriesMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "series items and candles",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS series_items (
					key VARCHAR PRIMARY KEY,
					market VARCHAR NOT NULL,
					granularity INTEGER NOT NULL,
					created_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS series_candles (
					key VARCHAR NOT NULL,
					ts TIMESTAMPTZ NOT NULL,
					open DOUBLE NOT NULL,
					high DOUBLE NOT NULL,
					low DOUBLE NOT NULL,
					close DOUBLE NOT NULL,
					volume DOUBLE NOT NULL,
					PRIMARY KEY (key, ts)
				)`,
			),
			Down: execAll(
				"DROP TABLE IF EXISTS series_candles",
				"DROP TABLE IF EXISTS series_items",
			),
		},
		{
			Version:     2,
			Description: "market index on series items",
			Up:          execAll("CREATE INDEX IF NOT EXISTS idx_series_items_market ON series_items (market)"),
			Down:        execAll("DROP INDEX IF EXISTS idx_series_items_market"),
		},
	}
}

func execAll(queries ...string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, q := range queries {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("failed to execute %q: %w", q, err)
			}
		}
		return nil
	}
}
