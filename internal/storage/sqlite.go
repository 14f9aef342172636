package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqliteBatchSize bounds the rows per INSERT statement.
const sqliteBatchSize = 500

// SeriesItemModel is the gorm row for one stored series.
type SeriesItemModel struct {
	Key         string    `gorm:"primaryKey;size:128"`
	Market      string    `gorm:"size:32;not null;index"`
	Granularity int       `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (SeriesItemModel) TableName() string {
	return itemsTable
}

// SeriesCandleModel is the gorm row for one candle. Prices are stored as
// decimal text so values survive a round trip unchanged.
type SeriesCandleModel struct {
	Key    string          `gorm:"primaryKey;size:128"`
	Ts     int64           `gorm:"primaryKey;autoIncrement:false"`
	Open   decimal.Decimal `gorm:"type:text;not null"`
	High   decimal.Decimal `gorm:"type:text;not null"`
	Low    decimal.Decimal `gorm:"type:text;not null"`
	Close  decimal.Decimal `gorm:"type:text;not null"`
	Volume decimal.Decimal `gorm:"type:text;not null"`
}

func (SeriesCandleModel) TableName() string {
	return candlesTable
}

func toCandleModel(key string, c models.Candle) SeriesCandleModel {
	return SeriesCandleModel{
		Key:    key,
		Ts:     c.Timestamp.Unix(),
		Open:   c.Open,
		High:   c.High,
		Low:    c.Low,
		Close:  c.Close,
		Volume: c.Volume,
	}
}

func (m SeriesCandleModel) candle() models.Candle {
	return models.Candle{
		Timestamp: time.Unix(m.Ts, 0).UTC(),
		Open:      m.Open,
		High:      m.High,
		Low:       m.Low,
		Close:     m.Close,
		Volume:    m.Volume,
	}
}

// SQLiteStore is an AppendStore on SQLite through gorm. Each Write and
// Append runs in one transaction.
type SQLiteStore struct {
	db     *gorm.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore opens the database at path and migrates the schema.
func NewSQLiteStore(ctx context.Context, path string, log *slog.Logger) (*SQLiteStore, error) {
	return openSQLiteStore(ctx, sqlite.Open(path), path, log)
}

func openSQLiteStore(ctx context.Context, dialector gorm.Dialector, path string, log *slog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open SQLite database: %w", err))
	}

	if err := db.WithContext(ctx).AutoMigrate(&SeriesItemModel{}, &SeriesCandleModel{}); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			sqlDB.Close()
		}
		return nil, NewStorageError("initialize", "", "", fmt.Errorf("failed to migrate schema: %w", err))
	}

	log.Info("SQLite storage initialized", "path", path)
	return &SQLiteStore{db: db, path: path, logger: log}, nil
}

// Write implements SeriesWriter.
func (s *SQLiteStore) Write(ctx context.Context, key string, series models.CandleSeries, meta Metadata) error {
	if err := checkBatch(series); err != nil {
		return NewInsertError(key, candlesTable, err)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&SeriesItemModel{}).Where("key = ?", key).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrItemExists
		}

		item := SeriesItemModel{
			Key:         key,
			Market:      meta.Market,
			Granularity: int(meta.Granularity),
			CreatedAt:   meta.CreatedAt.UTC(),
		}
		if err := tx.Create(&item).Error; err != nil {
			return err
		}
		return insertCandles(tx, key, series)
	})
	if err != nil {
		return NewInsertError(key, itemsTable, err)
	}
	return nil
}

// Append implements SeriesWriter.
func (s *SQLiteStore) Append(ctx context.Context, key string, series models.CandleSeries) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&SeriesItemModel{}).Where("key = ?", key).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrItemNotFound
		}

		var lastTs sql.NullInt64
		if err := tx.Model(&SeriesCandleModel{}).Where("key = ?", key).Select("MAX(ts)").Row().Scan(&lastTs); err != nil {
			return err
		}
		var last time.Time
		if lastTs.Valid {
			last = time.Unix(lastTs.Int64, 0).UTC()
		}
		if err := checkAfter(last, series); err != nil {
			return err
		}
		return insertCandles(tx, key, series)
	})
	if err != nil {
		return NewInsertError(key, candlesTable, err)
	}
	return nil
}

func insertCandles(tx *gorm.DB, key string, series models.CandleSeries) error {
	if len(series) == 0 {
		return nil
	}
	rows := make([]SeriesCandleModel, 0, len(series))
	for _, c := range series {
		rows = append(rows, toCandleModel(key, c))
	}
	return tx.CreateInBatches(&rows, sqliteBatchSize).Error
}

// Read implements SeriesReader.
func (s *SQLiteStore) Read(ctx context.Context, key string) (models.CandleSeries, Metadata, error) {
	db := s.db.WithContext(ctx)

	var item SeriesItemModel
	if err := db.Where("key = ?", key).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Metadata{}, NewQueryError(key, itemsTable, ErrItemNotFound)
		}
		return nil, Metadata{}, NewQueryError(key, itemsTable, err)
	}

	var rows []SeriesCandleModel
	if err := db.Where("key = ?", key).Order("ts").Find(&rows).Error; err != nil {
		return nil, Metadata{}, NewQueryError(key, candlesTable, err)
	}

	series := make(models.CandleSeries, 0, len(rows))
	for _, row := range rows {
		series = append(series, row.candle())
	}
	meta := Metadata{
		Market:      item.Market,
		Granularity: models.Granularity(item.Granularity),
		CreatedAt:   item.CreatedAt.UTC(),
	}
	return series, meta, nil
}

// Keys implements SeriesReader.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	if err := s.db.WithContext(ctx).Model(&SeriesItemModel{}).Order("key").Pluck("key", &keys).Error; err != nil {
		return nil, NewQueryError("", itemsTable, err)
	}
	return keys, nil
}

// HealthCheck pings the underlying connection pool.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	if err := sqlDB.Close(); err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}
