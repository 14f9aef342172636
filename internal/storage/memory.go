package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// MemoryStore keeps series in process memory. It is used by tests and by
// dry runs that should not touch disk.
type MemoryStore struct {
	mu     sync.RWMutex
	items  map[string]*memoryItem
	closed bool
}

type memoryItem struct {
	meta    Metadata
	candles models.CandleSeries
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*memoryItem)}
}

// Write implements SeriesWriter.
func (m *MemoryStore) Write(ctx context.Context, key string, series models.CandleSeries, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return NewInsertError(key, "", err)
	}
	if err := checkBatch(series); err != nil {
		return NewInsertError(key, "", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError(key, "", ErrClosed)
	}
	if _, exists := m.items[key]; exists {
		return NewInsertError(key, "", ErrItemExists)
	}

	m.items[key] = &memoryItem{
		meta:    meta,
		candles: slices.Clone(series),
	}
	return nil
}

// Append implements SeriesWriter.
func (m *MemoryStore) Append(ctx context.Context, key string, series models.CandleSeries) error {
	if err := ctx.Err(); err != nil {
		return NewInsertError(key, "", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError(key, "", ErrClosed)
	}
	item, ok := m.items[key]
	if !ok {
		return NewInsertError(key, "", ErrItemNotFound)
	}

	var last models.Candle
	if c, ok := item.candles.Last(); ok {
		last = c
	}
	if err := checkAfter(last.Timestamp, series); err != nil {
		return NewInsertError(key, "", err)
	}

	item.candles = append(item.candles, series...)
	return nil
}

// Read implements SeriesReader. The returned series is a copy.
func (m *MemoryStore) Read(ctx context.Context, key string) (models.CandleSeries, Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, Metadata{}, NewQueryError(key, "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, Metadata{}, NewQueryError(key, "", ErrClosed)
	}
	item, ok := m.items[key]
	if !ok {
		return nil, Metadata{}, NewQueryError(key, "", ErrItemNotFound)
	}
	return slices.Clone(item.candles), item.meta, nil
}

// Keys implements SeriesReader.
func (m *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewQueryError("", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("", "", ErrClosed)
	}
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// HealthCheck verifies that the memory store is still open.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close releases the stored series. Closing twice is not an error.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
	return nil
}
