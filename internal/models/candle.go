// Package models provides the data structures shared by the acquisition and
// analysis stages: candles, raw upstream records, time windows, granularities,
// segments, gaps and data-quality warnings.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one granularity step.
// Candles are never mutated once persisted.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// RawCandle is one upstream record before normalization. Its field order
// follows the upstream 6-tuple [time, low, high, open, close, volume].
type RawCandle struct {
	Time   int64           `json:"time"`
	Low    decimal.Decimal `json:"low"`
	High   decimal.Decimal `json:"high"`
	Open   decimal.Decimal `json:"open"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Candle converts the raw record into a Candle with a UTC timestamp.
func (r RawCandle) Candle() Candle {
	return Candle{
		Timestamp: time.Unix(r.Time, 0).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}
}

// NewCandle creates a candle from float values. Mostly useful for fixtures and
// for storage backends that persist prices as DOUBLE columns.
func NewCandle(timestamp time.Time, open, high, low, close, volume float64) Candle {
	return Candle{
		Timestamp: timestamp.UTC(),
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromFloat(volume),
	}
}

// Equal reports whether two candles carry the same timestamp and values.
func (c Candle) Equal(other Candle) bool {
	return c.Timestamp.Equal(other.Timestamp) &&
		c.Open.Equal(other.Open) &&
		c.High.Equal(other.High) &&
		c.Low.Equal(other.Low) &&
		c.Close.Equal(other.Close) &&
		c.Volume.Equal(other.Volume)
}

// TypicalPrice returns (High + Low + Close) / 3.
func (c Candle) TypicalPrice() decimal.Decimal {
	return c.High.Add(c.Low).Add(c.Close).Div(decimal.NewFromInt(3))
}

// HasZeroVolume reports whether no volume was traded during the candle.
func (c Candle) HasZeroVolume() bool {
	return c.Volume.IsZero()
}

// String returns a human-readable representation of the candle.
func (c Candle) String() string {
	return fmt.Sprintf("Candle{Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// CandleSeries is an ordered sequence of candles. Once normalized its
// timestamps are strictly increasing.
type CandleSeries []Candle

// First returns the earliest candle and false when the series is empty.
func (s CandleSeries) First() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[0], true
}

// Last returns the latest candle and false when the series is empty.
func (s CandleSeries) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Timestamps returns the candle timestamps in series order.
func (s CandleSeries) Timestamps() []time.Time {
	out := make([]time.Time, len(s))
	for i, c := range s {
		out[i] = c.Timestamp
	}
	return out
}

// IsCanonical reports whether timestamps are strictly increasing.
func (s CandleSeries) IsCanonical() bool {
	for i := 1; i < len(s); i++ {
		if !s[i].Timestamp.After(s[i-1].Timestamp) {
			return false
		}
	}
	return true
}

// Between returns the candles with start <= timestamp < end. The returned
// slice shares the backing array with s.
func (s CandleSeries) Between(start, end time.Time) CandleSeries {
	lo, hi := -1, len(s)
	for i, c := range s {
		if lo < 0 && !c.Timestamp.Before(start) {
			lo = i
		}
		if !c.Timestamp.Before(end) {
			hi = i
			break
		}
	}
	if lo < 0 || lo >= hi {
		return CandleSeries{}
	}
	return s[lo:hi]
}

// Equal reports whether both series hold equal candles in the same order.
func (s CandleSeries) Equal(other CandleSeries) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if !s[i].Equal(other[i]) {
			return false
		}
	}
	return true
}
