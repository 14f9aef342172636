package collector

import (
	"slices"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// Normalize turns raw upstream records into a canonical series: UTC
// timestamps, ascending, one candle per timestamp. OHLC consistency is not
// checked.
func Normalize(raw []models.RawCandle) models.CandleSeries {
	series := make(models.CandleSeries, 0, len(raw))
	for _, r := range raw {
		series = append(series, r.Candle())
	}
	return Canonicalize(series)
}

// Canonicalize returns a sorted copy of series with duplicate timestamps
// removed. The sort is stable, so the first occurrence of a timestamp wins.
// Canonicalize(Canonicalize(s)) equals Canonicalize(s).
func Canonicalize(series models.CandleSeries) models.CandleSeries {
	out := slices.Clone(series)
	if out == nil {
		out = models.CandleSeries{}
	}
	slices.SortStableFunc(out, func(a, b models.Candle) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return slices.CompactFunc(out, func(a, b models.Candle) bool {
		return a.Timestamp.Equal(b.Timestamp)
	})
}

// Clip keeps the candles inside window that are strictly after last. series
// must be canonical. The
// upstream range is inclusive at both ends, so without clipping the candle at
// a window's end would be fetched twice.
func Clip(series models.CandleSeries, window models.TimeWindow, last time.Time) models.CandleSeries {
	in := series.Between(window.Start, window.End)
	out := make(models.CandleSeries, 0, len(in))
	for _, c := range in {
		if last.IsZero() || c.Timestamp.After(last) {
			out = append(out, c)
		}
	}
	return out
}
