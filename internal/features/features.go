// Package features computes per-candle indicator tables over contiguous
// segments and runs that computation for many segments in parallel.
package features

import (
	"fmt"
	"math"
	"time"

	"github.com/sdcoffey/big"
	"github.com/sdcoffey/techan"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

// Indicator windows.
const (
	VolumeWindow    = 20
	SMAWindow       = 20
	EMAWindow       = 20
	MACDShort       = 12
	MACDLong        = 26
	MACDSignal      = 9
	ATRWindow       = 14
	BollingerWindow = 20
	BollingerSigma  = 2.0
	RSIWindow       = 14
	ROCWindow       = 10
)

// Column names, grouped by family.
const (
	ColVolumeSMA = "volume_sma_20"
	ColOBV       = "obv"
	ColVWAP      = "vwap"

	ColATR     = "atr_14"
	ColBBUpper = "bb_upper_20"
	ColBBLower = "bb_lower_20"

	ColSMA      = "sma_20"
	ColEMA      = "ema_20"
	ColMACD     = "macd"
	ColMACDHist = "macd_hist"

	ColRSI = "rsi_14"
	ColROC = "roc_10"

	ColReturn    = "return"
	ColLogReturn = "log_return"
	ColCumReturn = "cumulative_return"
)

// Columns lists every feature column in table order.
var Columns = []string{
	ColVolumeSMA, ColOBV, ColVWAP,
	ColATR, ColBBUpper, ColBBLower,
	ColSMA, ColEMA, ColMACD, ColMACDHist,
	ColRSI, ColROC,
	ColReturn, ColLogReturn, ColCumReturn,
}

// FeatureTable holds one row per candle of a segment and one column per
// feature. Values before an indicator has enough history are NaN.
type FeatureTable struct {
	SegmentIndex int
	Timestamps   []time.Time
	values       map[string][]float64
}

func newFeatureTable(segment models.Segment) *FeatureTable {
	t := &FeatureTable{
		SegmentIndex: segment.Index,
		Timestamps:   segment.Candles.Timestamps(),
		values:       make(map[string][]float64, len(Columns)),
	}
	for _, name := range Columns {
		col := make([]float64, len(segment.Candles))
		for i := range col {
			col[i] = math.NaN()
		}
		t.values[name] = col
	}
	return t
}

// Len returns the number of rows.
func (t *FeatureTable) Len() int {
	return len(t.Timestamps)
}

// Column returns the values of one feature. The slice is shared with the table.
func (t *FeatureTable) Column(name string) ([]float64, bool) {
	col, ok := t.values[name]
	return col, ok
}

// Value returns one cell, NaN if the column is unknown or i is out of range.
func (t *FeatureTable) Value(name string, i int) float64 {
	col, ok := t.values[name]
	if !ok || i < 0 || i >= len(col) {
		return math.NaN()
	}
	return col[i]
}

// Row returns all features of row i keyed by column name.
func (t *FeatureTable) Row(i int) map[string]float64 {
	row := make(map[string]float64, len(Columns))
	for _, name := range Columns {
		row[name] = t.Value(name, i)
	}
	return row
}

// Compute builds the feature table of one segment. It reads only the
// segment's own candles and fails if they are not exactly one step apart.
func Compute(segment models.Segment) (*FeatureTable, error) {
	if segment.Len() == 0 {
		return nil, fmt.Errorf("segment %d is empty", segment.Index)
	}
	if !segment.Granularity.Valid() {
		return nil, fmt.Errorf("segment %d has unsupported granularity %d", segment.Index, segment.Granularity)
	}
	step := segment.Granularity.Duration()
	for i := 1; i < segment.Len(); i++ {
		if d := segment.Candles[i].Timestamp.Sub(segment.Candles[i-1].Timestamp); d != step {
			return nil, fmt.Errorf("segment %d is not contiguous at row %d: delta %v", segment.Index, i, d)
		}
	}

	table := newFeatureTable(segment)
	series := timeSeries(segment)

	closes := make([]float64, segment.Len())
	volumes := make([]float64, segment.Len())
	typical := make([]float64, segment.Len())
	for i, c := range segment.Candles {
		closes[i] = c.Close.InexactFloat64()
		volumes[i] = c.Volume.InexactFloat64()
		typical[i] = c.TypicalPrice().InexactFloat64()
	}

	closeInd := techan.NewClosePriceIndicator(series)
	macd := techan.NewMACDIndicator(closeInd, MACDShort, MACDLong)

	fill(table, ColVolumeSMA, techan.NewSimpleMovingAverage(techan.NewVolumeIndicator(series), VolumeWindow), VolumeWindow-1)
	fill(table, ColATR, techan.NewAverageTrueRangeIndicator(series, ATRWindow), ATRWindow)
	fill(table, ColBBUpper, techan.NewBollingerUpperBandIndicator(closeInd, BollingerWindow, BollingerSigma), BollingerWindow-1)
	fill(table, ColBBLower, techan.NewBollingerLowerBandIndicator(closeInd, BollingerWindow, BollingerSigma), BollingerWindow-1)
	fill(table, ColSMA, techan.NewSimpleMovingAverage(closeInd, SMAWindow), SMAWindow-1)
	fill(table, ColEMA, techan.NewEMAIndicator(closeInd, EMAWindow), EMAWindow-1)
	fill(table, ColMACD, macd, MACDLong-1)

	copy(table.values[ColMACDHist], macdHistogram(table.values[ColMACD], MACDLong-1, MACDSignal))
	copy(table.values[ColOBV], onBalanceVolume(closes, volumes))
	copy(table.values[ColVWAP], cumulativeVWAP(typical, volumes))
	copy(table.values[ColRSI], wilderRSI(closes, RSIWindow))
	copy(table.values[ColROC], rateOfChange(closes, ROCWindow))
	copy(table.values[ColReturn], rateOfChange(closes, 1))
	copy(table.values[ColLogReturn], logReturns(closes))
	copy(table.values[ColCumReturn], cumulativeReturns(closes))

	for _, name := range Columns {
		for i, v := range table.values[name] {
			if math.IsInf(v, 0) {
				return nil, fmt.Errorf("segment %d: %s is infinite at row %d", segment.Index, name, i)
			}
		}
	}
	return table, nil
}

// timeSeries converts the segment into a techan series owned by the caller.
func timeSeries(segment models.Segment) *techan.TimeSeries {
	ts := techan.NewTimeSeries()
	step := segment.Granularity.Duration()
	for _, c := range segment.Candles {
		candle := techan.NewCandle(techan.NewTimePeriod(c.Timestamp, step))
		candle.OpenPrice = big.NewDecimal(c.Open.InexactFloat64())
		candle.MaxPrice = big.NewDecimal(c.High.InexactFloat64())
		candle.MinPrice = big.NewDecimal(c.Low.InexactFloat64())
		candle.ClosePrice = big.NewDecimal(c.Close.InexactFloat64())
		candle.Volume = big.NewDecimal(c.Volume.InexactFloat64())
		ts.AddCandle(candle)
	}
	return ts
}

// fill evaluates ind from warmup onwards. Earlier rows stay NaN.
func fill(table *FeatureTable, name string, ind techan.Indicator, warmup int) {
	col := table.values[name]
	for i := warmup; i < len(col); i++ {
		col[i] = ind.Calculate(i).Float()
	}
}

// macdHistogram is macd minus its signal line. The signal is an EMA over
// macd seeded with the mean of its first window values from start, so rows
// before the MACD warm-up never contribute.
func macdHistogram(macd []float64, start, window int) []float64 {
	out := nanSlice(len(macd))
	first := start + window - 1
	if first >= len(macd) {
		return out
	}

	var signal float64
	for i := start; i <= first; i++ {
		signal += macd[i]
	}
	signal /= float64(window)
	out[first] = macd[first] - signal

	alpha := 2 / float64(window+1)
	for i := first + 1; i < len(macd); i++ {
		signal = alpha*macd[i] + (1-alpha)*signal
		out[i] = macd[i] - signal
	}
	return out
}

// onBalanceVolume adds volume on up closes and subtracts it on down closes,
// starting from zero at the first row.
func onBalanceVolume(closes, volumes []float64) []float64 {
	out := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// cumulativeVWAP is the volume-weighted typical price since the segment
// start. It is NaN while no volume has traded.
func cumulativeVWAP(typical, volumes []float64) []float64 {
	out := make([]float64, len(typical))
	var pv, v float64
	for i := range typical {
		pv += typical[i] * volumes[i]
		v += volumes[i]
		if v == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = pv / v
	}
	return out
}

// wilderRSI uses Wilder smoothing: the first average is the plain mean of
// the first window changes, later averages are (prev*(window-1)+x)/window.
func wilderRSI(closes []float64, window int) []float64 {
	out := nanSlice(len(closes))
	if len(closes) <= window {
		return out
	}

	var gain, loss float64
	for i := 1; i <= window; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	n := float64(window)
	gain /= n
	loss /= n
	out[window] = rsi(gain, loss)

	for i := window + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*(n-1) + up) / n
		loss = (loss*(n-1) + down) / n
		out[i] = rsi(gain, loss)
	}
	return out
}

func rsi(gain, loss float64) float64 {
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// rateOfChange is the percent change against the close window rows back.
func rateOfChange(closes []float64, window int) []float64 {
	out := nanSlice(len(closes))
	for i := window; i < len(closes); i++ {
		if closes[i-window] == 0 {
			continue
		}
		out[i] = 100 * (closes[i] - closes[i-window]) / closes[i-window]
	}
	return out
}

// logReturns is 100 * ln(close / previous close). Rows next to a
// non-positive close stay NaN.
func logReturns(closes []float64) []float64 {
	out := nanSlice(len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i] > 0 && closes[i-1] > 0 {
			out[i] = 100 * math.Log(closes[i]/closes[i-1])
		}
	}
	return out
}

// cumulativeReturns is the percent change against the segment's first close.
func cumulativeReturns(closes []float64) []float64 {
	out := nanSlice(len(closes))
	if len(closes) == 0 || closes[0] == 0 {
		return out
	}
	for i, c := range closes {
		out[i] = 100 * (c - closes[0]) / closes[0]
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
