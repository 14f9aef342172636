package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/johnayoung/go-ohlcv-history/internal/errors"
	"github.com/johnayoung/go-ohlcv-history/internal/exchange"
	"github.com/johnayoung/go-ohlcv-history/internal/metrics"
	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/johnayoung/go-ohlcv-history/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const ethUSD = "ETH-USD"

var runClock = time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

func fixedClock() time.Time { return runClock }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstreamAPI mimics the candles endpoint: every minute in [start, end]
// inclusive, newest first. Windows listed in rateLimitFirst answer
// RateLimited on their first call.
type upstreamAPI struct {
	mu             sync.Mutex
	calls          []time.Time
	rateLimitFirst map[time.Time]int
	failAt         map[time.Time]exchange.RateResult
}

func (a *upstreamAPI) HistoricRates(ctx context.Context, market string, start, end time.Time, granularity models.Granularity) (exchange.RateResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, start)

	if res, ok := a.failAt[start]; ok {
		return res, nil
	}
	if a.rateLimitFirst[start] > 0 {
		a.rateLimitFirst[start]--
		return exchange.RateLimited("Public rate limit exceeded"), nil
	}

	var records []models.RawCandle
	for ts := end; !ts.Before(start); ts = ts.Add(-granularity.Duration()) {
		price := decimal.NewFromInt(ts.Unix() % 1000)
		records = append(records, models.RawCandle{
			Time: ts.Unix(), Low: price, High: price, Open: price, Close: price,
			Volume: decimal.NewFromInt(ts.Unix() % 3),
		})
	}
	return exchange.OK(records), nil
}

type noSleepTimer struct {
	delays []time.Duration
	c      chan time.Time
}

func (t *noSleepTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}
func (t *noSleepTimer) Stop()               {}
func (t *noSleepTimer) C() <-chan time.Time { return t.c }

func newFetcher(t *testing.T, api exchange.HistoricRatesAPI, timer *noSleepTimer) *exchange.RateLimitedFetcher {
	t.Helper()
	policy := exchange.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Increment: time.Second}
	f, err := exchange.NewRateLimitedFetcher(api, ethUSD, policy,
		exchange.WithTimer(timer), exchange.WithFetcherLogger(discardLogger()))
	require.NoError(t, err)
	return f
}

func threeWindowRequest() (Request, []models.TimeWindow) {
	width := 5 * time.Minute
	req := Request{
		Market:      ethUSD,
		Granularity: models.OneMinute,
		Start:       testStart,
		Until:       testStart.Add(2 * width),
		WindowWidth: width,
	}
	windows := NewWindowGenerator(req.Start, width, req.Granularity, WithUntil(req.Until)).Take(10)
	return req, windows
}

func TestIngestor_ThreeWindowsWithOneRateLimit(t *testing.T) {
	ctx := context.Background()
	req, windows := threeWindowRequest()
	require.Len(t, windows, 3)

	api := &upstreamAPI{rateLimitFirst: map[time.Time]int{windows[1].Start: 1}}
	timer := &noSleepTimer{}
	store := storage.NewMemoryStore()
	reg := prometheus.NewRegistry()

	ing, err := NewIngestor(newFetcher(t, api, timer), store,
		WithLogger(discardLogger()), WithNow(fixedClock), WithMetrics(metrics.New(reg)))
	require.NoError(t, err)

	run, err := ing.Run(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, run.Status)
	assert.Equal(t, "ETH-USD-2024-03-01-12-30-45", run.Key)
	assert.Equal(t, 3, run.Windows)
	assert.Equal(t, 3, run.Requests)
	assert.Equal(t, 15, run.CandlesStored)
	assert.NotEmpty(t, run.ID)

	// W1 was called twice, with exactly one backoff sleep in between
	assert.Equal(t, []time.Time{windows[0].Start, windows[1].Start, windows[1].Start, windows[2].Start}, api.calls)
	assert.Equal(t, []time.Duration{time.Second}, timer.delays)

	series, meta, err := store.Read(ctx, run.Key)
	require.NoError(t, err)
	assert.Equal(t, ethUSD, meta.Market)
	assert.Equal(t, models.OneMinute, meta.Granularity)

	require.Len(t, series, 15)
	assert.True(t, series.IsCanonical(), "series must be strictly ascending without duplicates")
	assert.True(t, windows[0].Start.Equal(series[0].Timestamp))
	assert.True(t, windows[2].End.Add(-time.Minute).Equal(series[len(series)-1].Timestamp))
	for i := 1; i < len(series); i++ {
		assert.Equal(t, time.Minute, series[i].Timestamp.Sub(series[i-1].Timestamp), "missing step at %d", i)
	}

	expected := `
# HELP ohlcv_candles_stored_total Total number of candles persisted
# TYPE ohlcv_candles_stored_total counter
ohlcv_candles_stored_total 15
# HELP ohlcv_windows_stored_total Total number of windows persisted by store mode
# TYPE ohlcv_windows_stored_total counter
ohlcv_windows_stored_total{mode="append"} 2
ohlcv_windows_stored_total{mode="write"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"ohlcv_candles_stored_total", "ohlcv_windows_stored_total"))
}

func TestIngestor_HaltsOnOtherError(t *testing.T) {
	ctx := context.Background()
	req, windows := threeWindowRequest()

	api := &upstreamAPI{failAt: map[time.Time]exchange.RateResult{windows[1].Start: exchange.OtherError("NotFound")}}
	store := storage.NewMemoryStore()
	ing, err := NewIngestor(newFetcher(t, api, &noSleepTimer{}), store, WithLogger(discardLogger()), WithNow(fixedClock))
	require.NoError(t, err)

	run, err := ing.Run(ctx, req)
	require.Error(t, err)

	var wErr *apperrors.WindowError
	require.ErrorAs(t, err, &wErr)
	assert.Equal(t, 1, wErr.Index)
	assert.Equal(t, windows[1], wErr.Window)
	assert.Equal(t, 5, wErr.Stored)

	var fetchErr *apperrors.FetchError
	assert.ErrorAs(t, err, &fetchErr)

	require.NotNil(t, run)
	assert.Equal(t, models.StatusFailed, run.Status)
	assert.Equal(t, 1, run.Windows)
	assert.Len(t, api.calls, 2, "no window after the failing one is requested")

	series, _, err := store.Read(ctx, run.Key)
	require.NoError(t, err)
	assert.Len(t, series, 5)
}

func TestIngestor_HaltsOnExhaustedRetries(t *testing.T) {
	req, windows := threeWindowRequest()

	api := &upstreamAPI{rateLimitFirst: map[time.Time]int{windows[2].Start: 100}}
	timer := &noSleepTimer{}
	ing, err := NewIngestor(newFetcher(t, api, timer), storage.NewMemoryStore(), WithLogger(discardLogger()), WithNow(fixedClock))
	require.NoError(t, err)

	run, err := ing.Run(context.Background(), req)
	var exhausted *apperrors.ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.delays)
	assert.Equal(t, 10, run.CandlesStored)
	assert.Equal(t, apperrors.ErrorTypeExhaustedRetries, apperrors.GetErrorType(err))
}

// mockFetcher and mockWriter check the Write-then-Append protocol.
type mockFetcher struct{ mock.Mock }

func (m *mockFetcher) Fetch(ctx context.Context, window models.TimeWindow) ([]models.RawCandle, error) {
	args := m.Called(ctx, window)
	records, _ := args.Get(0).([]models.RawCandle)
	return records, args.Error(1)
}

type mockWriter struct{ mock.Mock }

func (m *mockWriter) Write(ctx context.Context, key string, series models.CandleSeries, meta storage.Metadata) error {
	return m.Called(ctx, key, series, meta).Error(0)
}

func (m *mockWriter) Append(ctx context.Context, key string, series models.CandleSeries) error {
	return m.Called(ctx, key, series).Error(0)
}

func TestIngestor_WriteOnceThenAppend(t *testing.T) {
	req, windows := threeWindowRequest()
	key := models.ItemKey(ethUSD, runClock)

	fetcher := &mockFetcher{}
	for _, w := range windows {
		fetcher.On("Fetch", mock.Anything, w).Return([]models.RawCandle{{Time: w.Start.Unix()}}, nil).Once()
	}

	writer := &mockWriter{}
	writer.On("Write", mock.Anything, key, mock.AnythingOfType("models.CandleSeries"), mock.MatchedBy(func(meta storage.Metadata) bool {
		return meta.Market == ethUSD && meta.Granularity == models.OneMinute && meta.CreatedAt.Equal(runClock)
	})).Return(nil).Once()
	writer.On("Append", mock.Anything, key, mock.AnythingOfType("models.CandleSeries")).Return(nil).Twice()

	ing, err := NewIngestor(fetcher, writer, WithLogger(discardLogger()), WithNow(fixedClock))
	require.NoError(t, err)

	run, err := ing.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, run.CandlesStored)

	fetcher.AssertExpectations(t)
	writer.AssertExpectations(t)
}

func TestIngestor_EmptyFirstWindowStillCreatesItem(t *testing.T) {
	req, windows := threeWindowRequest()
	req.Until = windows[1].Start

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, windows[0]).Return(nil, nil).Once()
	fetcher.On("Fetch", mock.Anything, windows[1]).Return([]models.RawCandle{{Time: windows[1].Start.Unix()}}, nil).Once()

	store := storage.NewMemoryStore()
	ing, err := NewIngestor(fetcher, store, WithLogger(discardLogger()), WithNow(fixedClock))
	require.NoError(t, err)

	run, err := ing.Run(context.Background(), req)
	require.NoError(t, err)

	series, _, err := store.Read(context.Background(), run.Key)
	require.NoError(t, err)
	assert.Len(t, series, 1)
}

func TestIngestor_StoreFailureHalts(t *testing.T) {
	req, windows := threeWindowRequest()
	key := models.ItemKey(ethUSD, runClock)

	fetcher := &mockFetcher{}
	fetcher.On("Fetch", mock.Anything, windows[0]).Return([]models.RawCandle{{Time: windows[0].Start.Unix()}}, nil).Once()

	writer := &mockWriter{}
	writer.On("Write", mock.Anything, key, mock.Anything, mock.Anything).Return(storage.ErrItemExists).Once()

	ing, err := NewIngestor(fetcher, writer, WithLogger(discardLogger()), WithNow(fixedClock))
	require.NoError(t, err)

	_, err = ing.Run(context.Background(), req)
	assert.True(t, errors.Is(err, storage.ErrItemExists))
	var wErr *apperrors.WindowError
	require.ErrorAs(t, err, &wErr)
	assert.Equal(t, 0, wErr.Index)
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestIngestor_Validation(t *testing.T) {
	_, err := NewIngestor(nil, storage.NewMemoryStore())
	assert.Error(t, err)
	_, err = NewIngestor(&mockFetcher{}, nil)
	assert.Error(t, err)

	ing, err := NewIngestor(&mockFetcher{}, storage.NewMemoryStore(), WithLogger(discardLogger()))
	require.NoError(t, err)

	bad := []Request{
		{Granularity: models.OneMinute, Start: testStart},
		{Market: ethUSD, Granularity: models.Granularity(61), Start: testStart},
		{Market: ethUSD, Granularity: models.OneMinute},
		{Market: ethUSD, Granularity: models.OneMinute, Start: testStart, RequestDelay: -time.Second},
		{Market: ethUSD, Granularity: models.OneMinute, Start: testStart, Until: testStart.Add(-time.Hour)},
		{Market: ethUSD, Granularity: models.OneHour, Start: testStart, WindowWidth: 90 * time.Minute},
	}
	for _, req := range bad {
		_, err := ing.Run(context.Background(), req)
		assert.Error(t, err, "%+v", req)
	}
}

func TestIngestor_CancelledContext(t *testing.T) {
	req, _ := threeWindowRequest()
	req.RequestDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ing, err := NewIngestor(&mockFetcher{}, storage.NewMemoryStore(), WithLogger(discardLogger()), WithNow(fixedClock))
	require.NoError(t, err)

	_, err = ing.Run(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}

// timedFetcher answers every window with no records after a fixed latency and
// records when each call started and returned.
type timedFetcher struct {
	latency time.Duration
	starts  []time.Time
	ends    []time.Time
}

func (f *timedFetcher) Fetch(ctx context.Context, window models.TimeWindow) ([]models.RawCandle, error) {
	f.starts = append(f.starts, time.Now())
	time.Sleep(f.latency)
	f.ends = append(f.ends, time.Now())
	return nil, nil
}

func TestIngestor_RequestDelayFollowsEachFetch(t *testing.T) {
	const delay = 40 * time.Millisecond

	tests := []struct {
		name    string
		latency time.Duration
	}{
		{"fetch slower than delay", 3 * delay / 2},
		{"fetch faster than delay", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := threeWindowRequest()
			req.RequestDelay = delay
			fetcher := &timedFetcher{latency: tt.latency}

			ing, err := NewIngestor(fetcher, storage.NewMemoryStore(), WithLogger(discardLogger()), WithNow(fixedClock))
			require.NoError(t, err)

			_, err = ing.Run(context.Background(), req)
			require.NoError(t, err)

			require.Len(t, fetcher.starts, 3)
			for i := 1; i < len(fetcher.starts); i++ {
				pause := fetcher.starts[i].Sub(fetcher.ends[i-1])
				assert.GreaterOrEqual(t, pause, delay-2*time.Millisecond, "pause before request %d", i)
			}
		})
	}
}

func TestIngestor_NoRequestDelay(t *testing.T) {
	req, _ := threeWindowRequest()
	fetcher := &timedFetcher{}

	ing, err := NewIngestor(fetcher, storage.NewMemoryStore(), WithLogger(discardLogger()), WithNow(fixedClock))
	require.NoError(t, err)

	_, err = ing.Run(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, fetcher.starts, 3)
	assert.Less(t, fetcher.starts[2].Sub(fetcher.starts[0]), time.Second)
}
