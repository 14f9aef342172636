package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
)

const (
	// Coinbase Exchange public REST API
	coinbaseBaseURL  = "https://api.exchange.coinbase.com"
	candlesEndpoint  = "/products/%s/candles"
	requestTimeout   = 30 * time.Second
	defaultUserAgent = "go-ohlcv-history/1.0"

	// maxResponseBytes bounds a single candles response
	maxResponseBytes = 4 << 20
)

// CoinbaseClient implements HistoricRatesAPI against the Coinbase Exchange
// public candles endpoint. It performs exactly one HTTP request per call;
// pacing and retries belong to the caller.
type CoinbaseClient struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	logger     *slog.Logger
}

// CoinbaseOption configures a CoinbaseClient.
type CoinbaseOption func(*CoinbaseClient)

// WithBaseURL points the client at another host, e.g. a test server.
func WithBaseURL(baseURL string) CoinbaseOption {
	return func(c *CoinbaseClient) { c.baseURL = baseURL }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) CoinbaseOption {
	return func(c *CoinbaseClient) { c.httpClient = client }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) CoinbaseOption {
	return func(c *CoinbaseClient) { c.httpClient.Timeout = timeout }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) CoinbaseOption {
	return func(c *CoinbaseClient) { c.userAgent = userAgent }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) CoinbaseOption {
	return func(c *CoinbaseClient) { c.logger = logger }
}

// NewCoinbaseClient creates a client with sensible transport defaults.
func NewCoinbaseClient(opts ...CoinbaseOption) *CoinbaseClient {
	c := &CoinbaseClient{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:   coinbaseBaseURL,
		userAgent: defaultUserAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// HistoricRates implements HistoricRatesAPI.
func (c *CoinbaseClient) HistoricRates(ctx context.Context, market string, start, end time.Time, granularity models.Granularity) (RateResult, error) {
	if !granularity.Valid() {
		return RateResult{}, fmt.Errorf("unsupported granularity: %d", granularity)
	}

	params := url.Values{}
	params.Add("start", start.UTC().Format(time.RFC3339))
	params.Add("end", end.UTC().Format(time.RFC3339))
	params.Add("granularity", strconv.Itoa(granularity.Seconds()))

	requestURL := c.baseURL + fmt.Sprintf(candlesEndpoint, url.PathEscape(market)) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return RateResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	c.logger.Debug("requesting historic rates",
		"market", market,
		"start", start,
		"end", end,
		"granularity", granularity.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RateResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return RateResult{}, fmt.Errorf("failed to read response body: %w", err)
	}

	result, err := Classify(body)
	if err != nil {
		return RateResult{}, fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}

	c.logger.Debug("historic rates response",
		"status", resp.StatusCode,
		"kind", result.Kind.String(),
		"records", len(result.Records))

	return result, nil
}
