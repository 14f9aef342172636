// Package exchange talks to the upstream historic rates API. It defines the
// tagged result every call produces, a Coinbase Exchange client, and the
// RateLimitedFetcher that retries rate-limited windows on a linear schedule.
package exchange

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/johnayoung/go-ohlcv-history/internal/models"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ResultKind tags the outcome of one historic rates call.
type ResultKind int

const (
	// ResultOK carries candle records
	ResultOK ResultKind = iota
	// ResultRateLimited means the upstream asked the caller to slow down
	ResultRateLimited
	// ResultOtherError is any other error payload
	ResultOtherError
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultRateLimited:
		return "rate_limited"
	case ResultOtherError:
		return "other_error"
	default:
		return "unknown"
	}
}

// RateResult is the tagged answer of one historic rates call. Records is set
// only for ResultOK; Message only for the error kinds.
type RateResult struct {
	Kind    ResultKind
	Records []models.RawCandle
	Message string
}

// OK builds a successful result.
func OK(records []models.RawCandle) RateResult {
	return RateResult{Kind: ResultOK, Records: records}
}

// RateLimited builds a rate-limited result.
func RateLimited(message string) RateResult {
	return RateResult{Kind: ResultRateLimited, Message: message}
}

// OtherError builds a non-retryable error result.
func OtherError(message string) RateResult {
	return RateResult{Kind: ResultOtherError, Message: message}
}

// HistoricRatesAPI requests candles for [start, end] at a granularity.
// A returned error is a transport failure; API level errors come back as a
// RateResult of kind ResultRateLimited or ResultOtherError.
type HistoricRatesAPI interface {
	HistoricRates(ctx context.Context, market string, start, end time.Time, granularity models.Granularity) (RateResult, error)
}

var rateLimitPattern = regexp.MustCompile(`(?i)rate limit`)

// IsRateLimitMessage reports whether an upstream error message signals rate limiting.
func IsRateLimitMessage(message string) bool {
	return rateLimitPattern.MatchString(message)
}

// Classify parses an upstream response body: an array of
// [time, low, high, open, close, volume] tuples, or an object with a message.
func Classify(body []byte) (RateResult, error) {
	if !gjson.ValidBytes(body) {
		return RateResult{}, fmt.Errorf("invalid JSON response: %.120s", string(body))
	}

	parsed := gjson.ParseBytes(body)
	switch {
	case parsed.IsArray():
		records, err := parseRecords(parsed)
		if err != nil {
			return RateResult{}, err
		}
		return OK(records), nil
	case parsed.IsObject():
		message := parsed.Get("message")
		if !message.Exists() {
			return OtherError(fmt.Sprintf("unexpected response: %.120s", parsed.Raw)), nil
		}
		if IsRateLimitMessage(message.String()) {
			return RateLimited(message.String()), nil
		}
		return OtherError(message.String()), nil
	default:
		return OtherError(fmt.Sprintf("unexpected response: %.120s", parsed.Raw)), nil
	}
}

func parseRecords(arr gjson.Result) ([]models.RawCandle, error) {
	rows := arr.Array()
	records := make([]models.RawCandle, 0, len(rows))

	for i, row := range rows {
		fields := row.Array()
		if !row.IsArray() || len(fields) < 6 {
			return nil, fmt.Errorf("record %d: expected 6 fields, got %s", i, row.Raw)
		}

		values := make([]decimal.Decimal, 5)
		for j := 1; j < 6; j++ {
			if fields[j].Type != gjson.Number && fields[j].Type != gjson.String {
				return nil, fmt.Errorf("record %d field %d: not a number: %s", i, j, fields[j].Raw)
			}
			d, err := decimal.NewFromString(fields[j].String())
			if err != nil {
				return nil, fmt.Errorf("record %d field %d: %w", i, j, err)
			}
			values[j-1] = d
		}

		if fields[0].Type != gjson.Number {
			return nil, fmt.Errorf("record %d: time is not a number: %s", i, fields[0].Raw)
		}

		records = append(records, models.RawCandle{
			Time:   fields[0].Int(),
			Low:    values[0],
			High:   values[1],
			Open:   values[2],
			Close:  values[3],
			Volume: values[4],
		})
	}

	return records, nil
}
