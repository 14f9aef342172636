package collector

import (
	"fmt"
	"time"
)

// marketListings holds the first trading day of known markets on Coinbase.
var marketListings = map[string]time.Time{
	"ETH-USD": time.Date(2016, 6, 17, 0, 0, 0, 0, time.UTC),
	"BTC-USD": time.Date(2015, 7, 21, 0, 0, 0, 0, time.UTC),
}

// MarketStartDate returns the listing date of market, used as the default
// start of a full-history backfill.
func MarketStartDate(market string) (time.Time, error) {
	start, ok := marketListings[market]
	if !ok {
		return time.Time{}, fmt.Errorf("no listing date known for market %s, pass an explicit start", market)
	}
	return start, nil
}
