package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Granularity is the fixed time step between candles, in seconds. Only the
// step sizes supported by the upstream API are valid.
type Granularity int

const (
	OneMinute      Granularity = 60
	FiveMinutes    Granularity = 300
	FifteenMinutes Granularity = 900
	OneHour        Granularity = 3600
	SixHours       Granularity = 21600
	OneDay         Granularity = 86400
)

// CandlesPerRequest is the most candles the upstream returns for one request.
const CandlesPerRequest = 300

// Granularities lists every supported step size in ascending order.
var Granularities = []Granularity{OneMinute, FiveMinutes, FifteenMinutes, OneHour, SixHours, OneDay}

// ParseGranularity accepts either the number of seconds ("60", "3600") or the
// short interval names ("1m", "5m", "15m", "1h", "6h", "1d").
func ParseGranularity(s string) (Granularity, error) {
	value := strings.ToLower(strings.TrimSpace(s))

	switch value {
	case "1m", "1min":
		return OneMinute, nil
	case "5m", "5min":
		return FiveMinutes, nil
	case "15m", "15min":
		return FifteenMinutes, nil
	case "1h", "1hour":
		return OneHour, nil
	case "6h", "6hour":
		return SixHours, nil
	case "1d", "1day":
		return OneDay, nil
	}

	seconds, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("unsupported granularity: %s", s)
	}

	g := Granularity(seconds)
	if !g.Valid() {
		return 0, fmt.Errorf("unsupported granularity: %d seconds", seconds)
	}
	return g, nil
}

// Valid reports whether g is one of the supported step sizes.
func (g Granularity) Valid() bool {
	for _, candidate := range Granularities {
		if g == candidate {
			return true
		}
	}
	return false
}

// Seconds returns the step size in seconds.
func (g Granularity) Seconds() int {
	return int(g)
}

// Duration returns the step size as a time.Duration.
func (g Granularity) Duration() time.Duration {
	return time.Duration(g) * time.Second
}

// PageWidth is the window covering one full upstream response.
func (g Granularity) PageWidth() time.Duration {
	return CandlesPerRequest * g.Duration()
}

// AlignWidth rounds width up to a whole number of steps. A non-positive
// width yields PageWidth.
func (g Granularity) AlignWidth(width time.Duration) time.Duration {
	step := g.Duration()
	if step <= 0 {
		return width
	}
	if width <= 0 {
		return g.PageWidth()
	}
	if rem := width % step; rem != 0 {
		width += step - rem
	}
	return width
}

// String returns the short interval name, or the seconds for unknown values.
func (g Granularity) String() string {
	switch g {
	case OneMinute:
		return "1m"
	case FiveMinutes:
		return "5m"
	case FifteenMinutes:
		return "15m"
	case OneHour:
		return "1h"
	case SixHours:
		return "6h"
	case OneDay:
		return "1d"
	default:
		return strconv.Itoa(int(g)) + "s"
	}
}
