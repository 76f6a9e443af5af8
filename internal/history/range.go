// Package history retrieves bounded position histories for one worker at a
// time and keeps only the result of the newest request per worker.
package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRange indicates a range name outside 1h, 24h and 7d.
var ErrInvalidRange = errors.New("history: invalid range")

// Range names a supported history window.
type Range string

const (
	RangeHour  Range = "1h"
	RangeDay   Range = "24h"
	RangeWeek  Range = "7d"
	rangeUnset Range = ""
)

// ParseRange validates a range name. An empty value selects RangeHour.
func ParseRange(raw string) (Range, error) {
	switch value := Range(strings.ToLower(strings.TrimSpace(raw))); value {
	case rangeUnset:
		return RangeHour, nil
	case RangeHour, RangeDay, RangeWeek:
		return value, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRange, raw)
	}
}

// Duration returns the length of the window.
func (r Range) Duration() time.Duration {
	switch r {
	case RangeDay:
		return 24 * time.Hour
	case RangeWeek:
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// String returns the range name.
func (r Range) String() string {
	return string(r)
}

// Window is the absolute interval a range covers at a given instant.
type Window struct {
	From time.Time
	To   time.Time
}

// Window anchors the range at now.
func (r Range) Window(now time.Time) Window {
	return Window{From: now.Add(-r.Duration()), To: now}
}

// Point is one historical position of a worker.
type Point struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}
