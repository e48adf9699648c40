// Package duration provides parsing for the time inputs accepted by find
// and related operations.
//
// Callers specify a window bound either as a calendar date ("2026-07-01")
// or as an ISO 8601 duration token ("P7D", "P1W", "PT1H", "P1DT12H")
// meaning "that long before now". Internal timestamps are always UTC, so
// both forms resolve to a UTC instant.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrInvalid is returned for inputs that are neither a date nor a duration.
var ErrInvalid = fmt.Errorf("invalid date or duration")

// iso8601 matches the duration subset keep accepts: weeks, days, hours,
// minutes, seconds. Years and months are rejected - their length depends on
// the calendar and a memory store has no business guessing.
var iso8601 = regexp.MustCompile(`^P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// Parse parses an ISO 8601 duration token such as "P7D", "P1W", "PT1H" or
// "P1DT12H". At least one component must be present: a bare "P" or "PT" is
// rejected.
func Parse(s string) (time.Duration, error) {
	m := iso8601.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q (use P7D, P1W, PT1H, ...)", ErrInvalid, s)
	}

	var d time.Duration
	var any bool
	add := func(field string, unit time.Duration) error {
		if field == "" {
			return nil
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
		}
		d += time.Duration(n) * unit
		any = true
		return nil
	}

	if err := add(m[1], 7*24*time.Hour); err != nil {
		return 0, err
	}
	if err := add(m[2], 24*time.Hour); err != nil {
		return 0, err
	}
	if err := add(m[3], time.Hour); err != nil {
		return 0, err
	}
	if err := add(m[4], time.Minute); err != nil {
		return 0, err
	}
	if err := add(m[5], time.Second); err != nil {
		return 0, err
	}
	if !any {
		return 0, fmt.Errorf("%w: %q has no components", ErrInvalid, s)
	}
	return d, nil
}

// ParseInstant resolves a since/until input to a UTC instant relative to now.
// A "YYYY-MM-DD" date resolves to midnight UTC on that date; a duration
// token resolves to now minus the duration.
func ParseInstant(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	d, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return now.UTC().Add(-d), nil
}
