package util

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadDuration indicates a window duration string that could not be parsed.
var ErrBadDuration = errors.New("invalid duration string")

// ParseDuration parses the window duration strings used in rule configuration
// ("10min", "1h", "2d", "45s"). A bare integer is interpreted as minutes.
//
// Note this is deliberately NOT time.ParseDuration: rule authors write "min"
// and "d", which the standard parser rejects, and fractional magnitudes are
// not allowed in window configuration.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrBadDuration)
	}

	unit := time.Minute
	magnitude := s

	switch {
	case strings.HasSuffix(s, "min"):
		magnitude = strings.TrimSuffix(s, "min")
	case strings.HasSuffix(s, "h"):
		magnitude = strings.TrimSuffix(s, "h")
		unit = time.Hour
	case strings.HasSuffix(s, "d"):
		magnitude = strings.TrimSuffix(s, "d")
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "s"):
		magnitude = strings.TrimSuffix(s, "s")
		unit = time.Second
	default:
		// Bare integers default to minutes.
		if _, err := strconv.Atoi(s); err != nil {
			return 0, fmt.Errorf("%w: unknown suffix in %q", ErrBadDuration, s)
		}
	}

	n, err := strconv.Atoi(magnitude)
	if err != nil {
		return 0, fmt.Errorf("%w: non-integer magnitude in %q", ErrBadDuration, s)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative magnitude in %q", ErrBadDuration, s)
	}

	return time.Duration(n) * unit, nil
}

// DurationToMinutes converts a rule duration string to whole minutes, rounding
// sub-minute values up to one minute. Used by the scheduler's alignment checks,
// which operate on minute granularity.
func DurationToMinutes(s string) (int, error) {
	d, err := ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d > 0 && d < time.Minute {
		return 1, nil
	}
	return int(d / time.Minute), nil
}
