package config

import (
	"fmt"
	"time"
)

// ClockLayout is the wall-clock format used for every schedule option.
// Zero-padded "HH:MM" strings order the same lexically and chronologically,
// so comparisons below are plain string comparisons.
const ClockLayout = "15:04"

// TimeRange is an inclusive [Begin, End] window of the trading day.
type TimeRange struct {
	Begin string `mapstructure:"begin" json:"begin"`
	End   string `mapstructure:"end" json:"end"`
}

// Contains reports whether hhmm falls inside the window, both ends included.
func (r TimeRange) Contains(hhmm string) bool {
	return r.Begin <= hhmm && hhmm <= r.End
}

// InRanges reports whether hhmm falls inside any of the windows.
func InRanges(ranges []TimeRange, hhmm string) bool {
	for _, r := range ranges {
		if r.Contains(hhmm) {
			return true
		}
	}
	return false
}

// Clock formats t as "HH:MM" in loc.
func Clock(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(ClockLayout)
}

// ValidateClock checks that s is a zero-padded "HH:MM" value.
func ValidateClock(s string) error {
	if len(s) != len(ClockLayout) {
		return fmt.Errorf("invalid clock %q, want HH:MM", s)
	}
	if _, err := time.Parse(ClockLayout, s); err != nil {
		return fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return nil
}

func validateRanges(name string, ranges []TimeRange) error {
	for i, r := range ranges {
		if err := ValidateClock(r.Begin); err != nil {
			return fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		if err := ValidateClock(r.End); err != nil {
			return fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		if r.Begin > r.End {
			return fmt.Errorf("%s[%d]: begin %s after end %s", name, i, r.Begin, r.End)
		}
	}
	return nil
}
