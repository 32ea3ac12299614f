// Package conditions holds the pure predicates that gate keyword rules and
// scenario steps: active hours, active days, tag membership and segments.
package conditions

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/autoreply/internal/apperr"
)

// ErrInvalidCondition marks a malformed window or segment predicate.
var ErrInvalidCondition = fmt.Errorf("conditions: %w", apperr.ErrInvalidCondition)

// Window is a daily time range expressed as "HH:MM" wall-clock values.
// A window whose start is after its end wraps past midnight.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// IsWithinActiveHours reports whether now falls inside w. A nil window is
// always active; a window with equal start and end is never active.
func IsWithinActiveHours(w *Window, now time.Time) (bool, error) {
	if w == nil {
		return true, nil
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false, err
	}
	current := now.Hour()*60 + now.Minute()
	if start > end {
		return current >= start || current < end, nil
	}
	return current >= start && current < end, nil
}

// IsWithinActiveDays reports whether now's weekday is in days. An empty set
// means every day.
func IsWithinActiveDays(days []time.Weekday, now time.Time) bool {
	if len(days) == 0 {
		return true
	}
	today := now.Weekday()
	for _, d := range days {
		if d == today {
			return true
		}
	}
	return false
}

// parseClock returns minutes after midnight for "HH" or "HH:MM".
func parseClock(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty clock value", ErrInvalidCondition)
	}
	hourPart, minutePart, hasMinutes := strings.Cut(raw, ":")
	hour, err := strconv.Atoi(hourPart)
	if err != nil || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("%w: bad hour in %q", ErrInvalidCondition, raw)
	}
	minute := 0
	if hasMinutes {
		minute, err = strconv.Atoi(minutePart)
		if err != nil || minute < 0 || minute > 59 {
			return 0, fmt.Errorf("%w: bad minute in %q", ErrInvalidCondition, raw)
		}
	}
	total := hour*60 + minute
	if total > 24*60 {
		return 0, fmt.Errorf("%w: %q is past midnight", ErrInvalidCondition, raw)
	}
	return total, nil
}

// IsInvalid reports whether err came from a malformed condition.
func IsInvalid(err error) bool {
	return errors.Is(err, apperr.ErrInvalidCondition)
}
