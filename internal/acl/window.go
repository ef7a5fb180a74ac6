package acl

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MarcoLorenzi1969/OrizonZeroTrustEnterpriseSASE-sub001/internal/domain"
)

const unbounded = -1

// inWindow reports whether the rule's validity constraints hold at at. A
// rule with an unparsable time-of-day range never grants access: it is
// skipped when it allows and applied when it denies.
func inWindow(r domain.AccessRule, at time.Time) bool {
	if r.ValidFrom != nil && at.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && pastUntil(*r.ValidUntil, at) {
		return false
	}
	if len(r.Weekdays) > 0 && !slices.Contains(r.Weekdays, at.Weekday()) {
		return false
	}
	start, end, err := parseClockRange(r.TimeStart, r.TimeEnd)
	if err != nil {
		return r.Action == domain.ActionDeny
	}
	return clockContains(start, end, at.Hour()*60+at.Minute())
}

// pastUntil reports whether at lies beyond until. A bare date (midnight)
// covers that whole day; any other instant is an inclusive bound.
func pastUntil(until, at time.Time) bool {
	if until.Hour() == 0 && until.Minute() == 0 && until.Second() == 0 && until.Nanosecond() == 0 {
		return !at.Before(until.AddDate(0, 0, 1))
	}
	return at.After(until)
}

// clockContains checks minute-of-day m against [start, end). start > end
// wraps past midnight.
func clockContains(start, end, m int) bool {
	switch {
	case start == unbounded && end == unbounded:
		return true
	case start == unbounded:
		return m < end
	case end == unbounded:
		return m >= start
	case start <= end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

func parseClockRange(start, end string) (int, int, error) {
	s, err := parseClock(start)
	if err != nil {
		return 0, 0, err
	}
	e, err := parseClock(end)
	if err != nil {
		return 0, 0, err
	}
	return s, e, nil
}

func parseClock(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return unbounded, nil
	}
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ParseWeekdays parses names such as "mon,tue" or "Monday".
func ParseWeekdays(raw string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		found := false
		for d := time.Sunday; d <= time.Saturday; d++ {
			name := strings.ToLower(d.String())
			if part == name || part == name[:3] {
				if !slices.Contains(out, d) {
					out = append(out, d)
				}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
	}
	return out, nil
}

// FormatWeekdays is the inverse of [ParseWeekdays].
func FormatWeekdays(days []time.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, strings.ToLower(d.String()[:3]))
	}
	return strings.Join(parts, ",")
}
