package quota

import (
	"fmt"
	"time"
)

// Period is the reset cadence of a resource counter.
type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodDaily   Period = "daily"
	PeriodNever   Period = "never"
)

// ParsePeriod validates a configured period name. Empty means monthly.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodMonthly, nil
	case PeriodMonthly, PeriodDaily, PeriodNever:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown quota period %q", s)
}

// Window returns the start of the period containing now and the start of the next one.
// Counters that never reset get zero times.
func (p Period) Window(now time.Time) (start, reset time.Time) {
	now = now.UTC()
	switch p {
	case PeriodNever:
		return time.Time{}, time.Time{}
	case PeriodDaily:
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	default:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}
