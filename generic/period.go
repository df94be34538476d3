package generic

import (
	"fmt"
	"strings"
)

// =============================================================================
// PERIOD - Inclusive date range
// =============================================================================

// Period is an inclusive [Start, End] range of days.
//
// Examples:
//   - Week of 2025-01-10: 2025-01-05 (Sun) - 2025-01-11 (Sat)
//   - January 2025:      2025-01-01 - 2025-01-31
type Period struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

// Contains returns true if d is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

// Days returns every day in the period.
func (p Period) Days() []Date {
	var days []Date
	for current := p.Start; current.BeforeOrEqual(p.End); current = current.AddDays(1) {
		days = append(days, current)
	}
	return days
}

// Len returns the number of days in the period.
func (p Period) Len() int { return DaysBetween(p.Start, p.End) + 1 }

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// SCHEDULE - Payment cadence that decides period boundaries
// =============================================================================

// Schedule is a firm's payment cadence.
type Schedule string

const (
	ScheduleWeekly   Schedule = "weekly"    // Sunday - Saturday
	ScheduleBiWeekly Schedule = "bi-weekly" // 14 days, aligned on the year's first Sunday week
	ScheduleMonthly  Schedule = "monthly"   // calendar month
)

// Schedules lists every supported cadence.
var Schedules = []Schedule{ScheduleWeekly, ScheduleBiWeekly, ScheduleMonthly}

// ParseSchedule accepts the canonical names plus the common "biweekly" spelling.
func ParseSchedule(s string) (Schedule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "weekly":
		return ScheduleWeekly, nil
	case "bi-weekly", "biweekly":
		return ScheduleBiWeekly, nil
	case "monthly":
		return ScheduleMonthly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSchedule, s)
}

func (s Schedule) Valid() bool {
	switch s {
	case ScheduleWeekly, ScheduleBiWeekly, ScheduleMonthly:
		return true
	}
	return false
}

// PeriodFor returns the period of this schedule containing d.
// An invalid schedule yields the single day d; schedules are validated on write.
func (s Schedule) PeriodFor(d Date) Period {
	switch s {
	case ScheduleWeekly:
		start := StartOfWeek(d)
		return Period{Start: start, End: start.AddDays(6)}

	case ScheduleBiWeekly:
		start := biWeekStart(d)
		return Period{Start: start, End: start.AddDays(13)}

	case ScheduleMonthly:
		return Period{
			Start: StartOfMonth(d.Year(), d.Month()),
			End:   EndOfMonth(d.Year(), d.Month()),
		}

	default:
		return Period{Start: d, End: d}
	}
}

// Key returns the period identifier for d: the start date for weekly and
// bi-weekly schedules, "YYYY-MM" for monthly.
func (s Schedule) Key(d Date) string {
	if s == ScheduleMonthly {
		return fmt.Sprintf("%04d-%02d", d.Year(), int(d.Month()))
	}
	return s.PeriodFor(d).Start.String()
}

// biWeekStart numbers weeks from the Sunday on or before January 1 of d's
// year and pairs them up, so every day of a bi-week maps to the same start.
func biWeekStart(d Date) Date {
	epochWeekStart := StartOfWeek(StartOfYear(d.Year()))
	weekNumber := DaysBetween(epochWeekStart, d) / 7
	return epochWeekStart.AddDays(14 * (weekNumber / 2))
}
