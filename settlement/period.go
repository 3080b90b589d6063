package settlement

import "time"

// =============================================================================
// DATES - all settlement dates are calendar days in UTC
// =============================================================================

const DateLayout = "2006-01-02"

// Date builds a UTC calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates t to its UTC calendar day.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return Date(t.Year(), t.Month(), t.Day())
}

// Today returns the current UTC calendar day.
func Today() time.Time { return DateOf(time.Now()) }

// =============================================================================
// PERIOD - sales-count window for commission brackets
// =============================================================================

// Period is an inclusive day range.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t falls within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format(DateLayout) + ", " + p.End.Format(DateLayout) + "]"
}

type PeriodType string

const (
	PeriodMonth        PeriodType = "month"         // calendar month
	PeriodQuarter      PeriodType = "quarter"       // calendar quarter
	PeriodCalendarYear PeriodType = "calendar_year" // Jan 1 - Dec 31
)

// PeriodFor returns the period of the given type containing date.
func (pt PeriodType) PeriodFor(date time.Time) Period {
	d := DateOf(date)
	switch pt {
	case PeriodQuarter:
		first := time.Month((int(d.Month())-1)/3*3 + 1)
		start := Date(d.Year(), first, 1)
		return Period{Start: start, End: start.AddDate(0, 3, -1)}
	case PeriodCalendarYear:
		return Period{Start: Date(d.Year(), time.January, 1), End: Date(d.Year(), time.December, 31)}
	default:
		start := Date(d.Year(), d.Month(), 1)
		return Period{Start: start, End: start.AddDate(0, 1, -1)}
	}
}

// ParsePeriodType maps configuration strings to a PeriodType, defaulting to
// calendar month.
func ParsePeriodType(s string) PeriodType {
	switch s {
	case string(PeriodQuarter):
		return PeriodQuarter
	case string(PeriodCalendarYear):
		return PeriodCalendarYear
	default:
		return PeriodMonth
	}
}
