// Package cycle computes recurring billing dates from an anchor day.
package cycle

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPeriod indicates a billing period string that is not YYYY-MM.
var ErrInvalidPeriod = errors.New("cycle: invalid billing period")

// DateOnly truncates t to midnight UTC of its calendar date.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LastDayOfMonth returns the number of days in the given month.
func LastDayOfMonth(year int, month time.Month) int {
	// day 0 of the next month is the last day of this one
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextDueDate returns the next due date for the billing day taken from
// anchor, as seen from now. The anchor day is clamped to the length of the
// reference month; when that date is on or before today the result rolls
// into the following month and is clamped again.
func NextDueDate(anchor, now time.Time) time.Time {
	day := anchor.Day()
	today := DateOnly(now)
	year, month := today.Year(), today.Month()

	due := onDay(year, month, day)
	if !due.After(today) {
		month++
		if month > time.December {
			month = time.January
			year++
		}
		due = onDay(year, month, day)
	}
	return due
}

// AddMonthsClamped moves t forward by n calendar months keeping its day of
// month, clamped to the last day of the target month. Unlike time.AddDate it
// never overflows into the month after (Jan 31 + 1 month is Feb 28/29).
func AddMonthsClamped(t time.Time, n int) time.Time {
	d := DateOnly(t)
	first := time.Date(d.Year(), d.Month()+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return onDay(first.Year(), first.Month(), d.Day())
}

func onDay(year int, month time.Month, day int) time.Time {
	if last := LastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Period identifies the calendar month an invoice bills for.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the billing period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses a YYYY-MM string.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return PeriodOf(t), nil
}

// Next returns the following calendar month.
func (p Period) Next() Period {
	return PeriodOf(p.FirstDay().AddDate(0, 1, 0))
}

// FirstDay returns the first day of the period at midnight UTC.
func (p Period) FirstDay() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
