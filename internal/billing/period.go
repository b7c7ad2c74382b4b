package billing

import (
	"fmt"
	"time"
)

// Period is a calendar month resolved to UTC day boundaries.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod validates a (year, month) pair.
func NewPeriod(year, month int) (Period, error) {
	if year < 2000 || year > 2100 {
		return Period{}, fmt.Errorf("%w: year %d out of range", ErrInvalidPeriod, year)
	}
	if month < 1 || month > 12 {
		return Period{}, fmt.Errorf("%w: month %d out of range", ErrInvalidPeriod, month)
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// ParsePeriod parses the YYYY-MM form.
func ParsePeriod(raw string) (Period, error) {
	t, err := time.Parse("2006-01", raw)
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
	}
	return NewPeriod(t.Year(), int(t.Month()))
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: t.Month()}
}

// Start is the first day of the month at 00:00 UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last day of the month at 00:00 UTC.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, -1)
}

// Contains reports whether t falls on any day of the period.
func (p Period) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(p.Start()) && t.Before(p.Start().AddDate(0, 1, 0))
}

// Previous returns the preceding month.
func (p Period) Previous() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

// Next returns the following month.
func (p Period) Next() Period {
	return PeriodOf(p.Start().AddDate(0, 1, 0))
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool {
	return p.index() < o.index()
}

// IsZero reports an unset period.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) index() int {
	return p.Year*12 + int(p.Month) - 1
}

// monthsSince counts whole calendar months from the month of t to p.
func monthsSince(t time.Time, p Period) int {
	return p.index() - PeriodOf(t).index()
}

// overlaps reports whether [from, to] intersects the period; a nil to means open-ended.
func overlaps(p Period, from time.Time, to *time.Time) bool {
	if from.After(p.End()) {
		return false
	}
	return to == nil || !to.Before(p.Start())
}

func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
