/*
Package calendar provides date arithmetic and the leave day counter.

PURPOSE:
  All leave math operates on whole calendar dates with half-day slots.
  This package owns the Day type (a date at UTC midnight), the Slot
  markers, holiday lookup, and the pure CountLeaveDays function that
  turns a date range into a fractional day count.

KEY CONCEPTS:
  - Day:        A calendar date, time-of-day never matters
  - Slot:       FullDay / FirstHalf / SecondHalf marker on a boundary date
  - HolidaySet: Dates excluded from the business-day count
  - Override:   Per-employee flip of a calendar date (swapped holidays)

DESIGN PRINCIPLES:
  1. Purity: CountLeaveDays has no side effects and no clock access
  2. Precision: decimal.Decimal for fractional counts, never float64
  3. Totality: invalid input yields zero, never a panic

SEE ALSO:
  - ledger: balances credited/debited in the units computed here
  - leave:  workflow that feeds applications through CountLeaveDays
*/
package calendar

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Calendar date at UTC midnight
// =============================================================================

type Day struct {
	t time.Time
}

func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates a time to its calendar date.
func DayOf(t time.Time) Day {
	y, m, d := t.Date()
	return NewDay(y, m, d)
}

// ParseDay parses a date in ISO form (2006-01-02).
func ParseDay(s string) (Day, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid date %q (use YYYY-MM-DD): %w", s, err)
	}
	return DayOf(t), nil
}

func Today() Day { return DayOf(time.Now().UTC()) }

// Comparison
func (d Day) Before(other Day) bool { return d.t.Before(other.t) }
func (d Day) After(other Day) bool  { return d.t.After(other.t) }
func (d Day) Equal(other Day) bool  { return d.t.Equal(other.t) }
func (d Day) IsZero() bool          { return d.t.IsZero() }

// Arithmetic
func (d Day) AddDays(n int) Day   { return Day{t: d.t.AddDate(0, 0, n)} }
func (d Day) AddMonths(n int) Day { return Day{t: d.t.AddDate(0, n, 0)} }
func (d Day) AddYears(n int) Day  { return Day{t: d.t.AddDate(n, 0, 0)} }

// Properties
func (d Day) Year() int             { return d.t.Year() }
func (d Day) Month() time.Month     { return d.t.Month() }
func (d Day) DayOfMonth() int       { return d.t.Day() }
func (d Day) Weekday() time.Weekday { return d.t.Weekday() }
func (d Day) Time() time.Time       { return d.t }

func (d Day) IsWeekend() bool {
	wd := d.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func (d Day) String() string { return d.t.Format("2006-01-02") }

func StartOfMonth(year int, month time.Month) Day { return NewDay(year, month, 1) }

func EndOfMonth(year int, month time.Month) Day {
	return NewDay(year, month, 1).AddMonths(1).AddDays(-1)
}

// =============================================================================
// HOLIDAYS
// =============================================================================

// Holidays reports whether a date is a non-working holiday.
type Holidays interface {
	IsHoliday(d Day) bool
}

// HolidaySet is the concrete holiday lookup used across the system,
// mapping date to holiday name.
type HolidaySet map[Day]string

func (h HolidaySet) IsHoliday(d Day) bool {
	_, ok := h[d]
	return ok
}

func (h HolidaySet) Add(d Day, name string) { h[d] = name }

func (h HolidaySet) Remove(d Day) { delete(h, d) }

// Clone returns an independent copy, safe to mutate.
func (h HolidaySet) Clone() HolidaySet {
	out := make(HolidaySet, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// =============================================================================
// OVERRIDES - Per-employee calendar flips (swapped holidays)
// =============================================================================

// Override flips a single date on one employee's calendar. A swapped
// holiday records two overrides: the worked holiday becomes a working
// day, the chosen day off becomes a personal holiday.
type Override string

const (
	OverrideWorking Override = "working"
	OverrideHoliday Override = "holiday"
)

// Apply layers per-employee overrides onto a branch holiday set.
func (h HolidaySet) Apply(overrides map[Day]Override) HolidaySet {
	if len(overrides) == 0 {
		return h
	}
	out := h.Clone()
	for d, o := range overrides {
		switch o {
		case OverrideWorking:
			out.Remove(d)
		case OverrideHoliday:
			out.Add(d, "swapped holiday")
		}
	}
	return out
}
