package calendar

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SLOT - Half-day markers on the boundary dates of a leave request
// =============================================================================

type Slot string

const (
	SlotFullDay    Slot = "full_day"
	SlotFirstHalf  Slot = "first_half"
	SlotSecondHalf Slot = "second_half"
)

func (s Slot) Valid() bool {
	return s == SlotFullDay || s == SlotFirstHalf || s == SlotSecondHalf
}

// IsHalf reports whether the slot covers only half the date.
func (s Slot) IsHalf() bool {
	return s == SlotFirstHalf || s == SlotSecondHalf
}

func ParseSlot(s string) (Slot, error) {
	slot := Slot(s)
	if !slot.Valid() {
		return "", fmt.Errorf("invalid slot %q (use full_day, first_half or second_half)", s)
	}
	return slot, nil
}

var half = decimal.NewFromFloat(0.5)

// =============================================================================
// DAY-SLOT COUNTER
// =============================================================================

// CountLeaveDays converts a date range plus half-day slot markers into a
// fractional leave day count. Pure and deterministic.
//
// Rules:
//   - Invalid dates, start after end, or invalid slots yield zero.
//   - Business days exclude Saturday, Sunday and holidays.
//   - Zero business days in range yields zero regardless of slots.
//   - Same-day request with two half slots (either half) is 0.5; a
//     full-day slot on either end makes it 1.
//   - Multi-day: each half-day boundary slot independently deducts 0.5
//     from the business-day count. Result is floored at zero.
func CountLeaveDays(start Day, startSlot Slot, end Day, endSlot Slot, holidays Holidays) decimal.Decimal {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return decimal.Zero
	}
	if !startSlot.Valid() || !endSlot.Valid() {
		return decimal.Zero
	}

	businessDays := 0
	for d := start; !d.After(end); d = d.AddDays(1) {
		if d.IsWeekend() {
			continue
		}
		if holidays != nil && holidays.IsHoliday(d) {
			continue
		}
		businessDays++
	}
	if businessDays == 0 {
		return decimal.Zero
	}

	if start.Equal(end) {
		if startSlot.IsHalf() && endSlot.IsHalf() {
			return half
		}
		return decimal.NewFromInt(1)
	}

	days := decimal.NewFromInt(int64(businessDays))
	if startSlot.IsHalf() {
		days = days.Sub(half)
	}
	if endSlot.IsHalf() {
		days = days.Sub(half)
	}
	if days.IsNegative() {
		return decimal.Zero
	}
	return days
}
