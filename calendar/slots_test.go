package calendar_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-ledger/calendar"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func day(t *testing.T, s string) calendar.Day {
	t.Helper()
	d, err := calendar.ParseDay(s)
	require.NoError(t, err)
	return d
}

func count(t *testing.T, start, end string, startSlot, endSlot calendar.Slot, holidays calendar.Holidays) decimal.Decimal {
	t.Helper()
	return calendar.CountLeaveDays(day(t, start), startSlot, day(t, end), endSlot, holidays)
}

func assertDays(t *testing.T, expected string, got decimal.Decimal) {
	t.Helper()
	want, err := decimal.NewFromString(expected)
	require.NoError(t, err)
	assert.True(t, want.Equal(got), "expected %s days, got %s", want, got)
}

// =============================================================================
// DAY-SLOT COUNTER
// =============================================================================

func TestCountLeaveDays_FullWeek(t *testing.T) {
	// GIVEN: Monday through Friday, no holidays, full-day slots
	// WHEN: Counting leave days
	// THEN: 5 days

	got := count(t, "2025-03-03", "2025-03-07", calendar.SlotFullDay, calendar.SlotFullDay, nil)
	assertDays(t, "5", got)
}

func TestCountLeaveDays_WeekendExcluded(t *testing.T) {
	// GIVEN: Friday through Monday spanning a weekend
	// WHEN: Counting leave days
	// THEN: Only Friday and Monday count

	got := count(t, "2025-03-07", "2025-03-10", calendar.SlotFullDay, calendar.SlotFullDay, nil)
	assertDays(t, "2", got)
}

func TestCountLeaveDays_HolidayExcluded(t *testing.T) {
	// GIVEN: Monday-Friday with Wednesday a holiday
	// WHEN: Counting leave days
	// THEN: 4 days

	holidays := make(calendar.HolidaySet)
	holidays.Add(day(t, "2025-03-05"), "Founders Day")

	got := count(t, "2025-03-03", "2025-03-07", calendar.SlotFullDay, calendar.SlotFullDay, holidays)
	assertDays(t, "4", got)
}

func TestCountLeaveDays_SameDay(t *testing.T) {
	// GIVEN: A single working day
	// WHEN: Requested as full day vs either half
	// THEN: 1 vs 0.5

	got := count(t, "2025-03-04", "2025-03-04", calendar.SlotFullDay, calendar.SlotFullDay, nil)
	assertDays(t, "1", got)

	got = count(t, "2025-03-04", "2025-03-04", calendar.SlotFirstHalf, calendar.SlotFirstHalf, nil)
	assertDays(t, "0.5", got)

	got = count(t, "2025-03-04", "2025-03-04", calendar.SlotSecondHalf, calendar.SlotSecondHalf, nil)
	assertDays(t, "0.5", got)

	// Mixed halves on the same date still collapse to half a day.
	got = count(t, "2025-03-04", "2025-03-04", calendar.SlotFirstHalf, calendar.SlotSecondHalf, nil)
	assertDays(t, "0.5", got)
}

func TestCountLeaveDays_HalfDayBoundaries(t *testing.T) {
	// GIVEN: Monday through Friday
	// WHEN: One or both boundary days are half slots
	// THEN: Each half boundary deducts 0.5 independently

	got := count(t, "2025-03-03", "2025-03-07", calendar.SlotSecondHalf, calendar.SlotFullDay, nil)
	assertDays(t, "4.5", got)

	got = count(t, "2025-03-03", "2025-03-07", calendar.SlotFullDay, calendar.SlotFirstHalf, nil)
	assertDays(t, "4.5", got)

	got = count(t, "2025-03-03", "2025-03-07", calendar.SlotSecondHalf, calendar.SlotFirstHalf, nil)
	assertDays(t, "4", got)
}

func TestCountLeaveDays_NoBusinessDays(t *testing.T) {
	// GIVEN: A weekend-only range
	// WHEN: Counting leave days
	// THEN: Zero, regardless of slots

	got := count(t, "2025-03-08", "2025-03-09", calendar.SlotFullDay, calendar.SlotFullDay, nil)
	assertDays(t, "0", got)

	got = count(t, "2025-03-08", "2025-03-09", calendar.SlotFirstHalf, calendar.SlotSecondHalf, nil)
	assertDays(t, "0", got)
}

func TestCountLeaveDays_FlooredAtZero(t *testing.T) {
	// GIVEN: A range with a single business day bracketed by non-working
	//        days, requested with half slots on both ends
	// WHEN: Counting leave days
	// THEN: 1 - 0.5 - 0.5 floors at zero rather than going negative

	got := count(t, "2025-03-08", "2025-03-10", calendar.SlotFirstHalf, calendar.SlotSecondHalf, nil)
	assertDays(t, "0", got)
}

func TestCountLeaveDays_InvalidInput(t *testing.T) {
	// GIVEN: Inverted ranges, zero dates or invalid slots
	// WHEN: Counting leave days
	// THEN: Zero, never an error or panic

	got := count(t, "2025-03-07", "2025-03-03", calendar.SlotFullDay, calendar.SlotFullDay, nil)
	assertDays(t, "0", got)

	got = calendar.CountLeaveDays(calendar.Day{}, calendar.SlotFullDay, day(t, "2025-03-07"), calendar.SlotFullDay, nil)
	assertDays(t, "0", got)

	got = count(t, "2025-03-03", "2025-03-07", calendar.Slot("morning"), calendar.SlotFullDay, nil)
	assertDays(t, "0", got)
}

// =============================================================================
// OVERRIDES
// =============================================================================

func TestHolidaySet_ApplyOverrides(t *testing.T) {
	// GIVEN: Wednesday is a branch holiday; a swap flipped it to working
	//        and flipped Thursday to a personal holiday
	// WHEN: Counting leave days over the week with overrides applied
	// THEN: The flipped calendar drives the count

	holidays := make(calendar.HolidaySet)
	holidays.Add(day(t, "2025-03-05"), "Founders Day")

	effective := holidays.Apply(map[calendar.Day]calendar.Override{
		day(t, "2025-03-05"): calendar.OverrideWorking,
		day(t, "2025-03-06"): calendar.OverrideHoliday,
	})

	assert.False(t, effective.IsHoliday(day(t, "2025-03-05")))
	assert.True(t, effective.IsHoliday(day(t, "2025-03-06")))

	got := calendar.CountLeaveDays(day(t, "2025-03-03"), calendar.SlotFullDay,
		day(t, "2025-03-07"), calendar.SlotFullDay, effective)
	assertDays(t, "4", got)
}

func TestParseSlot(t *testing.T) {
	slot, err := calendar.ParseSlot("first_half")
	require.NoError(t, err)
	assert.Equal(t, calendar.SlotFirstHalf, slot)
	assert.True(t, slot.IsHalf())

	_, err = calendar.ParseSlot("morning")
	assert.Error(t, err)
}
