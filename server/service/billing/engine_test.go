package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(DefaultTimezone)
	require.NoError(t, err)
	return engine
}

func shanghai(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	return loc
}

func intPtr(v int) *int { return &v }

func decPtr(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}

func requireAmount(t *testing.T, expected string, actual decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(expected).Equal(actual),
		"expected %s, got %s", expected, actual.String())
}

func TestSimulateFeePeriodicWithFreeMinutesAndCap(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:        "day_periodic",
			Type:        SegmentPeriodic,
			TimeWindow:  &TimeWindow{Start: "08:00", End: "22:00"},
			UnitMinutes: intPtr(30),
			UnitPrice:   decimal.NewFromInt(2),
			FreeMinutes: 30,
			MaxCharge:   decPtr("6"),
		},
	}

	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 9, 0, 0, 0, loc),
		time.Date(2026, 2, 1, 11, 0, 0, 0, loc))
	require.NoError(t, err)
	requireAmount(t, "6.00", result.TotalAmount)
	require.Len(t, result.Breakdown, 1)
	require.True(t, result.Breakdown[0].Capped)
}

func TestSimulateFeeFreeNightSegment(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:       "night_free",
			Type:       SegmentFree,
			TimeWindow: &TimeWindow{Start: "22:00", End: "08:00"},
		},
	}

	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 23, 0, 0, 0, loc),
		time.Date(2026, 2, 2, 1, 0, 0, 0, loc))
	require.NoError(t, err)
	requireAmount(t, "0.00", result.TotalAmount)
	require.Len(t, result.Breakdown, 1)
	require.Equal(t, 120, result.Breakdown[0].Minutes)
	require.Equal(t, 120, result.Breakdown[0].FreeMinutes)
}

func TestSimulateFeeTiered(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:        "day_tiered",
			Type:        SegmentTiered,
			TimeWindow:  &TimeWindow{Start: "08:00", End: "22:00"},
			UnitMinutes: intPtr(30),
			Tiers: []Tier{
				{StartMinute: 0, EndMinute: intPtr(60), UnitPrice: decimal.NewFromInt(2)},
				{StartMinute: 60, EndMinute: nil, UnitPrice: decimal.NewFromInt(3)},
			},
		},
	}

	// 120 minutes: units at 0/30 cost 2, units at 60/90 cost 3.
	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 9, 0, 0, 0, loc),
		time.Date(2026, 2, 1, 11, 0, 0, 0, loc))
	require.NoError(t, err)
	requireAmount(t, "10.00", result.TotalAmount)
}

func TestSimulateFeeTieredWithFreeMinutesAndCap(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:        "day_tiered",
			Type:        SegmentTiered,
			TimeWindow:  &TimeWindow{Start: "08:00", End: "20:00"},
			UnitMinutes: intPtr(30),
			FreeMinutes: 30,
			MaxCharge:   decPtr("20"),
			Tiers: []Tier{
				{StartMinute: 0, EndMinute: intPtr(120), UnitPrice: decimal.NewFromInt(2)},
				{StartMinute: 120, EndMinute: nil, UnitPrice: decimal.NewFromInt(3)},
			},
		},
	}

	// 180 occupied minutes minus 30 free leaves 150, so 5 units starting at
	// minutes 0/30/60/90/120: four in the first tier at 2, one at 3.
	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 2, 9, 0, 0, 0, loc),
		time.Date(2026, 2, 2, 12, 0, 0, 0, loc))
	require.NoError(t, err)
	require.Equal(t, 180, result.DurationMinutes)
	requireAmount(t, "11.00", result.TotalAmount)
	require.Len(t, result.Breakdown, 1)
	require.Equal(t, 180, result.Breakdown[0].Minutes)
	require.Equal(t, 30, result.Breakdown[0].FreeMinutes)
	require.False(t, result.Breakdown[0].Capped)
}

func TestSimulateFeeRoundsUpPartialUnits(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:        "day_periodic_non_divisible",
			Type:        SegmentPeriodic,
			TimeWindow:  &TimeWindow{Start: "08:00", End: "22:00"},
			UnitMinutes: intPtr(30),
			UnitPrice:   decimal.NewFromInt(2),
		},
	}

	// 65 minutes charges 3 units.
	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 9, 0, 0, 0, loc),
		time.Date(2026, 2, 1, 10, 5, 0, 0, loc))
	require.NoError(t, err)
	require.Equal(t, 65, result.DurationMinutes)
	requireAmount(t, "6.00", result.TotalAmount)
}

func TestSimulateFeeCapsPerLocalDate(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:        "all_day_periodic",
			Type:        SegmentPeriodic,
			TimeWindow:  &TimeWindow{Start: "08:00", End: "20:00"},
			UnitMinutes: intPtr(30),
			UnitPrice:   decimal.NewFromInt(2),
			MaxCharge:   decPtr("20"),
		},
	}

	// Day1 660min, Day2 720min, Day3 430min, each clamped to 20.
	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 9, 0, 0, 0, loc),
		time.Date(2026, 2, 3, 15, 10, 0, 0, loc))
	require.NoError(t, err)
	require.Equal(t, 3250, result.DurationMinutes)
	require.Len(t, result.Breakdown, 1)
	require.Equal(t, 1810, result.Breakdown[0].Minutes)
	require.True(t, result.Breakdown[0].Capped)
	requireAmount(t, "60.00", result.TotalAmount)
}

func TestSimulateFeeEarlierSegmentsClaimOverlaps(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:        "day_periodic",
			Type:        SegmentPeriodic,
			TimeWindow:  &TimeWindow{Start: "08:00", End: "20:00"},
			UnitMinutes: intPtr(30),
			UnitPrice:   decimal.NewFromInt(2),
			MaxCharge:   decPtr("20"),
		},
		{
			Name:        "night_periodic",
			Type:        SegmentPeriodic,
			TimeWindow:  &TimeWindow{Start: "20:00", End: "08:00"},
			UnitMinutes: intPtr(60),
			UnitPrice:   decimal.NewFromInt(2),
			MaxCharge:   decPtr("10"),
		},
	}

	// Day segment: 20+20+20. Night segment: 240min (8.00), then two capped days.
	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 9, 0, 0, 0, loc),
		time.Date(2026, 2, 3, 15, 10, 0, 0, loc))
	require.NoError(t, err)
	require.Equal(t, 3250, result.DurationMinutes)
	requireAmount(t, "88.00", result.TotalAmount)
	require.Len(t, result.Breakdown, 2)
	require.Equal(t, "day_periodic", result.Breakdown[0].SegmentName)
	require.Equal(t, 1810, result.Breakdown[0].Minutes)
	requireAmount(t, "60.00", result.Breakdown[0].Amount)
	require.True(t, result.Breakdown[0].Capped)
	require.Equal(t, "night_periodic", result.Breakdown[1].SegmentName)
	require.Equal(t, 1440, result.Breakdown[1].Minutes)
	requireAmount(t, "28.00", result.Breakdown[1].Amount)
	require.True(t, result.Breakdown[1].Capped)
}

func TestSimulateFeeTieredAcrossDaysWithNightFree(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:        "day_tiered",
			Type:        SegmentTiered,
			TimeWindow:  &TimeWindow{Start: "08:00", End: "20:00"},
			UnitMinutes: intPtr(30),
			FreeMinutes: 30,
			Tiers: []Tier{
				{StartMinute: 0, EndMinute: intPtr(120), UnitPrice: decimal.NewFromInt(2)},
				{StartMinute: 120, EndMinute: nil, UnitPrice: decimal.NewFromInt(3)},
			},
			MaxCharge: decPtr("20"),
		},
		{
			Name:       "night_free",
			Type:       SegmentFree,
			TimeWindow: &TimeWindow{Start: "20:00", End: "08:00"},
		},
	}

	// Day1 660min minus free 30 caps at 20, Day2 720min caps at 20, Day3 29min
	// is one unit at 2. Nights cost nothing.
	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 9, 0, 0, 0, loc),
		time.Date(2026, 2, 3, 8, 29, 0, 0, loc))
	require.NoError(t, err)
	require.Equal(t, 2849, result.DurationMinutes)
	requireAmount(t, "42.00", result.TotalAmount)
	require.Len(t, result.Breakdown, 2)
	require.Equal(t, "day_tiered", result.Breakdown[0].SegmentName)
	require.Equal(t, 1409, result.Breakdown[0].Minutes)
	requireAmount(t, "42.00", result.Breakdown[0].Amount)
	require.True(t, result.Breakdown[0].Capped)
	require.Equal(t, "night_free", result.Breakdown[1].SegmentName)
	require.Equal(t, 1440, result.Breakdown[1].Minutes)
	requireAmount(t, "0.00", result.Breakdown[1].Amount)
}

func TestSimulateFeeFreeMinutesCarryAcrossDays(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:        "late_night_periodic",
			Type:        SegmentPeriodic,
			UnitMinutes: intPtr(30),
			UnitPrice:   decimal.NewFromInt(2),
			FreeMinutes: 90,
		},
	}

	// 23:30 to 01:30. Day1 holds 30 minutes, fully free; Day2 holds 90 with 60
	// free remaining, so one unit is charged.
	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 23, 30, 0, 0, loc),
		time.Date(2026, 2, 2, 1, 30, 0, 0, loc))
	require.NoError(t, err)
	require.Equal(t, 120, result.DurationMinutes)
	requireAmount(t, "2.00", result.TotalAmount)
}

func TestSimulateFeeDefaultsWindowsToBusinessTimezone(t *testing.T) {
	engine := newTestEngine(t)
	payload := []Segment{
		{
			Name:        "day_periodic",
			Type:        SegmentPeriodic,
			TimeWindow:  &TimeWindow{Start: "08:00", End: "20:00"},
			UnitMinutes: intPtr(30),
			UnitPrice:   decimal.NewFromInt(2),
		},
	}

	// 01:00-02:00 UTC is 09:00-10:00 in Asia/Shanghai.
	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 1, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 60, result.DurationMinutes)
	requireAmount(t, "4.00", result.TotalAmount)
}

func TestSimulateFeeHonorsWindowTimezone(t *testing.T) {
	engine := newTestEngine(t)
	payload := []Segment{
		{
			Name:        "utc_periodic",
			Type:        SegmentPeriodic,
			TimeWindow:  &TimeWindow{Start: "01:00", End: "03:00", Timezone: "UTC"},
			UnitMinutes: intPtr(30),
			UnitPrice:   decimal.NewFromInt(2),
		},
	}

	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 1, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 60, result.DurationMinutes)
	requireAmount(t, "4.00", result.TotalAmount)
}

func TestSimulateFeeWeekdayRestriction(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:        "weekday_periodic",
			Type:        SegmentPeriodic,
			TimeWindow:  &TimeWindow{Start: "08:00", End: "20:00"},
			Weekdays:    []int{1, 2, 3, 4, 5},
			UnitMinutes: intPtr(60),
			UnitPrice:   decimal.NewFromInt(2),
		},
	}

	// 2026-02-01 is a Sunday; only Monday 08:00-10:00 is billable.
	result, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 9, 0, 0, 0, loc),
		time.Date(2026, 2, 2, 10, 0, 0, 0, loc))
	require.NoError(t, err)
	require.Len(t, result.Breakdown, 1)
	require.Equal(t, 120, result.Breakdown[0].Minutes)
	requireAmount(t, "4.00", result.TotalAmount)
}

func TestSimulateFeeZeroDuration(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{Name: "day_periodic", Type: SegmentPeriodic, UnitPrice: decimal.NewFromInt(2)},
	}

	at := time.Date(2026, 2, 1, 9, 0, 0, 0, loc)
	result, err := engine.SimulateFee(payload, at, at)
	require.NoError(t, err)
	require.Equal(t, 0, result.DurationMinutes)
	requireAmount(t, "0.00", result.TotalAmount)
	require.Empty(t, result.Breakdown)

	result, err = engine.SimulateFee(payload, at, at.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, result.DurationMinutes)
	require.Empty(t, result.Breakdown)
}

func TestSimulateFeeRejectsBadWindow(t *testing.T) {
	engine := newTestEngine(t)
	loc := shanghai(t)
	payload := []Segment{
		{
			Name:       "broken",
			Type:       SegmentPeriodic,
			TimeWindow: &TimeWindow{Start: "8am", End: "20:00"},
			UnitPrice:  decimal.NewFromInt(2),
		},
	}

	_, err := engine.SimulateFee(payload,
		time.Date(2026, 2, 1, 9, 0, 0, 0, loc),
		time.Date(2026, 2, 1, 10, 0, 0, 0, loc))
	require.Error(t, err)
}
