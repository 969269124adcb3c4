// Package billing computes parking fees from versioned rule payloads.
package billing

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DefaultTimezone is the business timezone applied to windows that do not name
// their own.
const DefaultTimezone = "Asia/Shanghai"

// Segment types.
const (
	SegmentFree     = "free"
	SegmentPeriodic = "periodic"
	SegmentTiered   = "tiered"
)

// TimeWindow is a daily wall-clock window. Start after end means the window
// wraps midnight.
type TimeWindow struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

// Tier prices charge units whose start minute falls in [start_minute, end_minute).
// A nil end_minute leaves the tier open-ended.
type Tier struct {
	StartMinute int             `json:"start_minute"`
	EndMinute   *int            `json:"end_minute"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Segment is one entry of a rule payload. Earlier segments claim overlapping
// minutes first.
type Segment struct {
	Name        string           `json:"name,omitempty"`
	Type        string           `json:"type"`
	TimeWindow  *TimeWindow      `json:"time_window,omitempty"`
	Weekdays    []int            `json:"weekdays,omitempty"`
	UnitMinutes *int             `json:"unit_minutes,omitempty"`
	UnitPrice   decimal.Decimal  `json:"unit_price,omitempty"`
	FreeMinutes int              `json:"free_minutes,omitempty"`
	MaxCharge   *decimal.Decimal `json:"max_charge,omitempty"`
	Tiers       []Tier           `json:"tiers,omitempty"`
}

// SegmentBreakdown reports the charge of one payload segment.
type SegmentBreakdown struct {
	SegmentName string          `json:"segment_name"`
	SegmentType string          `json:"segment_type"`
	Minutes     int             `json:"minutes"`
	Amount      decimal.Decimal `json:"amount"`
	FreeMinutes int             `json:"free_minutes"`
	Capped      bool            `json:"capped"`
}

// SimulationResult is the outcome of one fee simulation.
type SimulationResult struct {
	DurationMinutes int                `json:"duration_minutes"`
	TotalAmount     decimal.Decimal    `json:"total_amount"`
	Breakdown       []SegmentBreakdown `json:"breakdown"`
}

// Engine simulates fees. It is stateless and safe for concurrent use.
type Engine struct {
	defaultLoc *time.Location
}

// NewEngine creates an engine whose windows default to the given timezone.
// An empty name falls back to DefaultTimezone.
func NewEngine(businessTimezone string) (*Engine, error) {
	if businessTimezone == "" {
		businessTimezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(businessTimezone)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load business timezone %q", businessTimezone)
	}
	return &Engine{defaultLoc: loc}, nil
}

// SimulateFee attributes every minute between entry and exit to at most one
// segment, earliest payload segment first, then charges each segment per local
// date with free-minute carryover and daily caps.
func (e *Engine) SimulateFee(payload []Segment, entryTime, exitTime time.Time) (*SimulationResult, error) {
	zero := decimal.Zero.Round(2)
	if !exitTime.After(entryTime) {
		return &SimulationResult{DurationMinutes: 0, TotalAmount: zero, Breakdown: []SegmentBreakdown{}}, nil
	}

	durationMinutes := int(exitTime.Sub(entryTime) / time.Minute)

	occupancies := make([]segmentOccupancy, len(payload))
	covered := []span{}
	for idx, segment := range payload {
		loc, err := e.windowLocation(segment.TimeWindow)
		if err != nil {
			return nil, err
		}
		candidates, err := candidateSpans(&segment, loc, entryTime, exitTime, durationMinutes)
		if err != nil {
			return nil, err
		}
		effective := subtractSpans(candidates, covered)
		covered = mergeSpans(append(covered, effective...))

		occupancy := segmentOccupancy{dayMinutes: map[string]int{}}
		for _, sp := range effective {
			occupancy.minutes += sp.hi - sp.lo
			splitByLocalDay(entryTime, loc, sp, &occupancy)
		}
		occupancies[idx] = occupancy
	}

	breakdown := []SegmentBreakdown{}
	total := decimal.Zero
	for idx, segment := range payload {
		occupancy := occupancies[idx]
		if occupancy.minutes == 0 {
			continue
		}
		entry := chargeSegment(&segment, idx, occupancy)
		total = total.Add(entry.Amount)
		breakdown = append(breakdown, entry)
	}

	return &SimulationResult{
		DurationMinutes: durationMinutes,
		TotalAmount:     total.Round(2),
		Breakdown:       breakdown,
	}, nil
}

func (e *Engine) windowLocation(window *TimeWindow) (*time.Location, error) {
	if window == nil || window.Timezone == "" {
		return e.defaultLoc, nil
	}
	loc, err := time.LoadLocation(window.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load window timezone %q", window.Timezone)
	}
	return loc, nil
}

// segmentOccupancy holds the minutes claimed by one segment, bucketed by local
// date in first-occurrence order.
type segmentOccupancy struct {
	minutes    int
	dayOrder   []string
	dayMinutes map[string]int
}

// span is a half-open range of minute offsets from the entry time.
type span struct {
	lo, hi int
}

// candidateSpans lists the minute offsets where the segment's window and
// weekday restrictions hold, day by day in the window's timezone.
func candidateSpans(segment *Segment, loc *time.Location, entryTime, exitTime time.Time, durationMinutes int) ([]span, error) {
	var startMinute, endMinute int
	hasWindow := false
	if segment.TimeWindow != nil && segment.TimeWindow.Start != "" && segment.TimeWindow.End != "" {
		var err error
		startMinute, err = parseHHMM(segment.TimeWindow.Start)
		if err != nil {
			return nil, err
		}
		endMinute, err = parseHHMM(segment.TimeWindow.End)
		if err != nil {
			return nil, err
		}
		hasWindow = startMinute != endMinute
	}

	if !hasWindow && len(segment.Weekdays) == 0 {
		return []span{{lo: 0, hi: durationMinutes}}, nil
	}

	entryLocal := entryTime.In(loc)
	exitLocal := exitTime.In(loc)
	day := time.Date(entryLocal.Year(), entryLocal.Month(), entryLocal.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	lastDay := time.Date(exitLocal.Year(), exitLocal.Month(), exitLocal.Day(), 0, 0, 0, 0, loc)

	spans := []span{}
	for !day.After(lastDay) {
		nextDay := day.AddDate(0, 0, 1)
		if weekdayAllowed(day, segment.Weekdays) {
			for _, window := range dailyWindows(day, nextDay, startMinute, endMinute, hasWindow, loc) {
				if sp, ok := clipToMinutes(entryTime, window.from, window.to, durationMinutes); ok {
					spans = append(spans, sp)
				}
			}
		}
		day = nextDay
	}
	return mergeSpans(spans), nil
}

type absoluteWindow struct {
	from, to time.Time
}

// dailyWindows materializes the window on one local day. A wrapping window
// yields the evening part and the after-midnight part of that same day.
func dailyWindows(day, nextDay time.Time, startMinute, endMinute int, hasWindow bool, loc *time.Location) []absoluteWindow {
	if !hasWindow {
		return []absoluteWindow{{from: day, to: nextDay}}
	}
	at := func(minute int) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day(), minute/60, minute%60, 0, 0, loc)
	}
	if startMinute < endMinute {
		return []absoluteWindow{{from: at(startMinute), to: at(endMinute)}}
	}
	return []absoluteWindow{
		{from: at(startMinute), to: nextDay},
		{from: day, to: at(endMinute)},
	}
}

func weekdayAllowed(day time.Time, weekdays []int) bool {
	if len(weekdays) == 0 {
		return true
	}
	iso := int(day.Weekday())
	if iso == 0 {
		iso = 7
	}
	for _, allowed := range weekdays {
		if allowed == iso {
			return true
		}
	}
	return false
}

// clipToMinutes converts an absolute window to minute offsets from the entry
// time, keeping only offsets inside the stay.
func clipToMinutes(entryTime, from, to time.Time, durationMinutes int) (span, bool) {
	lo := ceilMinutes(from.Sub(entryTime))
	hi := ceilMinutes(to.Sub(entryTime))
	if lo < 0 {
		lo = 0
	}
	if hi > durationMinutes {
		hi = durationMinutes
	}
	if lo >= hi {
		return span{}, false
	}
	return span{lo: lo, hi: hi}, true
}

// ceilMinutes rounds a duration up to whole minutes. Integer division already
// ceils negative values because Go truncates toward zero.
func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return int(d / time.Minute)
	}
	return int((d + time.Minute - 1) / time.Minute)
}

// splitByLocalDay buckets a span's minutes by the local calendar date of each
// minute's instant.
func splitByLocalDay(entryTime time.Time, loc *time.Location, sp span, occupancy *segmentOccupancy) {
	k := sp.lo
	for k < sp.hi {
		instant := entryTime.Add(time.Duration(k) * time.Minute).In(loc)
		dayKey := instant.Format("2006-01-02")
		nextMidnight := time.Date(instant.Year(), instant.Month(), instant.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		boundary := ceilMinutes(nextMidnight.Sub(entryTime))
		if boundary > sp.hi {
			boundary = sp.hi
		}
		if boundary <= k {
			boundary = k + 1
		}
		if _, ok := occupancy.dayMinutes[dayKey]; !ok {
			occupancy.dayOrder = append(occupancy.dayOrder, dayKey)
		}
		occupancy.dayMinutes[dayKey] += boundary - k
		k = boundary
	}
}

// chargeSegment prices one segment's occupancy. Free minutes are consumed day
// by day in order and the daily cap clamps each local date independently.
func chargeSegment(segment *Segment, index int, occupancy segmentOccupancy) SegmentBreakdown {
	name := segment.Name
	if name == "" {
		name = fmt.Sprintf("segment_%d", index+1)
	}
	segmentType := segment.Type
	if segmentType == "" {
		segmentType = SegmentFree
	}

	entry := SegmentBreakdown{
		SegmentName: name,
		SegmentType: segmentType,
		Minutes:     occupancy.minutes,
	}

	if segmentType == SegmentFree {
		entry.Amount = decimal.Zero.Round(2)
		entry.FreeMinutes = occupancy.minutes
		return entry
	}

	unitMinutes := 30
	if segment.UnitMinutes != nil {
		unitMinutes = *segment.UnitMinutes
	}
	if unitMinutes < 1 {
		unitMinutes = 1
	}

	entry.FreeMinutes = segment.FreeMinutes
	remainingFree := segment.FreeMinutes
	amount := decimal.Zero
	for _, dayKey := range occupancy.dayOrder {
		dayMinutes := occupancy.dayMinutes[dayKey]
		chargeable := dayMinutes - remainingFree
		if chargeable < 0 {
			chargeable = 0
		}
		remainingFree -= dayMinutes
		if remainingFree < 0 {
			remainingFree = 0
		}
		units := (chargeable + unitMinutes - 1) / unitMinutes

		var dayAmount decimal.Decimal
		switch segmentType {
		case SegmentPeriodic:
			dayAmount = decimal.NewFromInt(int64(units)).Mul(segment.UnitPrice)
		case SegmentTiered:
			dayAmount = tieredAmount(units, unitMinutes, segment.Tiers)
		default:
			dayAmount = decimal.Zero
		}

		if segment.MaxCharge != nil && dayAmount.GreaterThanOrEqual(*segment.MaxCharge) {
			dayAmount = *segment.MaxCharge
			entry.Capped = true
		}
		amount = amount.Add(dayAmount)
	}

	entry.Amount = amount.Round(2)
	return entry
}

// tieredAmount prices each unit by the first tier covering the unit's start
// minute. Units outside every tier cost nothing.
func tieredAmount(units, unitMinutes int, tiers []Tier) decimal.Decimal {
	amount := decimal.Zero
	for unitIndex := 0; unitIndex < units; unitIndex++ {
		startMinute := unitIndex * unitMinutes
		for _, tier := range tiers {
			if startMinute < tier.StartMinute {
				continue
			}
			if tier.EndMinute != nil && startMinute >= *tier.EndMinute {
				continue
			}
			amount = amount.Add(tier.UnitPrice)
			break
		}
	}
	return amount
}

func parseHHMM(value string) (int, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, errors.Errorf("invalid time window boundary %q", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, errors.Wrapf(err, "invalid time window boundary %q", value)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.Wrapf(err, "invalid time window boundary %q", value)
	}
	if hours < 0 || hours > 23 || minutes < 0 || minutes > 59 {
		return 0, errors.Errorf("invalid time window boundary %q", value)
	}
	return hours*60 + minutes, nil
}

func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].lo < spans[j].lo })
	merged := []span{spans[0]}
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.lo <= last.hi {
			if sp.hi > last.hi {
				last.hi = sp.hi
			}
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}

// subtractSpans removes every covered minute from the candidate spans. Both
// inputs must be merged and sorted.
func subtractSpans(candidates, covered []span) []span {
	result := []span{}
	for _, candidate := range candidates {
		lo := candidate.lo
		for _, block := range covered {
			if block.hi <= lo {
				continue
			}
			if block.lo >= candidate.hi {
				break
			}
			if block.lo > lo {
				result = append(result, span{lo: lo, hi: block.lo})
			}
			if block.hi > lo {
				lo = block.hi
			}
			if lo >= candidate.hi {
				break
			}
		}
		if lo < candidate.hi {
			result = append(result, span{lo: lo, hi: candidate.hi})
		}
	}
	return result
}
