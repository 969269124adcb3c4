package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/parkwise/ai/memory"
)

func parseFor(t *testing.T, payload *TurnPayload) *ParseResult {
	t.Helper()
	return NewParser(nil).Parse(context.Background(), payload)
}

func TestHydrateWithoutMemory(t *testing.T) {
	parse := parseFor(t, &TurnPayload{Query: "这笔订单核验下", IntentHint: IntentFeeVerify})

	result := Hydrate(parse, nil)

	require.Equal(t, []string{"slot_hydrate:none"}, result.Trace)
	require.Equal(t, []string{"order_no"}, result.MissingRequiredSlots)
}

func TestHydrateCarriesContextSlots(t *testing.T) {
	parse := parseFor(t, &TurnPayload{Query: "有没有欠费", IntentHint: IntentArrearsCheck})
	state := memory.NewState()
	state.Slots["city_code"] = "310100"
	state.Slots["lot_code"] = "LOT-001"
	state.Slots["plate_no"] = "沪SCN020"

	result := Hydrate(parse, state)

	require.Equal(t, "310100", result.Payload.CityCode)
	require.Equal(t, "LOT-001", result.Payload.LotCode)
	require.Equal(t, "沪SCN020", result.Payload.PlateNo)
	require.Equal(t, SourceMemory, result.FieldSources["plate_no"])
	require.Contains(t, result.Trace, "slot_hydrate:city_code")
	require.Contains(t, result.Trace, "slot_hydrate:lot_code")
	require.Contains(t, result.Trace, "slot_hydrate:plate_no")
	require.Empty(t, result.MissingRequiredSlots)
}

func TestHydrateNeverOverwritesUserValues(t *testing.T) {
	parse := parseFor(t, &TurnPayload{
		Query:      "换个城市查欠费",
		IntentHint: IntentArrearsCheck,
		CityCode:   "440300",
		PlateNo:    "粤B00001",
	})
	state := memory.NewState()
	state.Slots["city_code"] = "310100"
	state.Slots["plate_no"] = "沪SCN020"

	result := Hydrate(parse, state)

	require.Equal(t, "440300", result.Payload.CityCode)
	require.Equal(t, "粤B00001", result.Payload.PlateNo)
	require.Equal(t, SourceUser, result.FieldSources["plate_no"])
	require.Equal(t, []string{"slot_hydrate:none"}, result.Trace)
}

func TestHydrateFillsRequiredSlotFromMemory(t *testing.T) {
	parse := parseFor(t, &TurnPayload{Query: "继续核验", IntentHint: IntentFeeVerify})
	state := memory.NewState()
	state.Slots["order_no"] = "SCN-020"

	result := Hydrate(parse, state)

	require.Equal(t, "SCN-020", result.Payload.OrderNo)
	require.Contains(t, result.Trace, "slot_hydrate:order_no")
	require.Empty(t, result.MissingRequiredSlots)
}

func TestHydrateEmptyMemorySlots(t *testing.T) {
	parse := parseFor(t, &TurnPayload{Query: "有没有欠费", IntentHint: IntentArrearsCheck})

	result := Hydrate(parse, memory.NewState())

	require.Equal(t, []string{"slot_hydrate:none"}, result.Trace)
	require.Equal(t, []string{"plate_no"}, result.MissingRequiredSlots)
}
