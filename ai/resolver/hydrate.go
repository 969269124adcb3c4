package resolver

import (
	"github.com/hrygo/parkwise/ai/memory"
)

// carrySlots are always eligible for hydration from session memory. Required
// slots of the active intent are hydrated too, but the memory writer never
// snapshots order_no, so a prior turn's order cannot leak into a new
// verification implicitly.
var carrySlots = []string{"city_code", "lot_code", "plate_no"}

// Hydrate performs stage 2: fill still-empty slots from session memory. User
// values are never replaced.
func Hydrate(parse *ParseResult, state *memory.State) *HydrateResult {
	result := &HydrateResult{
		Payload:      parse.Payload.Clone(),
		FieldSources: map[string]string{},
		Trace:        []string{},
	}
	for key, source := range parse.FieldSources {
		result.FieldSources[key] = source
	}

	if state == nil || len(state.Slots) == 0 {
		result.Trace = append(result.Trace, "slot_hydrate:none")
		result.MissingRequiredSlots = missingRequired(parse.Intent, result.Payload)
		return result
	}

	for _, key := range hydrateKeys(parse.Intent) {
		if result.Payload.Slot(key) != "" {
			continue
		}
		value := state.Slots[key]
		if value == "" {
			continue
		}
		result.Payload.SetSlot(key, value)
		result.FieldSources[key] = SourceMemory
		result.Trace = append(result.Trace, "slot_hydrate:"+key)
	}

	if len(result.Trace) == 0 {
		result.Trace = append(result.Trace, "slot_hydrate:none")
	}
	result.MissingRequiredSlots = missingRequired(parse.Intent, result.Payload)
	return result
}

// hydrateKeys is the carry set plus the active intent's required slots.
func hydrateKeys(intent string) []string {
	keys := append([]string(nil), carrySlots...)
	for _, slot := range RequiredSlots(intent) {
		if !contains(keys, slot) {
			keys = append(keys, slot)
		}
	}
	return keys
}
