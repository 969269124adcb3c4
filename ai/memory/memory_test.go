package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/parkwise/ai/llm"
)

func TestStorePutGet(t *testing.T) {
	store := NewStore(10, 20)

	state := NewState()
	state.Slots["plate_no"] = "沪A12345"
	store.Put("session-a", state, time.Minute)

	got, ok := store.Get("session-a")
	require.True(t, ok)
	require.Equal(t, "沪A12345", got.Slots["plate_no"])

	_, ok = store.Get("session-b")
	require.False(t, ok)
	_, ok = store.Get("")
	require.False(t, ok)
}

func TestStoreExpiry(t *testing.T) {
	store := NewStore(10, 20)
	current := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }

	store.Put("session-a", NewState(), 30*time.Second)

	_, ok := store.Get("session-a")
	require.True(t, ok)

	current = current.Add(31 * time.Second)
	_, ok = store.Get("session-a")
	require.False(t, ok)

	// The expired entry is gone for good, not merely hidden.
	current = current.Add(-31 * time.Second)
	_, ok = store.Get("session-a")
	require.False(t, ok)
}

func TestStoreTruncatesHistories(t *testing.T) {
	store := NewStore(3, 2)

	state := NewState()
	for i := 0; i < 5; i++ {
		state.Turns = append(state.Turns, Turn{TurnID: fmt.Sprintf("t%d", i)})
		state.ClarifyMessages = append(state.ClarifyMessages, llm.UserMessage(fmt.Sprintf("m%d", i)))
	}
	store.Put("session-a", state, time.Minute)

	got, ok := store.Get("session-a")
	require.True(t, ok)
	require.Len(t, got.Turns, 3)
	require.Equal(t, "t2", got.Turns[0].TurnID)
	require.Equal(t, "t4", got.Turns[2].TurnID)
	require.Len(t, got.ClarifyMessages, 2)
	require.Equal(t, "m3", got.ClarifyMessages[0].Content)
}

func TestStoreSessionIsolation(t *testing.T) {
	store := NewStore(10, 20)

	stateA := NewState()
	stateA.Slots["plate_no"] = "沪SCN020"
	store.Put("session-a", stateA, time.Minute)

	_, ok := store.Get("session-b")
	require.False(t, ok)

	stateB := NewState()
	stateB.Slots["order_no"] = "SCN-001"
	store.Put("session-b", stateB, time.Minute)

	gotA, ok := store.Get("session-a")
	require.True(t, ok)
	require.Empty(t, gotA.Slots["order_no"])
	gotB, ok := store.Get("session-b")
	require.True(t, ok)
	require.Empty(t, gotB.Slots["plate_no"])
}

func TestStoreLastWriterWins(t *testing.T) {
	store := NewStore(10, 20)

	first := NewState()
	first.Slots["city_code"] = "310100"
	store.Put("session-a", first, time.Minute)

	second := NewState()
	second.Slots["city_code"] = "440300"
	store.Put("session-a", second, time.Minute)

	got, ok := store.Get("session-a")
	require.True(t, ok)
	require.Equal(t, "440300", got.Slots["city_code"])
}
