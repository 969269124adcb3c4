// Package memory keeps short-term per-session dialogue state with TTL.
package memory

import (
	"sync"
	"time"

	"github.com/hrygo/parkwise/ai/llm"
)

// Turn is one completed exchange kept for slot hydration context.
type Turn struct {
	TurnID  string `json:"turn_id"`
	Query   string `json:"query"`
	Intent  string `json:"intent,omitempty"`
	OrderNo string `json:"order_no,omitempty"`
}

// PendingClarification marks that the previous turn ended asking the user for
// more information.
type PendingClarification struct {
	Decision string `json:"decision"`
	Error    string `json:"error,omitempty"`
}

// State is the session memory snapshot read at turn entry and written once at
// turn exit.
type State struct {
	Slots                map[string]string     `json:"slots,omitempty"`
	Turns                []Turn                `json:"turns,omitempty"`
	PendingClarification *PendingClarification `json:"pending_clarification,omitempty"`
	ClarifyMessages      []llm.Message         `json:"clarify_messages,omitempty"`
	ResolvedSlots        map[string]string     `json:"resolved_slots,omitempty"`
}

// NewState returns an empty session state.
func NewState() *State {
	return &State{Slots: map[string]string{}}
}

type entry struct {
	state     *State
	expiresAt time.Time
}

// Store is a process-local TTL map keyed by session id. Safe for concurrent
// use; last writer per session wins.
type Store struct {
	mu                 sync.RWMutex
	entries            map[string]entry
	maxTurns           int
	maxClarifyMessages int
	now                func() time.Time
}

// NewStore creates a store with the given history bounds.
func NewStore(maxTurns, maxClarifyMessages int) *Store {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	if maxClarifyMessages <= 0 {
		maxClarifyMessages = 20
	}
	return &Store{
		entries:            map[string]entry{},
		maxTurns:           maxTurns,
		maxClarifyMessages: maxClarifyMessages,
		now:                time.Now,
	}
}

// Get returns the live state for a session. Expired entries are dropped and
// never observable.
func (s *Store) Get(sessionID string) (*State, bool) {
	if sessionID == "" {
		return nil, false
	}
	s.mu.RLock()
	item, ok := s.entries[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().After(item.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; another writer may have refreshed it.
		if current, still := s.entries[sessionID]; still && s.now().After(current.expiresAt) {
			delete(s.entries, sessionID)
		}
		s.mu.Unlock()
		return nil, false
	}
	return item.state, true
}

// Put stores the state, truncating turn and clarify histories to their bounds.
func (s *Store) Put(sessionID string, state *State, ttl time.Duration) {
	if sessionID == "" || state == nil {
		return
	}
	if len(state.Turns) > s.maxTurns {
		state.Turns = state.Turns[len(state.Turns)-s.maxTurns:]
	}
	if len(state.ClarifyMessages) > s.maxClarifyMessages {
		state.ClarifyMessages = state.ClarifyMessages[len(state.ClarifyMessages)-s.maxClarifyMessages:]
	}
	s.mu.Lock()
	s.entries[sessionID] = entry{state: state, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
}

// Delete removes a session outright.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
}
