// Package im implements the instant-message fabric: symmetric conversation
// ids, multi-frame stream reassembly keyed by stream id, and the iS/iT
// handler that delivers a reassembled message to its recipient (or drops it
// per the DOD-exclusivity asymmetry documented in spec.md §9 open question 4).
package im

import "sync"

const (
	conversationIDMin = 10000
	conversationIDMax = 65535
)

// pairKey canonicalizes an unordered pair by sorting, matching spec.md's
// "ordering of a,b is canonicalized by sort to make the key symmetric".
// This is case-sensitive, per scenario S4.
type pairKey struct {
	a, b string
}

func canonicalPair(a, b string) pairKey {
	if a <= b {
		return pairKey{a, b}
	}
	return pairKey{b, a}
}

// ConversationIdManager maps an unordered pair of participants to a single
// 16-bit conversation id, so both endpoints' local "magic table" (client
// window mapping) resolve to the same window for a given conversation.
type ConversationIdManager struct {
	mu      sync.Mutex
	pairID  map[pairKey]int
	idPair  map[int]pairKey
	counter int
}

// NewConversationIdManager constructs a manager with the counter at its
// starting value.
func NewConversationIdManager() *ConversationIdManager {
	return &ConversationIdManager{
		pairID:  make(map[pairKey]int),
		idPair:  make(map[int]pairKey),
		counter: conversationIDMin,
	}
}

// GetOrCreate returns the single id for the unordered pair {a,b}, allocating
// one from [10000,65535] if this is the first time the pair has been seen.
// On counter overflow the entire map is cleared and the counter restarts at
// 10000 — documented wrap behavior, not a bug: in-flight conversations at
// the moment of wrap are not preserved (spec.md §9 open question 1).
func (m *ConversationIdManager) GetOrCreate(a, b string) int {
	key := canonicalPair(a, b)

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.pairID[key]; ok {
		return id
	}

	if m.counter > conversationIDMax {
		m.pairID = make(map[pairKey]int)
		m.idPair = make(map[int]pairKey)
		m.counter = conversationIDMin
	}

	id := m.counter
	m.counter++
	m.pairID[key] = id
	m.idPair[id] = key
	return id
}

// OtherParticipant returns the counterpart of self in conversation id, if
// id is known and self is actually one of its two participants.
func (m *ConversationIdManager) OtherParticipant(id int, self string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.idPair[id]
	if !ok {
		return "", false
	}
	switch self {
	case key.a:
		return key.b, true
	case key.b:
		return key.a, true
	default:
		return "", false
	}
}

// Size returns the number of active conversation mappings, for metrics and
// tests.
func (m *ConversationIdManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pairID)
}
