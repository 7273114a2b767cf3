package state

import (
	"fmt"
	"sort"
)

// RoundTable owns every round record plus the current/next pointers.
// Exactly one next round always exists. A current round exists once the
// first auction has started.
type RoundTable struct {
	rounds     map[uint64]*Round
	currentID  uint64
	hasCurrent bool
	nextID     uint64
}

func NewRoundTable() *RoundTable {
	t := &RoundTable{rounds: make(map[uint64]*Round)}
	t.rounds[0] = NewRound(0)
	return t
}

// Round returns the live record. Only the engine may mutate it.
func (t *RoundTable) Round(id uint64) (*Round, bool) {
	r, ok := t.rounds[id]
	return r, ok
}

// Current returns the current round, or nil before the first start.
func (t *RoundTable) Current() *Round {
	if !t.hasCurrent {
		return nil
	}
	return t.rounds[t.currentID]
}

func (t *RoundTable) CurrentID() (uint64, bool) {
	return t.currentID, t.hasCurrent
}

func (t *RoundTable) Next() *Round {
	return t.rounds[t.nextID]
}

func (t *RoundTable) NextID() uint64 {
	return t.nextID
}

// Promote makes the next round current and opens a fresh INITIALIZED round.
func (t *RoundTable) Promote() *Round {
	t.currentID = t.nextID
	t.hasCurrent = true
	t.nextID++
	next := NewRound(t.nextID)
	t.rounds[t.nextID] = next
	return next
}

// All returns the live records ordered by id.
func (t *RoundTable) All() []*Round {
	out := make([]*Round, 0, len(t.rounds))
	for _, r := range t.rounds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the table contents, used when loading a snapshot.
func (t *RoundTable) Restore(rounds []*Round, currentID uint64, hasCurrent bool, nextID uint64) error {
	m := make(map[uint64]*Round, len(rounds))
	for _, r := range rounds {
		if _, dup := m[r.ID]; dup {
			return fmt.Errorf("duplicate round %d in snapshot", r.ID)
		}
		m[r.ID] = r
	}

	// Step 1: Pointers must reference present rounds
	next, ok := m[nextID]
	if !ok {
		return fmt.Errorf("snapshot missing next round %d", nextID)
	}
	if next.State != RoundInitialized {
		return fmt.Errorf("snapshot next round %d is %s, expected %s", nextID, next.State, RoundInitialized)
	}
	if hasCurrent {
		if _, ok := m[currentID]; !ok {
			return fmt.Errorf("snapshot missing current round %d", currentID)
		}
		if currentID+1 != nextID {
			return fmt.Errorf("snapshot current %d does not precede next %d", currentID, nextID)
		}
	} else if nextID != 0 {
		return fmt.Errorf("snapshot has no current round but next is %d", nextID)
	}

	// Step 2: Commit
	t.rounds = m
	t.currentID = currentID
	t.hasCurrent = hasCurrent
	t.nextID = nextID
	return nil
}
