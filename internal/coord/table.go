package coord

import (
	"fmt"
	"sync"
	"time"

	"crosslight/internal/config"
)

// NeighborState is one neighbor's last message plus its freshness, as seen
// at a point in time.
type NeighborState struct {
	Message Message `json:"message"`
	HasData bool    `json:"has_data"`
	Stale   bool    `json:"stale"`
}

// Table holds the latest message per configured neighbor. Receivers write
// concurrently from the network listener; the control loop reads a copy at
// each tick.
type Table struct {
	mu        sync.RWMutex
	freshness time.Duration
	known     map[string]config.Peer
	last      map[string]Message
}

// NewTable builds a table for the configured peers with the same freshness
// discipline the snapshot ingest uses.
func NewTable(peers []config.Peer, freshness time.Duration) *Table {
	known := make(map[string]config.Peer, len(peers))
	for _, p := range peers {
		known[p.ID] = p
	}
	return &Table{
		freshness: freshness,
		known:     known,
		last:      make(map[string]Message, len(peers)),
	}
}

// Receive validates and stores an inbound neighbor message. Messages from
// unknown intersections and out-of-order timestamps are rejected.
func (t *Table) Receive(raw []byte) (Message, error) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return Message{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.known[msg.IntersectionID]; !ok {
		return Message{}, fmt.Errorf("%w: unknown neighbor %q", ErrContract, msg.IntersectionID)
	}
	if held, ok := t.last[msg.IntersectionID]; ok && !msg.Timestamp.After(held.Timestamp) {
		return Message{}, fmt.Errorf("%w: message for %q not newer than held state",
			ErrContract, msg.IntersectionID)
	}
	t.last[msg.IntersectionID] = msg
	return msg, nil
}

// Neighbors copies the per-neighbor state with staleness computed against
// now.
func (t *Table) Neighbors(now time.Time) map[string]NeighborState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]NeighborState, len(t.known))
	for id := range t.known {
		st := NeighborState{}
		if msg, ok := t.last[id]; ok {
			st.Message = msg
			st.HasData = true
			st.Stale = now.Sub(msg.Timestamp) > t.freshness
		} else {
			st.Stale = true
		}
		out[id] = st
	}
	return out
}

// AllStale reports whether no neighbor has fresh data. With no peers
// configured the table is trivially stale, which callers treat as plain
// independent operation, not a failure.
func (t *Table) AllStale(now time.Time) bool {
	for _, st := range t.Neighbors(now) {
		if !st.Stale {
			return false
		}
	}
	return true
}

// HasPeers reports whether coordination is configured at all.
func (t *Table) HasPeers() bool {
	return len(t.known) > 0
}
