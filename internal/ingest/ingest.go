// Package ingest normalizes traffic snapshots pushed by the vision boundary
// and keeps the latest valid snapshot per approach. Writers arrive from
// network listeners; the control loop reads an immutable View once per tick.
package ingest

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crosslight/internal/signal"
)

var (
	// ErrValidation marks a malformed snapshot: rejected, logged, no state change.
	ErrValidation = errors.New("snapshot validation failed")
	// ErrStaleWrite marks a snapshot older than the one already held for its
	// approach. Snapshots are never reordered.
	ErrStaleWrite = errors.New("snapshot older than held state")
)

// Snapshot is one traffic observation for a single approach. Immutable once
// produced; superseded by newer snapshots for the same approach.
type Snapshot struct {
	Timestamp         time.Time   `json:"timestamp"`
	ApproachID        string      `json:"approach_id"`
	VehicleCount      int         `json:"vehicle_count"`
	QueueLength       int         `json:"queue_length"`
	GrowthRate        float64     `json:"growth_rate"`
	EmergencyDetected bool        `json:"emergency_detected"`
	Direction         signal.Axis `json:"direction"`
}

// Limits bounds the fields a snapshot may carry. Anything outside is a
// ValidationError, not a clamp: bad producers must be visible.
type Limits struct {
	MaxVehicleCount int
	MaxQueueLength  int
	MaxGrowthRate   float64
}

// ApproachState is the per-approach view handed to the control loop.
type ApproachState struct {
	Snapshot Snapshot `json:"snapshot"`
	HasData  bool     `json:"has_data"`
	Stale    bool     `json:"stale"`
}

// View is a copy of the store taken at one tick. It never changes after
// Snapshot() returns, so the control loop can evaluate without locks.
type View struct {
	Approaches map[string]ApproachState
	TakenAt    time.Time
}

// Store holds the most recent valid snapshot per approach, with staleness
// flags derived from the configured freshness window.
type Store struct {
	mu        sync.RWMutex
	axes      map[string]signal.Axis
	limits    Limits
	freshness time.Duration
	latest    map[string]Snapshot
}

// NewStore builds a store for the configured approaches. freshness is the
// window after which a silent approach is flagged stale (typically twice the
// expected reporting interval).
func NewStore(axes map[string]signal.Axis, limits Limits, freshness time.Duration) *Store {
	copied := make(map[string]signal.Axis, len(axes))
	for id, axis := range axes {
		copied[id] = axis
	}
	return &Store{
		axes:      copied,
		limits:    limits,
		freshness: freshness,
		latest:    make(map[string]Snapshot, len(axes)),
	}
}

// Accept validates a snapshot and stores it if it supersedes the held one.
// Rejections leave held state untouched.
func (s *Store) Accept(snap Snapshot) error {
	axis, ok := s.axes[snap.ApproachID]
	if !ok {
		return fmt.Errorf("%w: unknown approach %q", ErrValidation, snap.ApproachID)
	}
	if snap.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrValidation)
	}
	if snap.VehicleCount < 0 || snap.VehicleCount > s.limits.MaxVehicleCount {
		return fmt.Errorf("%w: vehicle_count %d outside [0, %d]",
			ErrValidation, snap.VehicleCount, s.limits.MaxVehicleCount)
	}
	if snap.QueueLength < 0 || snap.QueueLength > s.limits.MaxQueueLength {
		return fmt.Errorf("%w: queue_length %d outside [0, %d]",
			ErrValidation, snap.QueueLength, s.limits.MaxQueueLength)
	}
	if snap.GrowthRate < -s.limits.MaxGrowthRate || snap.GrowthRate > s.limits.MaxGrowthRate {
		return fmt.Errorf("%w: growth_rate %g outside [%g, %g]",
			ErrValidation, snap.GrowthRate, -s.limits.MaxGrowthRate, s.limits.MaxGrowthRate)
	}
	if snap.Direction == "" {
		snap.Direction = axis
	} else if snap.Direction != axis {
		return fmt.Errorf("%w: approach %q serves axis %s, snapshot claims %s",
			ErrValidation, snap.ApproachID, axis, snap.Direction)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.latest[snap.ApproachID]; ok && !snap.Timestamp.After(held.Timestamp) {
		return fmt.Errorf("%w: approach %q holds %s, got %s",
			ErrStaleWrite, snap.ApproachID,
			held.Timestamp.Format(time.RFC3339Nano), snap.Timestamp.Format(time.RFC3339Nano))
	}
	s.latest[snap.ApproachID] = snap
	return nil
}

// Snapshot copies the current store contents with staleness computed
// against now. An approach with no data yet is reported stale.
func (s *Store) Snapshot(now time.Time) View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view := View{
		Approaches: make(map[string]ApproachState, len(s.axes)),
		TakenAt:    now,
	}
	for id := range s.axes {
		state := ApproachState{}
		if snap, ok := s.latest[id]; ok {
			state.Snapshot = snap
			state.HasData = true
			state.Stale = now.Sub(snap.Timestamp) > s.freshness
		} else {
			state.Stale = true
		}
		view.Approaches[id] = state
	}
	return view
}

// Axis returns the configured axis for an approach.
func (s *Store) Axis(approachID string) (signal.Axis, bool) {
	axis, ok := s.axes[approachID]
	return axis, ok
}

// AllStale reports whether every configured approach is stale. This is the
// condition that starts the failsafe grace clock.
func (v View) AllStale() bool {
	if len(v.Approaches) == 0 {
		return true
	}
	for _, st := range v.Approaches {
		if !st.Stale {
			return false
		}
	}
	return true
}

// Fresh returns the fresh snapshots for one axis, ordered by approach ID so
// downstream computations are deterministic.
func (v View) Fresh(axis signal.Axis) []Snapshot {
	ids := make([]string, 0, len(v.Approaches))
	for id, st := range v.Approaches {
		if st.HasData && !st.Stale && st.Snapshot.Direction == axis {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.Approaches[id].Snapshot)
	}
	return out
}

// FreshAll returns every fresh snapshot regardless of axis, ordered by
// approach ID.
func (v View) FreshAll() []Snapshot {
	ns := v.Fresh(signal.AxisNS)
	return append(ns, v.Fresh(signal.AxisEW)...)
}

// Emergency returns the axis reporting an emergency vehicle in a fresh
// snapshot, if any. When both axes report one, NS wins deterministically.
func (v View) Emergency() (signal.Axis, bool) {
	for _, axis := range []signal.Axis{signal.AxisNS, signal.AxisEW} {
		for _, snap := range v.Fresh(axis) {
			if snap.EmergencyDetected {
				return axis, true
			}
		}
	}
	return "", false
}
