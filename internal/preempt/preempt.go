// Package preempt validates emergency-vehicle detections and holds the
// preemption demand the state machine acts on. A detection only counts
// after it has been confirmed across consecutive snapshots; a single-tick
// blip never preempts.
package preempt

import (
	"sort"
	"time"

	"crosslight/internal/ingest"
	"crosslight/internal/signal"
)

// Status is the handler's answer for one control tick.
type Status struct {
	// Active is true while a validated preemption demand is in force.
	// Policy duration proposals are suppressed for its whole span.
	Active bool `json:"active"`
	// Axis is the roadway the emergency vehicle is approaching on.
	Axis signal.Axis `json:"axis,omitempty"`
	// Confirmations is the highest current consecutive-detection count,
	// exposed for the admin surface.
	Confirmations int `json:"confirmations"`
}

type approachStreak struct {
	lastTimestamp time.Time
	count         int
}

// Handler tracks per-approach detection streaks and the cooldown window.
type Handler struct {
	required int
	cooldown time.Duration

	streaks       map[string]approachStreak
	active        bool
	axis          signal.Axis
	lastDetection time.Time
}

// New builds a handler requiring the given number of consecutive snapshot
// confirmations, clearing after cooldown with no detection.
func New(confirmations int, cooldown time.Duration) *Handler {
	if confirmations < 1 {
		confirmations = 1
	}
	return &Handler{
		required: confirmations,
		cooldown: cooldown,
		streaks:  make(map[string]approachStreak),
	}
}

// Evaluate folds one tick's ingest view into the detection state. Streaks
// advance only when a strictly newer snapshot arrives for an approach, so
// re-reading the same snapshot across fast ticks cannot fake confirmation.
// Stale approaches neither confirm nor sustain a detection.
func (h *Handler) Evaluate(view ingest.View, now time.Time) Status {
	ids := make([]string, 0, len(view.Approaches))
	for id := range view.Approaches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	anyDetection := false
	maxStreak := 0
	for _, id := range ids {
		st := view.Approaches[id]
		if !st.HasData || st.Stale {
			continue
		}
		streak := h.streaks[id]
		if st.Snapshot.Timestamp.After(streak.lastTimestamp) {
			if st.Snapshot.EmergencyDetected {
				streak.count++
			} else {
				streak.count = 0
			}
			streak.lastTimestamp = st.Snapshot.Timestamp
			h.streaks[id] = streak
		}
		if !st.Snapshot.EmergencyDetected {
			continue
		}
		anyDetection = true
		if streak.count > maxStreak {
			maxStreak = streak.count
		}
		if streak.count >= h.required && !h.active {
			h.active = true
			h.axis = st.Snapshot.Direction
		}
	}

	if anyDetection {
		h.lastDetection = now
	}
	if h.active && !anyDetection && now.Sub(h.lastDetection) >= h.cooldown {
		h.active = false
		h.axis = ""
		h.streaks = make(map[string]approachStreak)
	}

	return Status{Active: h.active, Axis: h.axis, Confirmations: maxStreak}
}

// Active reports the current demand without advancing detection state.
func (h *Handler) Active() bool {
	return h.active
}
