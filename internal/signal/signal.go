// Package signal defines the phase vocabulary shared by the controller:
// the Phase enumeration, the configured PhaseProgram with its timing bounds,
// and the SignalState owned by the phase state machine.
package signal

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Phase is the set of right-of-way signals active at the intersection.
// Exactly one Phase is active at any instant.
type Phase string

const (
	NSGreen          Phase = "NS_GREEN"
	NSYellow         Phase = "NS_YELLOW"
	EWGreen          Phase = "EW_GREEN"
	EWYellow         Phase = "EW_YELLOW"
	AllRed           Phase = "ALL_RED"
	EmergencyPreempt Phase = "EMERGENCY_PREEMPT"
	Failsafe         Phase = "FAILSAFE"
)

// Source tags who decided the currently running phase duration.
type Source string

const (
	SourcePolicy     Source = "POLICY"
	SourceOverride   Source = "OVERRIDE"
	SourcePreemption Source = "PREEMPTION"
	SourceFailsafe   Source = "FAILSAFE"
)

// Axis identifies the roadway a phase or approach serves.
type Axis string

const (
	AxisNS Axis = "NS"
	AxisEW Axis = "EW"
)

// Phases lists every valid phase, in cycle-then-special order.
func Phases() []Phase {
	return []Phase{NSGreen, NSYellow, EWGreen, EWYellow, AllRed, EmergencyPreempt, Failsafe}
}

// ParsePhase resolves a case-insensitive phase name. The bool reports
// whether the name was recognized.
func ParsePhase(raw string) (Phase, bool) {
	name := Phase(strings.ToUpper(strings.TrimSpace(raw)))
	for _, p := range Phases() {
		if p == name {
			return p, true
		}
	}
	return "", false
}

// IsGreen reports whether p grants right of way to a traffic axis.
func (p Phase) IsGreen() bool {
	return p == NSGreen || p == EWGreen || p == EmergencyPreempt
}

// IsClearance reports whether p is a fixed safety interval that traffic
// logic must never shorten.
func (p Phase) IsClearance() bool {
	switch p {
	case NSYellow, EWYellow, AllRed:
		return true
	}
	return false
}

// Axis returns the axis a green or yellow phase serves. The bool is false
// for ALL_RED, EMERGENCY_PREEMPT and FAILSAFE, which serve no single axis.
func (p Phase) Axis() (Axis, bool) {
	switch p {
	case NSGreen, NSYellow:
		return AxisNS, true
	case EWGreen, EWYellow:
		return AxisEW, true
	}
	return "", false
}

// GreenFor maps an axis to its green phase.
func GreenFor(axis Axis) Phase {
	if axis == AxisEW {
		return EWGreen
	}
	return NSGreen
}

// YellowFor maps a green phase to the yellow that clears it.
func YellowFor(green Phase) Phase {
	if green == EWGreen {
		return EWYellow
	}
	return NSYellow
}

// NextGreen returns the green phase that follows the given green in the
// configured cycle order.
func NextGreen(green Phase) Phase {
	if green == NSGreen {
		return EWGreen
	}
	return NSGreen
}

// Timing bounds one adjustable green phase. The policy engine may pick any
// duration inside [Min, Max]; Default is the starting point.
type Timing struct {
	Min     time.Duration `json:"min"`
	Default time.Duration `json:"default"`
	Max     time.Duration `json:"max"`
}

func (t Timing) validate(phase Phase) error {
	if t.Min <= 0 {
		return fmt.Errorf("%s: min_duration must be positive, got %s", phase, t.Min)
	}
	if t.Min > t.Default || t.Default > t.Max {
		return fmt.Errorf("%s: need min <= default <= max, got %s <= %s <= %s",
			phase, t.Min, t.Default, t.Max)
	}
	return nil
}

// Clamp forces d inside [Min, Max].
func (t Timing) Clamp(d time.Duration) time.Duration {
	if d < t.Min {
		return t.Min
	}
	if d > t.Max {
		return t.Max
	}
	return d
}

// Program is the per-intersection phase cycle configuration. Yellow and
// AllRed are fixed clearance intervals, never adjusted by traffic logic.
// FailsafeCycle paces the static default program while FAILSAFE is active.
type Program struct {
	Greens        map[Phase]Timing `json:"greens"`
	Yellow        time.Duration    `json:"yellow"`
	AllRed        time.Duration    `json:"all_red"`
	PreemptGreen  time.Duration    `json:"preempt_green"`
	FailsafeCycle time.Duration    `json:"failsafe_cycle"`
}

// Validate enforces the program invariants: adjustable bounds ordered per
// green phase, and strictly positive clearance intervals.
func (p Program) Validate() error {
	for _, green := range []Phase{NSGreen, EWGreen} {
		t, ok := p.Greens[green]
		if !ok {
			return fmt.Errorf("program missing timing for %s", green)
		}
		if err := t.validate(green); err != nil {
			return err
		}
	}
	if p.Yellow <= 0 {
		return fmt.Errorf("yellow clearance must be positive, got %s", p.Yellow)
	}
	if p.AllRed <= 0 {
		return fmt.Errorf("all-red clearance must be positive, got %s", p.AllRed)
	}
	if p.PreemptGreen <= 0 {
		return fmt.Errorf("preempt green duration must be positive, got %s", p.PreemptGreen)
	}
	if p.FailsafeCycle <= 0 {
		return fmt.Errorf("failsafe cycle must be positive, got %s", p.FailsafeCycle)
	}
	return nil
}

// GreenTiming returns the adjustable bounds for a green phase.
func (p Program) GreenTiming(green Phase) (Timing, bool) {
	t, ok := p.Greens[green]
	return t, ok
}

// FixedDuration returns the non-adjustable duration the program assigns to
// a clearance or special phase, or false for adjustable greens.
func (p Program) FixedDuration(phase Phase) (time.Duration, bool) {
	switch phase {
	case NSYellow, EWYellow:
		return p.Yellow, true
	case AllRed:
		return p.AllRed, true
	case EmergencyPreempt:
		return p.PreemptGreen, true
	case Failsafe:
		return p.FailsafeCycle, true
	}
	return 0, false
}

// State is the authoritative signal state of one intersection. It is owned
// by the phase state machine and mutated only through its transition
// function; everyone else reads copies.
type State struct {
	IntersectionID   string        `json:"intersection_id"`
	ActivePhase      Phase         `json:"active_phase"`
	PhaseStartedAt   time.Time     `json:"phase_started_at"`
	ComputedDuration time.Duration `json:"computed_duration"`
	Source           Source        `json:"source"`
}

// Elapsed reports how long the active phase has been running.
func (s State) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.PhaseStartedAt)
}

// Remaining reports the time left before the active phase is due to end.
// Negative values mean the phase has overrun its computed duration.
func (s State) Remaining(now time.Time) time.Duration {
	return s.ComputedDuration - s.Elapsed(now)
}

// PhaseNames returns the sorted valid phase names, used by validation
// errors to list what a caller may ask for.
func PhaseNames() []string {
	names := make([]string, 0, len(Phases()))
	for _, p := range Phases() {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}
