// Package statemachine implements the authoritative per-intersection phase
// controller. The machine is single-owner: only the control loop calls
// Tick, and everything else observes copies of its state.
//
// The one guarantee that outranks all inputs: yellow and all-red clearance
// intervals run their full fixed length. Policy, override, preemption and
// failsafe can only redirect where the cycle goes next, never cut a
// clearance short.
package statemachine

import (
	"fmt"
	"time"

	"crosslight/internal/signal"
)

// Inputs is everything one tick of the machine may react to, sampled by the
// control loop before the call. The machine itself never blocks or reads
// clocks.
type Inputs struct {
	Now time.Time

	// Proposed is a duration for the active adjustable green, zero when no
	// proposal applies this tick. Source tags who produced it.
	Proposed time.Duration
	Source   signal.Source

	// Preempt is asserted while a validated emergency demand is in force.
	Preempt bool

	// Override names the green phase an unexpired override command wants,
	// nil when none. Gateway validation guarantees it is NS_GREEN or
	// EW_GREEN.
	Override *signal.Phase

	// Failsafe is the supervisor's active flag. It outranks everything.
	Failsafe bool
}

// Transition records one phase change for the log boundary.
type Transition struct {
	From     signal.Phase  `json:"from"`
	To       signal.Phase  `json:"to"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Source   signal.Source `json:"source"`
	Reason   string        `json:"reason"`
}

// Result is what one tick produced.
type Result struct {
	Transitions []Transition
	// Violation is non-nil when a commanded duration had to be defensively
	// clamped. The supervisor treats it as grounds for failsafe escalation.
	Violation error
}

// Machine owns the SignalState for one intersection.
type Machine struct {
	prog  signal.Program
	state signal.State

	// pending is where the cycle goes after the current clearances finish.
	// Empty means follow the natural cycle order.
	pending       signal.Phase
	pendingSource signal.Source

	// lastGreen is the most recent NS/EW green, used to resume the cycle at
	// the phase following the one preemption or failsafe interrupted.
	lastGreen signal.Phase
}

// New returns a machine in its startup state: FAILSAFE-safe defaults, with
// the static default program running until the supervisor clears.
func New(intersectionID string, prog signal.Program, now time.Time) *Machine {
	return &Machine{
		prog: prog,
		state: signal.State{
			IntersectionID:   intersectionID,
			ActivePhase:      signal.Failsafe,
			PhaseStartedAt:   now,
			ComputedDuration: prog.FailsafeCycle,
			Source:           signal.SourceFailsafe,
		},
		lastGreen: signal.EWGreen, // so recovery enters NS_GREEN first
	}
}

// State returns a copy of the current signal state.
func (m *Machine) State() signal.State {
	return m.state
}

// demandRank orders competing transition demands.
func demandRank(src signal.Source) int {
	switch src {
	case signal.SourceFailsafe:
		return 3
	case signal.SourcePreemption:
		return 2
	case signal.SourceOverride:
		return 1
	}
	return 0
}

// Tick advances the machine one evaluation. It applies duration proposals,
// resolves demands by priority, and performs at most the transitions that
// are due at in.Now.
func (m *Machine) Tick(in Inputs) Result {
	var res Result

	m.applyProposal(in, &res)
	m.resolveDemand(in)

	// A single tick may legitimately cross several short boundaries only
	// when the caller fell behind; normal operation advances one phase at a
	// time per due check.
	m.advance(in, &res)
	return res
}

// applyProposal updates the active green's computed duration. The clamp is
// defensive: the policy engine already guarantees bounds, so a clamp firing
// here is an invariant violation worth escalating.
func (m *Machine) applyProposal(in Inputs, res *Result) {
	active := m.state.ActivePhase
	if in.Proposed <= 0 || active != signal.NSGreen && active != signal.EWGreen {
		return
	}
	timing, ok := m.prog.GreenTiming(active)
	if !ok {
		return
	}
	clamped := timing.Clamp(in.Proposed)
	if clamped != in.Proposed {
		res.Violation = fmt.Errorf("commanded duration %s for %s outside [%s, %s], clamped",
			in.Proposed, active, timing.Min, timing.Max)
	}
	m.state.ComputedDuration = clamped
	if in.Source != "" {
		m.state.Source = in.Source
	}
}

// resolveDemand folds this tick's failsafe/preemption/override signals into
// the pending target, honoring priority.
func (m *Machine) resolveDemand(in Inputs) {
	active := m.state.ActivePhase

	if in.Failsafe {
		if active != signal.Failsafe && m.pending != signal.Failsafe {
			m.setPending(signal.Failsafe, signal.SourceFailsafe)
		}
		// While failsafe is asserted nothing else may steer the machine.
		return
	}
	if m.pending == signal.Failsafe {
		// Supervisor cleared before the machine got there.
		m.clearPending()
	}
	if !in.Preempt && m.pending == signal.EmergencyPreempt {
		// Detection withdrawn while the clearance chain was still walking
		// toward the preempt green.
		m.clearPending()
	}
	if in.Override == nil && m.pendingSource == signal.SourceOverride {
		// Command expired or was cancelled before it was reached.
		m.clearPending()
	}

	if in.Preempt && active != signal.Failsafe {
		if active != signal.EmergencyPreempt && m.pending != signal.EmergencyPreempt {
			m.setPending(signal.EmergencyPreempt, signal.SourcePreemption)
		}
		return
	}

	if in.Override != nil && active != signal.Failsafe && active != signal.EmergencyPreempt {
		target := *in.Override
		if m.pending != target && active != target {
			m.setPending(target, signal.SourceOverride)
		}
		// Override demanding the already-active phase pins it in place via
		// re-entry at elapse; nothing to queue.
		if active == target && m.pending != "" && demandRank(m.pendingSource) <= demandRank(signal.SourceOverride) {
			m.clearPending()
		}
	}
}

func (m *Machine) setPending(target signal.Phase, src signal.Source) {
	if m.pending != "" && demandRank(src) < demandRank(m.pendingSource) {
		return
	}
	m.pending = target
	m.pendingSource = src
}

func (m *Machine) clearPending() {
	m.pending = ""
	m.pendingSource = ""
}

func (m *Machine) advance(in Inputs, res *Result) {
	active := m.state.ActivePhase
	elapsed := m.state.Elapsed(in.Now)

	switch active {
	case signal.NSGreen, signal.EWGreen:
		m.advanceGreen(in, elapsed, res)
	case signal.NSYellow, signal.EWYellow:
		if elapsed >= m.prog.Yellow {
			m.enter(signal.AllRed, m.clearanceSource(), in.Now, "yellow clearance complete", res)
		}
	case signal.AllRed:
		if elapsed >= m.prog.AllRed {
			m.leaveAllRed(in, res)
		}
	case signal.EmergencyPreempt:
		m.advancePreempt(in, elapsed, res)
	case signal.Failsafe:
		m.advanceFailsafe(in, elapsed, res)
	}
}

func (m *Machine) advanceGreen(in Inputs, elapsed time.Duration, res *Result) {
	active := m.state.ActivePhase
	timing, _ := m.prog.GreenTiming(active)

	// A pending demand may interrupt the green, but never below the phase's
	// safety minimum. Failsafe is the exception: the supervisor moves the
	// machine off a green at once, still through the full clearances.
	if m.pending != "" && m.pending != active &&
		(elapsed >= timing.Min || m.pendingSource == signal.SourceFailsafe) {
		m.enter(signal.YellowFor(active), m.pendingSource, in.Now,
			fmt.Sprintf("interrupted for %s", m.pending), res)
		return
	}

	if elapsed < m.state.ComputedDuration {
		return
	}

	pinned := m.pending == active ||
		(m.pending == "" && in.Override != nil && *in.Override == active && !in.Preempt && !in.Failsafe)
	if pinned {
		// Override pinning the current phase: re-enter in place, which
		// resets phase_started_at per the re-entry rule.
		m.clearPending()
		m.enter(active, signal.SourceOverride, in.Now, "override holds phase", res)
		return
	}
	if m.pending == "" {
		m.setPending(signal.NextGreen(active), signal.SourcePolicy)
	}
	m.enter(signal.YellowFor(active), m.pendingSource, in.Now, "green duration elapsed", res)
}

func (m *Machine) leaveAllRed(in Inputs, res *Result) {
	target := m.pending
	src := m.pendingSource
	if target == "" {
		target = signal.NextGreen(m.lastGreen)
		src = signal.SourcePolicy
	}
	m.clearPending()
	m.enter(target, src, in.Now, "all-red clearance complete", res)
}

func (m *Machine) advancePreempt(in Inputs, elapsed time.Duration, res *Result) {
	if m.pending == signal.Failsafe {
		// Failsafe outranks an active preemption; the all-red clearance
		// still separates them.
		m.enter(signal.AllRed, signal.SourceFailsafe, in.Now, "failsafe interrupts preemption", res)
		return
	}
	if !in.Preempt {
		// Preemption cleared: resume the cycle at the phase following the
		// interrupted one.
		m.setPending(signal.NextGreen(m.lastGreen), signal.SourcePolicy)
		m.enter(signal.AllRed, signal.SourcePreemption, in.Now, "preemption cleared", res)
		return
	}
	if elapsed >= m.state.ComputedDuration {
		// Emergency still present: re-arm the preempt green.
		m.enter(signal.EmergencyPreempt, signal.SourcePreemption, in.Now, "preemption re-armed", res)
	}
}

func (m *Machine) advanceFailsafe(in Inputs, elapsed time.Duration, res *Result) {
	if !in.Failsafe {
		m.setPending(signal.NextGreen(m.lastGreen), signal.SourcePolicy)
		m.enter(signal.AllRed, signal.SourceFailsafe, in.Now, "failsafe cleared", res)
		return
	}
	if elapsed >= m.state.ComputedDuration {
		// Re-arm the static default program. Re-asserting staleness while
		// already in FAILSAFE must not change this cadence.
		m.enter(signal.Failsafe, signal.SourceFailsafe, in.Now, "failsafe cycle re-armed", res)
	}
}

// clearanceSource keeps the demand source visible while the machine walks
// through yellow and all-red toward a demanded target.
func (m *Machine) clearanceSource() signal.Source {
	if m.pending != "" {
		return m.pendingSource
	}
	return signal.SourcePolicy
}

// enter performs the transition bookkeeping: assigns the new phase its
// duration, resets phase_started_at, and records the Transition.
func (m *Machine) enter(phase signal.Phase, src signal.Source, now time.Time, reason string, res *Result) {
	var duration time.Duration
	if fixed, ok := m.prog.FixedDuration(phase); ok {
		duration = fixed
	} else if timing, ok := m.prog.GreenTiming(phase); ok {
		duration = timing.Default
	}

	from := m.state.ActivePhase
	m.state.ActivePhase = phase
	m.state.PhaseStartedAt = now
	m.state.ComputedDuration = duration
	m.state.Source = src

	if m.pending == phase {
		m.clearPending()
	}
	if phase == signal.NSGreen || phase == signal.EWGreen {
		m.lastGreen = phase
	}

	res.Transitions = append(res.Transitions, Transition{
		From:     from,
		To:       phase,
		At:       now,
		Duration: duration,
		Source:   src,
		Reason:   reason,
	})
}

// ForceAllRed drives the machine to ALL_RED immediately. Only the shutdown
// path may call it, after the final tick has completed.
func (m *Machine) ForceAllRed(now time.Time, reason string) Transition {
	var res Result
	m.clearPending()
	m.enter(signal.AllRed, signal.SourceFailsafe, now, reason, &res)
	return res.Transitions[0]
}
