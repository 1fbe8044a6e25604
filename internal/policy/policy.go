// Package policy computes proposed green-phase durations from traffic
// state. Proposals are pure functions of their inputs: no clocks, no I/O,
// no hidden state. The single invariant every caller may rely on is that a
// returned duration is clamped to the program's [min, max] for the phase.
package policy

import (
	"errors"
	"fmt"
	"time"

	"crosslight/internal/ingest"
	"crosslight/internal/signal"
)

// ErrNotAdjustable is returned when a duration is requested for a phase the
// program does not allow traffic logic to adjust.
var ErrNotAdjustable = errors.New("phase has no adjustable timing")

// Params are the tunable coefficients of the proposal algorithm. The
// extension and shrink behavior is deliberately configuration, not
// constants.
type Params struct {
	// GrowthGain converts queue growth (vehicles per tick) into extension
	// seconds per evaluation.
	GrowthGain float64
	// ShrinkAfter is the number of consecutive empty-queue evaluations
	// before the proposal starts shrinking toward min.
	ShrinkAfter int
	// EmptyShrinkStep is how much one shrinking evaluation removes.
	EmptyShrinkStep time.Duration
}

// Input is everything one proposal depends on.
type Input struct {
	// Phase is the adjustable green being timed.
	Phase signal.Phase
	// Snapshots are the fresh snapshots for the approaches the phase serves.
	Snapshots []ingest.Snapshot
	// Previous is the currently computed duration for this phase; zero means
	// start from the program default.
	Previous time.Duration
	// EmptyStreak counts consecutive evaluations that saw an empty queue and
	// no growth. The caller tracks it across ticks.
	EmptyStreak int
	// Bias is the coordination adjustment, already capped by the
	// coordination layer.
	Bias time.Duration
	// PreviousBias is the bias that was folded into Previous on the last
	// evaluation. It is backed out before traffic logic runs so a sustained
	// bias shifts the duration by at most the cap instead of accumulating.
	PreviousBias time.Duration
}

// Proposal is the engine output plus the figures that produced it, recorded
// so decisions can be traced and replayed later.
type Proposal struct {
	Duration    time.Duration `json:"duration"`
	QueueLength int           `json:"queue_length"`
	GrowthRate  float64       `json:"growth_rate"`
	// Bias is the coordination adjustment that survived clamping, not the
	// requested one.
	Bias   time.Duration `json:"bias"`
	Reason string        `json:"reason"`
}

// Propose computes the next duration for a green phase.
//
// Starting from the previous duration with last evaluation's bias backed
// out (or the program default), it extends proportionally to positive queue
// growth, shrinks toward min once the queue has stayed empty for ShrinkAfter
// evaluations, clamps to [min, max], then applies the bounded coordination
// bias and clamps again.
func Propose(prog signal.Program, params Params, in Input) (Proposal, error) {
	timing, ok := prog.GreenTiming(in.Phase)
	if !ok {
		return Proposal{}, fmt.Errorf("%w: %s", ErrNotAdjustable, in.Phase)
	}

	queue := 0
	growth := 0.0
	for _, snap := range in.Snapshots {
		if snap.QueueLength > queue {
			queue = snap.QueueLength
		}
		if snap.GrowthRate > growth {
			growth = snap.GrowthRate
		}
	}

	base := in.Previous - in.PreviousBias
	if base <= 0 {
		base = timing.Default
	}

	out := Proposal{QueueLength: queue, GrowthRate: growth}
	switch {
	case growth > 0:
		extend := time.Duration(params.GrowthGain * growth * float64(time.Second))
		out.Duration = base + extend
		out.Reason = fmt.Sprintf("queue growing at %.2f/tick, extending %s", growth, extend)
	case queue == 0 && in.EmptyStreak >= params.ShrinkAfter:
		out.Duration = base - params.EmptyShrinkStep
		out.Reason = fmt.Sprintf("queue empty for %d evaluations, shrinking %s",
			in.EmptyStreak, params.EmptyShrinkStep)
	default:
		out.Duration = base
		out.Reason = fmt.Sprintf("holding at %s (queue=%d)", base, queue)
	}

	// Clamp the traffic-driven duration before the bias is added so the bias
	// offsets the unbiased result by at most its magnitude, then clamp again
	// to hold the program bounds. Bias records what actually applied, which
	// is what the next evaluation backs out.
	out.Duration = timing.Clamp(out.Duration)
	biased := timing.Clamp(out.Duration + in.Bias)
	out.Bias = biased - out.Duration
	out.Duration = biased
	return out, nil
}

// EmptyStreakNext advances the caller's empty-queue counter given what this
// evaluation saw.
func EmptyStreakNext(current int, snapshots []ingest.Snapshot) int {
	for _, snap := range snapshots {
		if snap.QueueLength > 0 || snap.GrowthRate > 0 {
			return 0
		}
	}
	return current + 1
}
