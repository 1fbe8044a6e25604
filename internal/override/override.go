// Package override is the gateway for administrator commands arriving from
// the dashboard boundary. Commands are bounded by the configured safety
// limits, always carry an expiry, and never outrank failsafe or the fixed
// clearance transitions.
package override

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/google/uuid"

	"crosslight/internal/signal"
)

// ErrValidation marks a rejected command: reported to the caller, no state
// change.
var ErrValidation = errors.New("override validation failed")

// FixedPlan pins both green durations instead of forcing a single phase.
// The cycle keeps running; only the adjustable durations are commanded.
type FixedPlan struct {
	NSGreen time.Duration `json:"ns_green"`
	EWGreen time.Duration `json:"ew_green"`
}

// Request is an inbound command before validation.
type Request struct {
	RequestedPhase string     `json:"requested_phase,omitempty"`
	Plan           *FixedPlan `json:"fixed_timing_plan,omitempty"`
	IssuedBy       string     `json:"issued_by"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// Command is a validated, applied override.
type Command struct {
	ID             string       `json:"id"`
	RequestedPhase signal.Phase `json:"requested_phase,omitempty"`
	Plan           *FixedPlan   `json:"fixed_timing_plan,omitempty"`
	IssuedBy       string       `json:"issued_by"`
	IssuedAt       time.Time    `json:"issued_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

// Gateway validates commands and holds the single pending override slot.
// The latest valid command wins; expired commands purge themselves on the
// next tick's read.
type Gateway struct {
	mu      sync.RWMutex
	program signal.Program
	maxTTL  time.Duration
	current *Command
}

// New builds a gateway bounded by the program's timing limits and the
// configured expiry ceiling.
func New(program signal.Program, maxTTL time.Duration) *Gateway {
	return &Gateway{program: program, maxTTL: maxTTL}
}

// Submit validates a request and installs it as the pending override.
func (g *Gateway) Submit(req Request, now time.Time) (Command, error) {
	if req.IssuedBy == "" {
		return Command{}, fmt.Errorf("%w: issued_by is required", ErrValidation)
	}
	if req.ExpiresAt.IsZero() {
		return Command{}, fmt.Errorf("%w: expires_at is mandatory", ErrValidation)
	}
	if !req.ExpiresAt.After(now) {
		return Command{}, fmt.Errorf("%w: expires_at is already in the past", ErrValidation)
	}
	if req.ExpiresAt.After(now.Add(g.maxTTL)) {
		return Command{}, fmt.Errorf("%w: expires_at exceeds the %s maximum window",
			ErrValidation, g.maxTTL)
	}
	if (req.RequestedPhase == "") == (req.Plan == nil) {
		return Command{}, fmt.Errorf("%w: exactly one of requested_phase or fixed_timing_plan is required",
			ErrValidation)
	}

	cmd := Command{
		ID:        "ovr_" + uuid.NewString(),
		IssuedBy:  req.IssuedBy,
		IssuedAt:  now,
		ExpiresAt: req.ExpiresAt,
	}

	if req.RequestedPhase != "" {
		phase, err := parseGreenPhase(req.RequestedPhase)
		if err != nil {
			return Command{}, err
		}
		cmd.RequestedPhase = phase
	} else {
		if err := g.validatePlan(*req.Plan); err != nil {
			return Command{}, err
		}
		plan := *req.Plan
		cmd.Plan = &plan
	}

	g.mu.Lock()
	g.current = &cmd
	g.mu.Unlock()
	return cmd, nil
}

// parseGreenPhase accepts only forceable phases. Clearances, preemption
// and failsafe cannot be requested by an operator; a near-miss name gets a
// suggestion in the error.
func parseGreenPhase(raw string) (signal.Phase, error) {
	phase, ok := signal.ParsePhase(raw)
	if !ok {
		if hint := closestPhaseName(raw); hint != "" {
			return "", fmt.Errorf("%w: unknown phase %q (did you mean %s?)", ErrValidation, raw, hint)
		}
		return "", fmt.Errorf("%w: unknown phase %q", ErrValidation, raw)
	}
	if phase != signal.NSGreen && phase != signal.EWGreen {
		return "", fmt.Errorf("%w: phase %s cannot be forced; only NS_GREEN or EW_GREEN may be requested",
			ErrValidation, phase)
	}
	return phase, nil
}

func closestPhaseName(raw string) string {
	best := ""
	bestScore := 0.0
	jw := metrics.NewJaroWinkler()
	for _, name := range signal.PhaseNames() {
		score := strutil.Similarity(raw, name, jw)
		if score > bestScore {
			bestScore = score
			best = name
		}
	}
	if bestScore < 0.6 {
		return ""
	}
	return best
}

func (g *Gateway) validatePlan(plan FixedPlan) error {
	for _, entry := range []struct {
		phase    signal.Phase
		duration time.Duration
	}{
		{signal.NSGreen, plan.NSGreen},
		{signal.EWGreen, plan.EWGreen},
	} {
		timing, ok := g.program.GreenTiming(entry.phase)
		if !ok {
			return fmt.Errorf("%w: program has no timing for %s", ErrValidation, entry.phase)
		}
		if entry.duration < timing.Min || entry.duration > timing.Max {
			return fmt.Errorf("%w: %s duration %s outside safety bounds [%s, %s]",
				ErrValidation, entry.phase, entry.duration, timing.Min, timing.Max)
		}
	}
	return nil
}

// Cancel drops the pending override. Returns false when none was pending.
func (g *Gateway) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return false
	}
	g.current = nil
	return true
}

// Active returns the unexpired pending command, purging an expired one as
// a side effect. Called once per control tick.
func (g *Gateway) Active(now time.Time) (Command, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return Command{}, false
	}
	if !g.current.ExpiresAt.After(now) {
		g.current = nil
		return Command{}, false
	}
	return *g.current, true
}
