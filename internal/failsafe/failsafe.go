// Package failsafe is the watchdog over ingest freshness and policy
// health. Once it asserts, the state machine runs the static default
// program until recovery has been sustained for a full confirmation
// window; a single fresh snapshot never clears it.
package failsafe

import (
	"time"

	"crosslight/internal/ingest"
)

// Status is the derived failsafe condition, recomputed every evaluation
// tick and never independently mutated.
type Status struct {
	IngestStale       bool `json:"ingest_stale"`
	CoordinationStale bool `json:"coordination_stale"`
	Active            bool `json:"active"`
}

// Supervisor evaluates the failsafe condition once per control tick.
type Supervisor struct {
	grace        time.Duration
	confirmation time.Duration

	active     bool
	staleSince time.Time
	freshSince time.Time
	lastFault  time.Time
	lastReason string
}

// New builds a supervisor. Controllers start with the supervisor active:
// at boot no approach has reported yet, and the machine holds its
// FAILSAFE-safe defaults until fresh data has been confirmed.
func New(grace, confirmation time.Duration) *Supervisor {
	return &Supervisor{
		grace:        grace,
		confirmation: confirmation,
		active:       true,
		lastReason:   "startup",
	}
}

// Evaluate recomputes the failsafe status. fault carries a policy
// computation error or duration invariant violation detected this tick;
// any non-nil fault asserts immediately.
func (s *Supervisor) Evaluate(now time.Time, view ingest.View, coordinationStale bool, fault error) Status {
	ingestStale := view.AllStale()

	if fault != nil {
		s.active = true
		s.lastFault = now
		s.freshSince = time.Time{}
		s.lastReason = fault.Error()
	}

	if ingestStale {
		if s.staleSince.IsZero() {
			s.staleSince = now
		}
		s.freshSince = time.Time{}
		if !s.active && now.Sub(s.staleSince) >= s.grace {
			s.active = true
			s.lastReason = "all approaches stale beyond grace period"
		}
	} else {
		s.staleSince = time.Time{}
		if s.active {
			if s.freshSince.IsZero() {
				s.freshSince = now
			}
			sustained := now.Sub(s.freshSince) >= s.confirmation
			faultQuiet := s.lastFault.IsZero() || now.Sub(s.lastFault) >= s.confirmation
			if sustained && faultQuiet {
				s.active = false
				s.freshSince = time.Time{}
				s.lastReason = ""
			}
		}
	}

	return Status{
		IngestStale:       ingestStale,
		CoordinationStale: coordinationStale,
		Active:            s.active,
	}
}

// Reason reports why the supervisor is (or last was) active, for the admin
// surface.
func (s *Supervisor) Reason() string {
	return s.lastReason
}

// Active reports the current assertion without re-evaluating.
func (s *Supervisor) Active() bool {
	return s.active
}
