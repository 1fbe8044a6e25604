// Package metrics keeps in-process counters for the admin surface and
// renders them in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is a thread-safe counter store. One instance lives for the process
// lifetime.
type Store struct {
	mu sync.Mutex

	requests     map[string]int64
	authFailures int64

	ticks         int64
	tickSeconds   float64
	tickMax       float64
	transitions   map[string]int64
	preemptions   int64
	failsafeOn    int64
	failsafeOff   int64
	snapshotDrops int64
	overrideDrops int64
	coordSendErrs int64
	coordRejects  int64
	logRetries    int64
	logDrops      int64
}

func NewStore() *Store {
	return &Store{
		requests:    make(map[string]int64),
		transitions: make(map[string]int64),
	}
}

func (s *Store) IncRequest(path, method string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%d", path, method, status)
	s.requests[key]++
}

func (s *Store) IncAuthFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFailures++
}

// ObserveTick records one control loop evaluation and its wall duration.
func (s *Store) ObserveTick(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	sec := d.Seconds()
	s.tickSeconds += sec
	if sec > s.tickMax {
		s.tickMax = sec
	}
}

func (s *Store) IncTransition(toPhase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions[toPhase]++
}

func (s *Store) IncPreemption() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preemptions++
}

func (s *Store) IncFailsafeActivation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failsafeOn++
}

func (s *Store) IncFailsafeClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failsafeOff++
}

func (s *Store) IncSnapshotReject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotDrops++
}

func (s *Store) IncOverrideReject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrideDrops++
}

func (s *Store) IncCoordSendFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coordSendErrs++
}

func (s *Store) IncCoordReject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coordRejects++
}

func (s *Store) IncLogRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logRetries++
}

func (s *Store) IncLogDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logDrops++
}

// Prometheus renders the store. failsafeActive is the current supervisor
// assertion, exported as a gauge.
func (s *Store) Prometheus(failsafeActive bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder

	b.WriteString("# HELP crosslight_requests_total API requests by path, method and status.\n")
	b.WriteString("# TYPE crosslight_requests_total counter\n")
	keys := make([]string, 0, len(s.requests))
	for k := range s.requests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts := strings.SplitN(k, "|", 3)
		fmt.Fprintf(&b, "crosslight_requests_total{path=%q,method=%q,status=%q} %d\n",
			parts[0], parts[1], parts[2], s.requests[k])
	}

	fmt.Fprintf(&b, "crosslight_auth_failures_total %d\n", s.authFailures)

	fmt.Fprintf(&b, "crosslight_control_ticks_total %d\n", s.ticks)
	fmt.Fprintf(&b, "crosslight_control_tick_seconds_sum %f\n", s.tickSeconds)
	fmt.Fprintf(&b, "crosslight_control_tick_seconds_max %f\n", s.tickMax)

	phases := make([]string, 0, len(s.transitions))
	for p := range s.transitions {
		phases = append(phases, p)
	}
	sort.Strings(phases)
	for _, p := range phases {
		fmt.Fprintf(&b, "crosslight_phase_transitions_total{to=%q} %d\n", p, s.transitions[p])
	}

	fmt.Fprintf(&b, "crosslight_preemptions_total %d\n", s.preemptions)
	fmt.Fprintf(&b, "crosslight_failsafe_activations_total %d\n", s.failsafeOn)
	fmt.Fprintf(&b, "crosslight_failsafe_clears_total %d\n", s.failsafeOff)
	active := 0
	if failsafeActive {
		active = 1
	}
	fmt.Fprintf(&b, "crosslight_failsafe_active %d\n", active)

	fmt.Fprintf(&b, "crosslight_snapshot_rejects_total %d\n", s.snapshotDrops)
	fmt.Fprintf(&b, "crosslight_override_rejects_total %d\n", s.overrideDrops)
	fmt.Fprintf(&b, "crosslight_coordination_send_failures_total %d\n", s.coordSendErrs)
	fmt.Fprintf(&b, "crosslight_coordination_contract_rejects_total %d\n", s.coordRejects)
	fmt.Fprintf(&b, "crosslight_log_write_retries_total %d\n", s.logRetries)
	fmt.Fprintf(&b, "crosslight_log_write_drops_total %d\n", s.logDrops)

	return b.String()
}
