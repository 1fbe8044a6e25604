package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestPrometheusRendersCounters(t *testing.T) {
	s := NewStore()
	s.IncRequest("/v1/state", "GET", 200)
	s.IncRequest("/v1/state", "GET", 200)
	s.IncRequest("/v1/snapshots", "POST", 422)
	s.IncAuthFailure()
	s.IncTransition("NS_GREEN")
	s.IncTransition("NS_YELLOW")
	s.IncTransition("NS_GREEN")
	s.IncPreemption()
	s.IncFailsafeActivation()
	s.IncFailsafeClear()
	s.IncSnapshotReject()
	s.IncOverrideReject()
	s.IncCoordSendFailure()
	s.IncCoordReject()
	s.IncLogRetry()
	s.IncLogDrop()

	out := s.Prometheus(false)
	for _, want := range []string{
		`crosslight_requests_total{path="/v1/state",method="GET",status="200"} 2`,
		`crosslight_requests_total{path="/v1/snapshots",method="POST",status="422"} 1`,
		"crosslight_auth_failures_total 1",
		`crosslight_phase_transitions_total{to="NS_GREEN"} 2`,
		`crosslight_phase_transitions_total{to="NS_YELLOW"} 1`,
		"crosslight_preemptions_total 1",
		"crosslight_failsafe_activations_total 1",
		"crosslight_failsafe_clears_total 1",
		"crosslight_failsafe_active 0",
		"crosslight_snapshot_rejects_total 1",
		"crosslight_override_rejects_total 1",
		"crosslight_coordination_send_failures_total 1",
		"crosslight_coordination_contract_rejects_total 1",
		"crosslight_log_write_retries_total 1",
		"crosslight_log_write_drops_total 1",
	} {
		if !strings.Contains(out, want+"\n") {
			t.Errorf("output missing %q\n%s", want, out)
		}
	}
}

func TestPrometheusFailsafeGauge(t *testing.T) {
	s := NewStore()
	if !strings.Contains(s.Prometheus(true), "crosslight_failsafe_active 1\n") {
		t.Error("gauge should read 1 while asserted")
	}
	if !strings.Contains(s.Prometheus(false), "crosslight_failsafe_active 0\n") {
		t.Error("gauge should read 0 once cleared")
	}
}

func TestObserveTick(t *testing.T) {
	s := NewStore()
	s.ObserveTick(10 * time.Millisecond)
	s.ObserveTick(30 * time.Millisecond)
	s.ObserveTick(20 * time.Millisecond)

	out := s.Prometheus(false)
	if !strings.Contains(out, "crosslight_control_ticks_total 3\n") {
		t.Errorf("tick count wrong:\n%s", out)
	}
	if !strings.Contains(out, "crosslight_control_tick_seconds_sum 0.060000\n") {
		t.Errorf("tick sum wrong:\n%s", out)
	}
	if !strings.Contains(out, "crosslight_control_tick_seconds_max 0.030000\n") {
		t.Errorf("tick max wrong:\n%s", out)
	}
}

func TestRequestLabelsSorted(t *testing.T) {
	s := NewStore()
	s.IncRequest("/v1/traffic", "GET", 200)
	s.IncRequest("/healthz", "GET", 200)

	out := s.Prometheus(false)
	first := strings.Index(out, `path="/healthz"`)
	second := strings.Index(out, `path="/v1/traffic"`)
	if first == -1 || second == -1 || first > second {
		t.Errorf("request series not sorted:\n%s", out)
	}
}
