package controller

import (
	"errors"
	"strings"
	"testing"
	"time"

	"crosslight/internal/config"
	"crosslight/internal/ingest"
	"crosslight/internal/metrics"
	"crosslight/internal/override"
	"crosslight/internal/signal"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	cfg := config.Config{
		Intersection: config.IntersectionConfig{
			ID: "intersection-1",
			Approaches: []config.Approach{
				{ID: "north", Axis: signal.AxisNS},
				{ID: "south", Axis: signal.AxisNS},
				{ID: "east", Axis: signal.AxisEW},
				{ID: "west", Axis: signal.AxisEW},
			},
		},
		Tick: config.TickConfig{Interval: 100 * time.Millisecond},
		Program: config.ProgramConfig{
			NSGreen:       config.TimingConfig{Min: 2 * time.Second, Default: 4 * time.Second, Max: 10 * time.Second},
			EWGreen:       config.TimingConfig{Min: 2 * time.Second, Default: 4 * time.Second, Max: 10 * time.Second},
			Yellow:        time.Second,
			AllRed:        time.Second,
			PreemptGreen:  3 * time.Second,
			FailsafeCycle: 4 * time.Second,
		},
		Ingest: config.IngestConfig{
			ReportInterval:  time.Second,
			FreshnessFactor: 2,
			MaxVehicleCount: 500,
			MaxQueueLength:  200,
			MaxGrowthRate:   50,
		},
		Policy: config.PolicyConfig{GrowthGain: 0.05, ShrinkAfter: 3, EmptyShrinkStep: time.Second},
		Coordination: config.CoordinationConfig{
			Interval:            time.Second,
			BiasCap:             2 * time.Second,
			CongestionWeight:    1,
			CongestionThreshold: 0.7,
			SendTimeout:         500 * time.Millisecond,
		},
		Preemption: config.PreemptionConfig{Confirmations: 2, Cooldown: 2 * time.Second},
		Failsafe:   config.FailsafeConfig{Grace: 2 * time.Second, Confirmation: 2 * time.Second},
		Override:   config.OverrideConfig{MaxTTL: 10 * time.Minute},
		API:        config.APIConfig{Port: "0"},
		Database:   config.DatabaseConfig{Path: ""},
	}
	return cfg
}

func report(t *testing.T, c *Controller, approach string, ts time.Time, emergency bool) {
	t.Helper()
	err := c.AcceptSnapshot(ingest.Snapshot{
		Timestamp:         ts,
		ApproachID:        approach,
		VehicleCount:      10,
		QueueLength:       4,
		GrowthRate:        0.5,
		EmergencyDetected: emergency,
	})
	if err != nil {
		t.Fatalf("AcceptSnapshot(%s@%s): %v", approach, ts, err)
	}
}

// runningController ticks a fresh controller out of its startup failsafe
// and into NS_GREEN. The log writer is never started; appends stay queued.
func runningController(t *testing.T, c *Controller) time.Time {
	t.Helper()
	for i := 0; i <= 2; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		report(t, c, "north", at, false)
		c.tick(at)
	}
	if c.Status().Failsafe.Active {
		t.Fatal("setup: failsafe should have cleared after sustained fresh data")
	}
	if got := c.Status().State.ActivePhase; got != signal.AllRed {
		t.Fatalf("setup: phase = %s, want ALL_RED on recovery", got)
	}

	at := t0.Add(3 * time.Second)
	report(t, c, "north", at, false)
	c.tick(at)
	if got := c.Status().State.ActivePhase; got != signal.NSGreen {
		t.Fatalf("setup: phase = %s, want NS_GREEN", got)
	}
	return at
}

func TestNewPublishesStartupFailsafe(t *testing.T) {
	c := New(testConfig(), metrics.NewStore(), t0)

	st := c.Status()
	if !st.Failsafe.Active {
		t.Error("controller must publish failsafe active before the first tick")
	}
	if st.FailsafeReason != "startup" {
		t.Errorf("reason = %q", st.FailsafeReason)
	}
	if st.State.ActivePhase != signal.Failsafe {
		t.Errorf("phase = %s", st.State.ActivePhase)
	}
}

func TestRecoveryFromStartup(t *testing.T) {
	m := metrics.NewStore()
	c := New(testConfig(), m, t0)
	runningController(t, c)

	out := m.Prometheus(false)
	if !strings.Contains(out, "crosslight_failsafe_clears_total 1\n") {
		t.Errorf("failsafe clear not counted:\n%s", out)
	}
	if !strings.Contains(out, `crosslight_phase_transitions_total{to="ALL_RED"} 1`) {
		t.Errorf("ALL_RED transition not counted:\n%s", out)
	}
	if !strings.Contains(out, `crosslight_phase_transitions_total{to="NS_GREEN"} 1`) {
		t.Errorf("NS_GREEN transition not counted:\n%s", out)
	}
}

func TestStaleIngestReassertsFailsafe(t *testing.T) {
	m := metrics.NewStore()
	c := New(testConfig(), m, t0)
	at := runningController(t, c)

	// Freshness window is 2s and grace another 2s; go silent past both.
	// The first stale tick starts the grace clock, the second crosses it.
	c.tick(at.Add(5 * time.Second))
	if c.Status().Failsafe.Active {
		t.Fatal("grace period must hold off the assertion")
	}
	c.tick(at.Add(7 * time.Second))
	st := c.Status()
	if !st.Failsafe.Active {
		t.Fatal("silence beyond freshness plus grace must reassert failsafe")
	}
	if !st.Failsafe.IngestStale {
		t.Error("status should flag the stale ingest")
	}
	if !strings.Contains(m.Prometheus(true), "crosslight_failsafe_activations_total 1\n") {
		t.Error("activation not counted")
	}
}

func TestAcceptSnapshotRejection(t *testing.T) {
	m := metrics.NewStore()
	c := New(testConfig(), m, t0)

	err := c.AcceptSnapshot(ingest.Snapshot{Timestamp: t0, ApproachID: "nowhere"})
	if !errors.Is(err, ingest.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if !strings.Contains(m.Prometheus(false), "crosslight_snapshot_rejects_total 1\n") {
		t.Error("rejection not counted")
	}
}

func TestPreemptionConfirmedAndPublished(t *testing.T) {
	m := metrics.NewStore()
	c := New(testConfig(), m, t0)
	at := runningController(t, c)

	report(t, c, "east", at.Add(time.Second), true)
	c.tick(at.Add(time.Second))
	if c.Status().Preemption.Active {
		t.Fatal("a single detection must not confirm preemption")
	}

	report(t, c, "east", at.Add(2*time.Second), true)
	c.tick(at.Add(2 * time.Second))
	st := c.Status()
	if !st.Preemption.Active {
		t.Fatal("two consecutive detections should confirm")
	}
	if st.Preemption.Axis != signal.AxisEW {
		t.Errorf("axis = %s", st.Preemption.Axis)
	}
	if !strings.Contains(m.Prometheus(false), "crosslight_preemptions_total 1\n") {
		t.Error("preemption not counted")
	}
}

func TestOverridePublishedAndCancelled(t *testing.T) {
	c := New(testConfig(), metrics.NewStore(), t0)
	at := runningController(t, c)

	cmd, err := c.SubmitOverride(override.Request{
		RequestedPhase: "EW_GREEN",
		IssuedBy:       "operator-7",
		ExpiresAt:      at.Add(time.Minute),
	}, at)
	if err != nil {
		t.Fatalf("SubmitOverride: %v", err)
	}

	c.tick(at.Add(500 * time.Millisecond))
	st := c.Status()
	if st.Override == nil || st.Override.ID != cmd.ID {
		t.Fatal("published status should carry the pending override")
	}

	if !c.CancelOverride("operator-7", at.Add(time.Second)) {
		t.Fatal("CancelOverride should drop the pending command")
	}
	c.tick(at.Add(1500 * time.Millisecond))
	if c.Status().Override != nil {
		t.Error("override still published after cancel")
	}
}

func TestSubmitOverrideRejectionCounted(t *testing.T) {
	m := metrics.NewStore()
	c := New(testConfig(), m, t0)

	_, err := c.SubmitOverride(override.Request{IssuedBy: "operator-7"}, t0)
	if !errors.Is(err, override.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(m.Prometheus(false), "crosslight_override_rejects_total 1\n") {
		t.Error("rejection not counted")
	}
	if c.CancelOverride("operator-7", t0) {
		t.Error("nothing pending; cancel must report false")
	}
}

func TestSubscribeReceivesPublishedTicks(t *testing.T) {
	c := New(testConfig(), metrics.NewStore(), t0)
	updates, cancel := c.Subscribe()
	defer cancel()

	report(t, c, "north", t0, false)
	c.tick(t0)

	select {
	case st := <-updates:
		if !st.TickAt.Equal(t0) {
			t.Errorf("TickAt = %s", st.TickAt)
		}
	default:
		t.Fatal("subscriber did not receive the published tick")
	}
}

func TestComposeNeighborMessage(t *testing.T) {
	c := New(testConfig(), metrics.NewStore(), t0)
	runningController(t, c)

	msg := c.ComposeNeighborMessage()
	if msg.IntersectionID != "intersection-1" {
		t.Errorf("intersection = %q", msg.IntersectionID)
	}
	if msg.Phase != signal.NSGreen {
		t.Errorf("phase = %s", msg.Phase)
	}
	if msg.CongestionIndex < 0 || msg.CongestionIndex > 1 {
		t.Errorf("congestion index = %g", msg.CongestionIndex)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp missing")
	}
}
