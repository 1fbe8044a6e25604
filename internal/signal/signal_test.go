package signal

import (
	"testing"
	"time"
)

func TestParsePhase(t *testing.T) {
	cases := []struct {
		raw  string
		want Phase
		ok   bool
	}{
		{"NS_GREEN", NSGreen, true},
		{"ns_green", NSGreen, true},
		{"  Ew_Yellow  ", EWYellow, true},
		{"ALL_RED", AllRed, true},
		{"EMERGENCY_PREEMPT", EmergencyPreempt, true},
		{"FAILSAFE", Failsafe, true},
		{"GREEN", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ParsePhase(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParsePhase(%q) = (%q, %v), want (%q, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPhaseAxis(t *testing.T) {
	if axis, ok := NSYellow.Axis(); !ok || axis != AxisNS {
		t.Errorf("NS_YELLOW axis = (%q, %v)", axis, ok)
	}
	if _, ok := AllRed.Axis(); ok {
		t.Error("ALL_RED should serve no single axis")
	}
	if _, ok := EmergencyPreempt.Axis(); ok {
		t.Error("EMERGENCY_PREEMPT should serve no single axis")
	}
}

func TestCycleHelpers(t *testing.T) {
	if YellowFor(NSGreen) != NSYellow || YellowFor(EWGreen) != EWYellow {
		t.Error("YellowFor mapping broken")
	}
	if NextGreen(NSGreen) != EWGreen || NextGreen(EWGreen) != NSGreen {
		t.Error("NextGreen must alternate axes")
	}
	if GreenFor(AxisNS) != NSGreen || GreenFor(AxisEW) != EWGreen {
		t.Error("GreenFor mapping broken")
	}
}

func TestClearanceClassification(t *testing.T) {
	for _, p := range []Phase{NSYellow, EWYellow, AllRed} {
		if !p.IsClearance() {
			t.Errorf("%s should be a clearance", p)
		}
		if p.IsGreen() {
			t.Errorf("%s should not be green", p)
		}
	}
	for _, p := range []Phase{NSGreen, EWGreen, EmergencyPreempt} {
		if !p.IsGreen() {
			t.Errorf("%s should be green", p)
		}
	}
}

func TestTimingClamp(t *testing.T) {
	timing := Timing{Min: 10 * time.Second, Default: 20 * time.Second, Max: 60 * time.Second}
	if got := timing.Clamp(5 * time.Second); got != 10*time.Second {
		t.Errorf("clamp below min = %s", got)
	}
	if got := timing.Clamp(2 * time.Minute); got != 60*time.Second {
		t.Errorf("clamp above max = %s", got)
	}
	if got := timing.Clamp(30 * time.Second); got != 30*time.Second {
		t.Errorf("in-range value changed: %s", got)
	}
}

func validProgram() Program {
	return Program{
		Greens: map[Phase]Timing{
			NSGreen: {Min: 10 * time.Second, Default: 20 * time.Second, Max: 60 * time.Second},
			EWGreen: {Min: 10 * time.Second, Default: 20 * time.Second, Max: 60 * time.Second},
		},
		Yellow:        3 * time.Second,
		AllRed:        2 * time.Second,
		PreemptGreen:  30 * time.Second,
		FailsafeCycle: 15 * time.Second,
	}
}

func TestProgramValidate(t *testing.T) {
	if err := validProgram().Validate(); err != nil {
		t.Fatalf("valid program rejected: %v", err)
	}

	p := validProgram()
	p.Greens[NSGreen] = Timing{Min: 30 * time.Second, Default: 20 * time.Second, Max: 60 * time.Second}
	if err := p.Validate(); err == nil {
		t.Error("min > default must be rejected")
	}

	p = validProgram()
	p.Yellow = 0
	if err := p.Validate(); err == nil {
		t.Error("zero yellow clearance must be rejected")
	}

	p = validProgram()
	delete(p.Greens, EWGreen)
	if err := p.Validate(); err == nil {
		t.Error("missing green timing must be rejected")
	}
}

func TestFixedDuration(t *testing.T) {
	p := validProgram()
	if d, ok := p.FixedDuration(AllRed); !ok || d != 2*time.Second {
		t.Errorf("ALL_RED fixed duration = (%s, %v)", d, ok)
	}
	if d, ok := p.FixedDuration(EmergencyPreempt); !ok || d != 30*time.Second {
		t.Errorf("EMERGENCY_PREEMPT fixed duration = (%s, %v)", d, ok)
	}
	if _, ok := p.FixedDuration(NSGreen); ok {
		t.Error("adjustable green must not report a fixed duration")
	}
}

func TestStateElapsedRemaining(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := State{ActivePhase: NSGreen, PhaseStartedAt: start, ComputedDuration: 20 * time.Second}

	now := start.Add(5 * time.Second)
	if got := st.Elapsed(now); got != 5*time.Second {
		t.Errorf("elapsed = %s", got)
	}
	if got := st.Remaining(now); got != 15*time.Second {
		t.Errorf("remaining = %s", got)
	}
	if got := st.Remaining(start.Add(time.Minute)); got != -40*time.Second {
		t.Errorf("remaining past elapse = %s, want negative overrun", got)
	}
}
