package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crosslight/internal/signal"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crosslight.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func loadDefaults(t *testing.T) Config {
	t.Helper()
	cfg, err := Load(writeConfigFile(t, "intersection:\n  id: intersection-1\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	if cfg.Intersection.ID != "intersection-1" {
		t.Errorf("intersection.id = %q", cfg.Intersection.ID)
	}
	if len(cfg.Intersection.Approaches) != 4 {
		t.Fatalf("approaches = %d, want the 4-approach default", len(cfg.Intersection.Approaches))
	}
	if cfg.Tick.Interval != 250*time.Millisecond {
		t.Errorf("tick.interval = %s", cfg.Tick.Interval)
	}
	if cfg.Program.NSGreen.Default != 20*time.Second || cfg.Program.NSGreen.Max != 60*time.Second {
		t.Errorf("ns_green defaults = %+v", cfg.Program.NSGreen)
	}
	if cfg.Program.Yellow != 3*time.Second || cfg.Program.AllRed != 2*time.Second {
		t.Errorf("clearances = %s / %s", cfg.Program.Yellow, cfg.Program.AllRed)
	}
	if cfg.Ingest.MaxQueueLength != 200 || cfg.Ingest.MaxVehicleCount != 500 {
		t.Errorf("ingest limits = %+v", cfg.Ingest)
	}
	if cfg.Policy.GrowthGain != 0.05 || cfg.Policy.ShrinkAfter != 3 {
		t.Errorf("policy = %+v", cfg.Policy)
	}
	if cfg.Preemption.Confirmations != 2 || cfg.Preemption.Cooldown != 10*time.Second {
		t.Errorf("preemption = %+v", cfg.Preemption)
	}
	if cfg.Override.MaxTTL != 15*time.Minute {
		t.Errorf("override.max_ttl = %s", cfg.Override.MaxTTL)
	}
	if cfg.API.Port != "8080" {
		t.Errorf("api.port = %q", cfg.API.Port)
	}
	if len(cfg.Coordination.Peers) != 0 {
		t.Errorf("peers should default empty, got %+v", cfg.Coordination.Peers)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
intersection:
  id: fifth-and-main
  approaches:
    - id: northbound
      axis: NS
    - id: eastbound
      axis: EW
tick:
  interval: 100ms
program:
  ns_green:
    min: 5s
    default: 12s
    max: 30s
coordination:
  peers:
    - id: intersection-2
      url: http://10.0.0.2:8080
      axis: NS
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Intersection.ID != "fifth-and-main" {
		t.Errorf("intersection.id = %q", cfg.Intersection.ID)
	}
	if len(cfg.Intersection.Approaches) != 2 || cfg.Intersection.Approaches[1].Axis != signal.AxisEW {
		t.Errorf("approaches = %+v", cfg.Intersection.Approaches)
	}
	if cfg.Tick.Interval != 100*time.Millisecond {
		t.Errorf("tick.interval = %s", cfg.Tick.Interval)
	}
	if cfg.Program.NSGreen.Default != 12*time.Second {
		t.Errorf("ns_green.default = %s", cfg.Program.NSGreen.Default)
	}
	// Sections the file does not mention keep their defaults.
	if cfg.Program.EWGreen.Default != 20*time.Second {
		t.Errorf("ew_green.default = %s", cfg.Program.EWGreen.Default)
	}
	if len(cfg.Coordination.Peers) != 1 || cfg.Coordination.Peers[0].ID != "intersection-2" {
		t.Errorf("peers = %+v", cfg.Coordination.Peers)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CROSSLIGHT_API_PORT", "9090")

	cfg := loadDefaults(t)
	if cfg.API.Port != "9090" {
		t.Errorf("api.port = %q, want env override", cfg.API.Port)
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeConfigFile(t, "tick:\n  interval: -1s\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted a non-positive tick interval")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load must fail when the named file does not exist")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		detail string
	}{
		{"empty intersection id", func(c *Config) { c.Intersection.ID = " " }, "intersection.id"},
		{"no approaches", func(c *Config) { c.Intersection.Approaches = nil }, "approaches"},
		{"duplicate approach", func(c *Config) {
			c.Intersection.Approaches = append(c.Intersection.Approaches, Approach{ID: "north", Axis: signal.AxisNS})
		}, "duplicate"},
		{"bad approach axis", func(c *Config) {
			c.Intersection.Approaches[0].Axis = "DIAGONAL"
		}, "axis"},
		{"zero tick", func(c *Config) { c.Tick.Interval = 0 }, "tick.interval"},
		{"green bounds unordered", func(c *Config) {
			c.Program.NSGreen = TimingConfig{Min: 30 * time.Second, Default: 20 * time.Second, Max: 60 * time.Second}
		}, "program"},
		{"zero yellow", func(c *Config) { c.Program.Yellow = 0 }, "program"},
		{"freshness factor below 1", func(c *Config) { c.Ingest.FreshnessFactor = 0.5 }, "freshness_factor"},
		{"negative growth gain", func(c *Config) { c.Policy.GrowthGain = -0.1 }, "growth_gain"},
		{"peer missing url", func(c *Config) {
			c.Coordination.Peers = []Peer{{ID: "intersection-2", Axis: signal.AxisNS}}
		}, "peer"},
		{"zero confirmations", func(c *Config) { c.Preemption.Confirmations = 0 }, "confirmations"},
		{"zero failsafe grace", func(c *Config) { c.Failsafe.Grace = 0 }, "failsafe"},
		{"zero override ttl", func(c *Config) { c.Override.MaxTTL = 0 }, "max_ttl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := loadDefaults(t)
			tc.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted an unsafe config")
			}
			if !strings.Contains(err.Error(), tc.detail) {
				t.Errorf("err = %v, want mention of %q", err, tc.detail)
			}
		})
	}
}

func TestFreshnessWindow(t *testing.T) {
	ic := IngestConfig{ReportInterval: time.Second, FreshnessFactor: 2.5}
	if got := ic.FreshnessWindow(); got != 2500*time.Millisecond {
		t.Errorf("FreshnessWindow = %s", got)
	}
}

func TestSignalProgram(t *testing.T) {
	cfg := loadDefaults(t)
	prog := cfg.SignalProgram()

	if err := prog.Validate(); err != nil {
		t.Fatalf("default program invalid: %v", err)
	}
	timing, ok := prog.GreenTiming(signal.EWGreen)
	if !ok || timing.Default != 20*time.Second {
		t.Errorf("EW green timing = %+v", timing)
	}
	if prog.FailsafeCycle != 15*time.Second {
		t.Errorf("failsafe cycle = %s", prog.FailsafeCycle)
	}
}

func TestApproachAxes(t *testing.T) {
	cfg := loadDefaults(t)
	axes := cfg.ApproachAxes()

	if len(axes) != 4 {
		t.Fatalf("axes = %d entries", len(axes))
	}
	if axes["north"] != signal.AxisNS || axes["west"] != signal.AxisEW {
		t.Errorf("axes = %+v", axes)
	}
}
