// Package config loads the controller configuration once at startup.
// The resulting Config is treated as immutable for the process lifetime;
// hot reload is deliberately unsupported.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"crosslight/internal/signal"
)

// Approach is one directional traffic stream into the intersection.
type Approach struct {
	ID   string      `mapstructure:"id" json:"id"`
	Axis signal.Axis `mapstructure:"axis" json:"axis"`
}

// Peer is a neighboring intersection we coordinate with. Axis names the
// local green axis whose discharge feeds that neighbor.
type Peer struct {
	ID   string      `mapstructure:"id" json:"id"`
	URL  string      `mapstructure:"url" json:"url"`
	Axis signal.Axis `mapstructure:"axis" json:"axis"`
}

type IntersectionConfig struct {
	ID         string     `mapstructure:"id" json:"id"`
	Approaches []Approach `mapstructure:"approaches" json:"approaches"`
}

type TickConfig struct {
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

type ProgramConfig struct {
	NSGreen       TimingConfig  `mapstructure:"ns_green" json:"ns_green"`
	EWGreen       TimingConfig  `mapstructure:"ew_green" json:"ew_green"`
	Yellow        time.Duration `mapstructure:"yellow" json:"yellow"`
	AllRed        time.Duration `mapstructure:"all_red" json:"all_red"`
	PreemptGreen  time.Duration `mapstructure:"preempt_green" json:"preempt_green"`
	FailsafeCycle time.Duration `mapstructure:"failsafe_cycle" json:"failsafe_cycle"`
}

type TimingConfig struct {
	Min     time.Duration `mapstructure:"min" json:"min"`
	Default time.Duration `mapstructure:"default" json:"default"`
	Max     time.Duration `mapstructure:"max" json:"max"`
}

type IngestConfig struct {
	ReportInterval  time.Duration `mapstructure:"report_interval" json:"report_interval"`
	FreshnessFactor float64       `mapstructure:"freshness_factor" json:"freshness_factor"`
	MaxVehicleCount int           `mapstructure:"max_vehicle_count" json:"max_vehicle_count"`
	MaxQueueLength  int           `mapstructure:"max_queue_length" json:"max_queue_length"`
	MaxGrowthRate   float64       `mapstructure:"max_growth_rate" json:"max_growth_rate"`
}

// FreshnessWindow is how long a snapshot stays fresh before the approach is
// flagged stale: FreshnessFactor times the expected reporting interval.
func (c IngestConfig) FreshnessWindow() time.Duration {
	return time.Duration(float64(c.ReportInterval) * c.FreshnessFactor)
}

type PolicyConfig struct {
	GrowthGain      float64       `mapstructure:"growth_gain" json:"growth_gain"`
	ShrinkAfter     int           `mapstructure:"shrink_after" json:"shrink_after"`
	EmptyShrinkStep time.Duration `mapstructure:"empty_shrink_step" json:"empty_shrink_step"`
}

type CoordinationConfig struct {
	Interval            time.Duration `mapstructure:"interval" json:"interval"`
	Peers               []Peer        `mapstructure:"peers" json:"peers"`
	BiasCap             time.Duration `mapstructure:"bias_cap" json:"bias_cap"`
	CongestionWeight    float64       `mapstructure:"congestion_weight" json:"congestion_weight"`
	CongestionThreshold float64       `mapstructure:"congestion_threshold" json:"congestion_threshold"`
	SendTimeout         time.Duration `mapstructure:"send_timeout" json:"send_timeout"`
}

type PreemptionConfig struct {
	Confirmations int           `mapstructure:"confirmations" json:"confirmations"`
	Cooldown      time.Duration `mapstructure:"cooldown" json:"cooldown"`
}

type FailsafeConfig struct {
	Grace        time.Duration `mapstructure:"grace" json:"grace"`
	Confirmation time.Duration `mapstructure:"confirmation" json:"confirmation"`
}

type OverrideConfig struct {
	MaxTTL time.Duration `mapstructure:"max_ttl" json:"max_ttl"`
}

type APIConfig struct {
	Port string `mapstructure:"port" json:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// Config is the full controller configuration, loaded once and then
// read-only.
type Config struct {
	Intersection IntersectionConfig `mapstructure:"intersection" json:"intersection"`
	Tick         TickConfig         `mapstructure:"tick" json:"tick"`
	Program      ProgramConfig      `mapstructure:"program" json:"program"`
	Ingest       IngestConfig       `mapstructure:"ingest" json:"ingest"`
	Policy       PolicyConfig       `mapstructure:"policy" json:"policy"`
	Coordination CoordinationConfig `mapstructure:"coordination" json:"coordination"`
	Preemption   PreemptionConfig   `mapstructure:"preemption" json:"preemption"`
	Failsafe     FailsafeConfig     `mapstructure:"failsafe" json:"failsafe"`
	Override     OverrideConfig     `mapstructure:"override" json:"override"`
	API          APIConfig          `mapstructure:"api" json:"api"`
	Database     DatabaseConfig     `mapstructure:"database" json:"database"`
}

// SignalProgram converts the loaded program section into the signal.Program
// consumed by the state machine and policy engine.
func (c Config) SignalProgram() signal.Program {
	return signal.Program{
		Greens: map[signal.Phase]signal.Timing{
			signal.NSGreen: {Min: c.Program.NSGreen.Min, Default: c.Program.NSGreen.Default, Max: c.Program.NSGreen.Max},
			signal.EWGreen: {Min: c.Program.EWGreen.Min, Default: c.Program.EWGreen.Default, Max: c.Program.EWGreen.Max},
		},
		Yellow:        c.Program.Yellow,
		AllRed:        c.Program.AllRed,
		PreemptGreen:  c.Program.PreemptGreen,
		FailsafeCycle: c.Program.FailsafeCycle,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("intersection.id", "intersection-1")
	v.SetDefault("intersection.approaches", []map[string]any{
		{"id": "north", "axis": "NS"},
		{"id": "south", "axis": "NS"},
		{"id": "east", "axis": "EW"},
		{"id": "west", "axis": "EW"},
	})
	v.SetDefault("tick.interval", "250ms")

	v.SetDefault("program.ns_green.min", "10s")
	v.SetDefault("program.ns_green.default", "20s")
	v.SetDefault("program.ns_green.max", "60s")
	v.SetDefault("program.ew_green.min", "10s")
	v.SetDefault("program.ew_green.default", "20s")
	v.SetDefault("program.ew_green.max", "60s")
	v.SetDefault("program.yellow", "3s")
	v.SetDefault("program.all_red", "2s")
	v.SetDefault("program.preempt_green", "30s")
	v.SetDefault("program.failsafe_cycle", "15s")

	v.SetDefault("ingest.report_interval", "1s")
	v.SetDefault("ingest.freshness_factor", 2.0)
	v.SetDefault("ingest.max_vehicle_count", 500)
	v.SetDefault("ingest.max_queue_length", 200)
	v.SetDefault("ingest.max_growth_rate", 50.0)

	v.SetDefault("policy.growth_gain", 0.05)
	v.SetDefault("policy.shrink_after", 3)
	v.SetDefault("policy.empty_shrink_step", "2s")

	v.SetDefault("coordination.interval", "2s")
	v.SetDefault("coordination.bias_cap", "5s")
	v.SetDefault("coordination.congestion_weight", 1.0)
	v.SetDefault("coordination.congestion_threshold", 0.7)
	v.SetDefault("coordination.send_timeout", "500ms")

	v.SetDefault("preemption.confirmations", 2)
	v.SetDefault("preemption.cooldown", "10s")

	v.SetDefault("failsafe.grace", "5s")
	v.SetDefault("failsafe.confirmation", "10s")

	v.SetDefault("override.max_ttl", "15m")

	v.SetDefault("api.port", "8080")
	v.SetDefault("database.path", "crosslight.db")
}

// Load reads configuration from the given YAML file (optional), applies
// CROSSLIGHT_* environment overrides, validates, and returns the immutable
// Config.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CROSSLIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("crosslight")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crosslight")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
			// no file is fine; defaults plus env cover a full config
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the controller cannot run safely with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Intersection.ID) == "" {
		return fmt.Errorf("intersection.id is required")
	}
	if len(c.Intersection.Approaches) == 0 {
		return fmt.Errorf("intersection.approaches must not be empty")
	}
	seen := map[string]bool{}
	for _, a := range c.Intersection.Approaches {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("approach with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate approach id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Axis != signal.AxisNS && a.Axis != signal.AxisEW {
			return fmt.Errorf("approach %q: axis must be NS or EW, got %q", a.ID, a.Axis)
		}
	}
	if c.Tick.Interval <= 0 {
		return fmt.Errorf("tick.interval must be positive, got %s", c.Tick.Interval)
	}
	if err := c.SignalProgram().Validate(); err != nil {
		return fmt.Errorf("program: %w", err)
	}
	if c.Ingest.ReportInterval <= 0 {
		return fmt.Errorf("ingest.report_interval must be positive")
	}
	if c.Ingest.FreshnessFactor < 1 {
		return fmt.Errorf("ingest.freshness_factor must be >= 1, got %g", c.Ingest.FreshnessFactor)
	}
	if c.Policy.GrowthGain < 0 {
		return fmt.Errorf("policy.growth_gain must not be negative, got %g", c.Policy.GrowthGain)
	}
	if c.Policy.ShrinkAfter < 1 {
		return fmt.Errorf("policy.shrink_after must be >= 1, got %d", c.Policy.ShrinkAfter)
	}
	if c.Coordination.BiasCap < 0 {
		return fmt.Errorf("coordination.bias_cap must not be negative, got %s", c.Coordination.BiasCap)
	}
	for _, p := range c.Coordination.Peers {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("coordination peer entries need both id and url")
		}
		if p.Axis != signal.AxisNS && p.Axis != signal.AxisEW {
			return fmt.Errorf("coordination peer %q: axis must be NS or EW, got %q", p.ID, p.Axis)
		}
	}
	if c.Preemption.Confirmations < 1 {
		return fmt.Errorf("preemption.confirmations must be >= 1, got %d", c.Preemption.Confirmations)
	}
	if c.Preemption.Cooldown <= 0 {
		return fmt.Errorf("preemption.cooldown must be positive")
	}
	if c.Failsafe.Grace <= 0 || c.Failsafe.Confirmation <= 0 {
		return fmt.Errorf("failsafe.grace and failsafe.confirmation must be positive")
	}
	if c.Override.MaxTTL <= 0 {
		return fmt.Errorf("override.max_ttl must be positive")
	}
	return nil
}

// ApproachAxes returns the configured approach-to-axis mapping.
func (c Config) ApproachAxes() map[string]signal.Axis {
	out := make(map[string]signal.Axis, len(c.Intersection.Approaches))
	for _, a := range c.Intersection.Approaches {
		out[a.ID] = a.Axis
	}
	return out
}
