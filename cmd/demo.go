package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"crosslight/internal/config"
	"crosslight/internal/controller"
	"crosslight/internal/database"
	"crosslight/internal/ingest"
	"crosslight/internal/metrics"
	"crosslight/internal/signal"
)

var demoDuration time.Duration

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a timed demo with synthetic traffic and an emergency vehicle",
	Long: `Runs a deterministic demonstration against an in-process controller:
1) approaches start reporting and the controller leaves failsafe,
2) a queue builds on the north-south axis and its green stretches,
3) an emergency vehicle approaches from the east and preempts,
4) the emergency clears and the normal cycle resumes,
5) the sensors go silent and the controller falls back to failsafe,
6) reports resume, the controller recovers, and a summary is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo()
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().DurationVar(&demoDuration, "duration", 60*time.Second, "how long the demo runs")
}

func runDemo() error {
	if err := database.InitDB(""); err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer database.CloseDB()

	cfg, err := demoConfig()
	if err != nil {
		return err
	}

	m := metrics.NewStore()
	ctrl := controller.New(cfg, m, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), demoDuration)
	defer cancel()

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	go ctrl.Run(ctx)
	go feedDemoTraffic(ctx, ctrl)

	fmt.Println("[Demo] Controller starting in failsafe; waiting for sensor reports...")

	var (
		lastPhase      signal.Phase
		transitions    int
		preempted      bool
		recovered      bool
		failsafeDrops  int
		sawFirstActive bool
	)
	for st := range statusUntilDone(ctx, updates) {
		phase := st.State.ActivePhase
		if phase == lastPhase {
			continue
		}
		lastPhase = phase
		transitions++
		fmt.Printf("[Demo] %-17s (source %s, %s planned)\n",
			phase, st.State.Source, st.State.ComputedDuration)
		switch {
		case phase == signal.EmergencyPreempt:
			preempted = true
		case phase == signal.Failsafe && sawFirstActive:
			failsafeDrops++
		case phase == signal.NSGreen || phase == signal.EWGreen:
			sawFirstActive = true
			if preempted {
				recovered = true
			}
		}
	}

	fmt.Printf("\n%d phase changes in %s\n", transitions, demoDuration)
	if preempted {
		fmt.Println("Emergency preemption engaged")
	} else {
		fmt.Println("Emergency preemption did not engage")
	}
	if recovered {
		fmt.Println("Normal cycle resumed after the emergency")
	}
	if failsafeDrops > 0 {
		fmt.Println("Failsafe engaged during the sensor outage and cleared on recovery")
	}
	return nil
}

// demoConfig compresses the timing program so a full cycle, a preemption
// and the recovery all fit in one minute.
func demoConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	cfg.Tick.Interval = 100 * time.Millisecond
	cfg.Program.NSGreen = config.TimingConfig{Min: 2 * time.Second, Default: 4 * time.Second, Max: 10 * time.Second}
	cfg.Program.EWGreen = config.TimingConfig{Min: 2 * time.Second, Default: 4 * time.Second, Max: 10 * time.Second}
	cfg.Program.Yellow = time.Second
	cfg.Program.AllRed = time.Second
	cfg.Program.PreemptGreen = 3 * time.Second
	cfg.Program.FailsafeCycle = 2 * time.Second
	cfg.Ingest.ReportInterval = 500 * time.Millisecond
	cfg.Failsafe.Grace = 2 * time.Second
	cfg.Failsafe.Confirmation = 2 * time.Second
	cfg.Preemption.Cooldown = 2 * time.Second
	cfg.Coordination.Peers = nil
	return cfg, cfg.Validate()
}

// feedDemoTraffic reports synthetic snapshots for the four default
// approaches: a growing north-south queue for the first half, then an
// emergency vehicle from the east, then calm traffic.
func feedDemoTraffic(ctx context.Context, ctrl *controller.Controller) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start)
			frac := elapsed.Seconds() / demoDuration.Seconds()

			// Sensor outage window: no reports at all, so staleness
			// pushes the controller into failsafe until reports resume.
			if frac >= 0.7 && frac < 0.85 {
				continue
			}

			nsQueue, nsGrowth := 2, 0.0
			if frac < 0.4 {
				nsQueue = 2 + int(elapsed.Seconds()*2)
				nsGrowth = 2.0
			}
			emergency := frac >= 0.5 && frac < 0.6

			report(ctx, ctrl, now, "north", signal.AxisNS, nsQueue, nsGrowth, false)
			report(ctx, ctrl, now, "south", signal.AxisNS, nsQueue/2, nsGrowth/2, false)
			report(ctx, ctrl, now, "east", signal.AxisEW, 1, 0, emergency)
			report(ctx, ctrl, now, "west", signal.AxisEW, 1, 0, false)
		}
	}
}

func report(ctx context.Context, ctrl *controller.Controller, now time.Time, approach string, axis signal.Axis, queue int, growth float64, emergency bool) {
	if ctx.Err() != nil {
		return
	}
	_ = ctrl.AcceptSnapshot(ingest.Snapshot{
		Timestamp:         now,
		ApproachID:        approach,
		VehicleCount:      queue + 3,
		QueueLength:       queue,
		GrowthRate:        growth,
		EmergencyDetected: emergency,
		Direction:         axis,
	})
}

// statusUntilDone adapts the subscription channel so the consumer loop ends
// with the context.
func statusUntilDone(ctx context.Context, updates <-chan controller.Status) <-chan controller.Status {
	out := make(chan controller.Status)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-updates:
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
