package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crosslight/internal/api"
	"crosslight/internal/controller"
	"crosslight/internal/coord"
	"crosslight/internal/database"
	"crosslight/internal/metrics"
	"crosslight/internal/sysmon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller and its admin API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runController()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runController() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := database.InitDB(cfg.Database.Path); err != nil {
		return fmt.Errorf("init db: %w", err)
	}
	defer database.CloseDB()

	m := metrics.NewStore()
	ctrl := controller.New(cfg, m, time.Now())

	monitor, err := sysmon.NewMonitor()
	if err != nil {
		log.Printf("[cmd] process monitor unavailable: %v", err)
		monitor = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()

	if len(cfg.Coordination.Peers) > 0 {
		broadcaster := coord.NewBroadcaster(
			cfg.Coordination.Peers,
			cfg.Coordination.Interval,
			cfg.Coordination.SendTimeout,
			ctrl.ComposeNeighborMessage,
			func(peerID string) {
				m.IncCoordSendFailure()
			},
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			broadcaster.Run(ctx)
		}()
	}

	stopAPI := api.NewServer(ctrl, m, monitor).Start(cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	<-sigCh
	log.Printf("[cmd] shutdown signal received")

	stopAPI()
	cancel()
	wg.Wait()
	return nil
}
