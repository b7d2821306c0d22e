package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"stateguard/internal/logging"
	"stateguard/internal/metrics"
)

// serveCmd runs the long-lived services
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup scheduler and the metrics endpoint",
	Long: `Run the backup scheduler and the Prometheus metrics endpoint under a
supervisor until interrupted. A service that fails is restarted with backoff.

The scheduler is skipped when schedule.enabled is false, and the metrics
endpoint when metrics.enabled is false.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// newSupervisor builds the root supervisor with supervisor events logged
func newSupervisor(logger *logging.Logger) *suture.Supervisor {
	return suture.New("stateguard", suture.Spec{
		EventHook: func(event suture.Event) {
			logger.WithFields(event.Map()).Warn(event.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          30 * time.Second,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	supervisor := newSupervisor(a.logger)
	services := 0

	if a.cfg.Schedule.Enabled {
		manager, err := a.backupScheduler(cmd.Context())
		if err != nil {
			return err
		}
		supervisor.Add(manager)
		services++
	}
	if a.cfg.Metrics.Enabled {
		supervisor.Add(metrics.NewServer(a.cfg.Metrics.Listen, a.cfg.Metrics.Path))
		a.logger.WithFields(map[string]interface{}{
			"listen": a.cfg.Metrics.Listen,
			"path":   a.cfg.Metrics.Path,
		}).Info("Serving metrics")
		services++
	}
	if services == 0 {
		return fmt.Errorf("nothing to serve: both schedule.enabled and metrics.enabled are false")
	}

	a.logger.Infof("stateguard %s serving %d services", version, services)
	err = supervisor.Serve(cmd.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor stopped: %w", err)
	}
	a.logger.Info("Shutdown complete")
	return nil
}
