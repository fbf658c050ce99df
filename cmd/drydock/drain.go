package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drydockproject/drydock/pkg/config"
	"github.com/drydockproject/drydock/pkg/provider"
)

func drainCmd() *cobra.Command {
	var timeout time.Duration
	var interval time.Duration
	var concurrency int
	var metricsListen string

	cmd := &cobra.Command{
		Use:   "drain <fleet>",
		Short: "Signal every worker to finish its unit and pause, then wait",
		Long: `Drain signals each worker's agent to finish the unit in flight and
pause, then polls until the worker confirms paused with zero units in
flight. Workers that do not confirm before the timeout stay at the
draining phase and count as failures. Drain never stops machines.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			workers, err := a.registry.Snapshot(ctx)
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				fmt.Println("No workers in inventory")
				return nil
			}

			if err := a.openLedger(); err != nil {
				return err
			}

			metrics, stopMetrics, err := serveMetrics(metricsListen, a.ledger, a.logger)
			if err != nil {
				return err
			}
			defer stopMetrics()

			// Drain makes no backend calls, so no provider credentials
			// are required.
			coord := a.coordinator(provider.NewRegistry(), metrics, config.DrainCfg{
				Interval:    interval,
				Timeout:     timeout,
				Concurrency: concurrency,
			})

			res := coord.DrainFleet(ctx, workers, 0)
			return renderResults("drain", res)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-worker drain timeout (overrides config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Paused-state poll interval (overrides config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Max simultaneous worker drains (overrides config)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Address to serve Prometheus metrics on during the run")

	return cmd
}
