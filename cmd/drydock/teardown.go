package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drydockproject/drydock/pkg/config"
)

func teardownCmd() *cobra.Command {
	var timeout time.Duration
	var interval time.Duration
	var concurrency int
	var metricsListen string
	var yes bool

	cmd := &cobra.Command{
		Use:   "teardown <fleet>",
		Short: "Drain every worker, then stop the underlying machines",
		Long: `Teardown drains each worker to a confirmed-paused state, asks the safety
gate to authorize the stop, and issues the backend stop call. Stopping
destroys ephemeral local state, so the command prompts before starting
unless --yes is set. Workers the gate refuses are left paused.`,
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

			if !yes {
				ok, err := confirm(fmt.Sprintf("Tear down %d workers in fleet %q? [y/N] ", len(workers), args[0]))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Aborted")
					return nil
				}
			}

			providers, err := buildProviders(a.cfg)
			if err != nil {
				return err
			}

			if err := a.openLedger(); err != nil {
				return err
			}

			metrics, stopMetrics, err := serveMetrics(metricsListen, a.ledger, a.logger)
			if err != nil {
				return err
			}
			defer stopMetrics()

			coord := a.coordinator(providers, metrics, config.DrainCfg{
				Interval:    interval,
				Timeout:     timeout,
				Concurrency: concurrency,
			})

			res := coord.TeardownFleet(ctx, workers, 0)
			return renderResults("teardown", res)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-worker drain timeout (overrides config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Paused-state poll interval (overrides config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Max simultaneous worker teardowns (overrides config)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Address to serve Prometheus metrics on during the run")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the confirmation prompt")

	return cmd
}

// confirm prints prompt and reads one line from stdin. Only an explicit
// y or yes proceeds; EOF counts as refusal.
func confirm(prompt string) (bool, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
