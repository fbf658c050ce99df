package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/drydockproject/drydock/pkg/fleet"
	"github.com/drydockproject/drydock/pkg/lifecycle"
	"github.com/drydockproject/drydock/pkg/observability"
)

// watchSource feeds the phase gauge from the most recent ledger replay.
type watchSource struct {
	mu     sync.Mutex
	phases map[string]lifecycle.Phase
}

func (s *watchSource) Phases() map[string]lifecycle.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]lifecycle.Phase, len(s.phases))
	for id, p := range s.phases {
		out[id] = p
	}
	return out
}

func (s *watchSource) set(workers []fleet.Worker, view *ledgerView) {
	phases := make(map[string]lifecycle.Phase, len(workers))
	for _, w := range workers {
		phases[w.ID] = view.phase(w.ID)
	}
	s.mu.Lock()
	s.phases = phases
	s.mu.Unlock()
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	var metricsListen string

	cmd := &cobra.Command{
		Use:   "watch <fleet>",
		Short: "Continuously render fleet phases from the ledger",
		Long: `Watch re-reads the ledger on an interval and renders the fleet's phase
breakdown. Like status it never writes the ledger, so it can run beside
an in-progress drain or teardown session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(args[0])
			if err != nil {
				return err
			}

			workers, err := a.registry.Snapshot(ctx)
			if err != nil {
				return err
			}

			source := &watchSource{}
			if metricsListen != "" {
				reg := prometheus.NewRegistry()
				reg.MustRegister(observability.NewSessionMetrics(source))
				srv, err := observability.Serve(metricsListen, reg, a.logger)
				if err != nil {
					return err
				}
				defer srv.Close()
			}

			for {
				view, err := readLedgerView(a.ledgerFile())
				if err != nil {
					return err
				}
				source.set(workers, view)
				renderWatch(args[0], workers, view)

				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Refresh interval")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Address to serve Prometheus metrics on while watching")

	return cmd
}

// renderWatch prints one refresh of the fleet view.
func renderWatch(fleetName string, workers []fleet.Worker, view *ledgerView) {
	pterm.DefaultHeader.WithBackgroundStyle(pterm.NewStyle(pterm.BgDarkGray)).
		WithTextStyle(pterm.NewStyle(pterm.FgLightCyan, pterm.Bold)).
		Println("FLEET: " + fleetName)

	counts := make(map[lifecycle.Phase]int)
	for _, w := range workers {
		counts[view.phase(w.ID)]++
	}
	summary := make([]string, 0, len(counts))
	for p := lifecycle.PhaseActive; p <= lifecycle.PhaseStopped; p++ {
		if counts[p] > 0 {
			summary = append(summary, fmt.Sprintf("%s %d", p, counts[p]))
		}
	}
	pterm.Info.Printfln("%s | %s", time.Now().Format(time.TimeOnly), strings.Join(summary, " | "))

	data := pterm.TableData{{"Worker", "Phase", "Agent State", "Units", "Last Probe"}}
	for _, w := range workers {
		phase := view.phase(w.ID)
		state, units, lastProbe := "", "-", "Never"
		if obs, ok := view.latestObs[w.ID]; ok {
			state = string(obs.ClientState)
			units = fmt.Sprintf("%d", obs.UnitsInFlight)
			lastProbe = formatTimestamp(obs.Timestamp)
		}
		rendered := phase.String()
		switch phase {
		case lifecycle.PhaseStopped:
			rendered = pterm.Green(rendered)
		case lifecycle.PhaseStopRequested:
			rendered = pterm.Red(rendered)
		}
		data = append(data, []string{displayName(w), rendered, state, units, lastProbe})
	}

	pterm.DefaultSection.Println("Workers")
	pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Render()
	fmt.Println()
}
