package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drydockproject/drydock/pkg/config"
	"github.com/drydockproject/drydock/pkg/fleet"
	"github.com/drydockproject/drydock/pkg/ledger"
	"github.com/drydockproject/drydock/pkg/lifecycle"
	"github.com/drydockproject/drydock/pkg/probe"
)

// ledgerView is a read-only replay of the ledger file. Status and watch
// build one instead of opening the ledger for writing, so they never
// contend with a session that holds the file.
type ledgerView struct {
	phases    map[string]lifecycle.Phase
	latestObs map[string]probe.Observation
}

func (v *ledgerView) phase(workerID string) lifecycle.Phase {
	if p, ok := v.phases[workerID]; ok {
		return p
	}
	return lifecycle.PhaseActive
}

// readLedgerView replays path into a view. A missing file means no
// session has run yet; every worker reads as active.
func readLedgerView(path string) (*ledgerView, error) {
	view := &ledgerView{
		phases:    make(map[string]lifecycle.Phase),
		latestObs: make(map[string]probe.Observation),
	}
	err := ledger.Read(path, func(rec ledger.Record) error {
		switch rec.Kind {
		case ledger.KindTransition:
			if rec.Transition != nil {
				view.phases[rec.WorkerID] = rec.Transition.Next
			}
		case ledger.KindObservation:
			if rec.Observation != nil {
				view.latestObs[rec.WorkerID] = *rec.Observation
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return view, nil
		}
		return nil, err
	}
	return view, nil
}

// workerStatus is the JSON shape for one worker's combined inventory,
// ledger, and observation state.
type workerStatus struct {
	WorkerID      string `json:"worker_id"`
	Name          string `json:"name,omitempty"`
	Backend       string `json:"backend"`
	Phase         string `json:"phase"`
	AgentState    string `json:"agent_state,omitempty"`
	UnitsInFlight string `json:"units_in_flight,omitempty"`
	LastProbe     string `json:"last_probe,omitempty"`
}

func workerStatuses(workers []fleet.Worker, view *ledgerView) []workerStatus {
	statuses := make([]workerStatus, 0, len(workers))
	for _, w := range workers {
		s := workerStatus{
			WorkerID: w.ID,
			Name:     w.DisplayName,
			Backend:  w.Backend,
			Phase:    view.phase(w.ID).String(),
		}
		if obs, ok := view.latestObs[w.ID]; ok {
			s.AgentState = string(obs.ClientState)
			s.UnitsInFlight = fmt.Sprintf("%d", obs.UnitsInFlight)
			s.LastProbe = formatTimestamp(obs.Timestamp)
		}
		statuses = append(statuses, s)
	}
	return statuses
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <fleet>",
		Short: "Show each worker's lifecycle phase and last observation",
		Long: `Status joins the fleet inventory with a replay of the ledger. It reads
the ledger file directly and never writes, so it is safe to run while a
drain or teardown session is in progress.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(args[0])
			if err != nil {
				return err
			}

			workers, err := a.registry.Snapshot(cmd.Context())
			if err != nil {
				return err
			}

			if len(workers) == 0 {
				fmt.Println("No workers in inventory")
				return nil
			}

			view, err := readLedgerView(a.ledgerFile())
			if err != nil {
				return err
			}

			statuses := workerStatuses(workers, view)

			switch outputFormat {
			case "json":
				return outputJSON(statuses)
			case "table":
				rows := make([][]string, 0, len(statuses))
				for _, s := range statuses {
					units := s.UnitsInFlight
					if units == "" {
						units = "-"
					}
					lastProbe := s.LastProbe
					if lastProbe == "" {
						lastProbe = "Never"
					}
					rows = append(rows, []string{
						s.WorkerID,
						s.Name,
						s.Phase,
						s.AgentState,
						units,
						lastProbe,
					})
				}
				return outputTable([]string{"Worker ID", "Name", "Phase", "Agent State", "Units", "Last Probe"}, rows)
			default:
				return fmt.Errorf("unsupported output format: %s", outputFormat)
			}
		},
	}

	return cmd
}

func statusOneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status-one <address>",
		Short: "Probe one worker address directly",
		Long: `status-one dials the address with the configured SSH settings, runs the
liveness, state, and units queries, and prints the classified
observation. Nothing is read from or written to the ledger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			prober := probe.New(cfg.SSH, logger)
			obs := prober.Probe(cmd.Context(), fleet.Worker{ID: args[0], Address: args[0]})

			switch outputFormat {
			case "json":
				return outputJSON(obs)
			case "table":
				fault := ""
				if obs.Fault != nil {
					fault = fmt.Sprintf("%s: %s", obs.Fault.Kind, obs.Fault.Detail)
				}
				return outputTable(
					[]string{"Address", "Reachable", "Agent State", "Units", "Fault"},
					[][]string{{
						args[0],
						fmt.Sprintf("%t", obs.Reachable),
						string(obs.ClientState),
						fmt.Sprintf("%d", obs.UnitsInFlight),
						fault,
					}},
				)
			default:
				return fmt.Errorf("unsupported output format: %s", outputFormat)
			}
		},
	}

	return cmd
}
