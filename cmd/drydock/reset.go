package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drydockproject/drydock/pkg/lifecycle"
)

func resetCmd() *cobra.Command {
	var toPhase string
	var reason string

	cmd := &cobra.Command{
		Use:   "reset <fleet> <worker>",
		Short: "Move a worker to an explicit phase, backward included",
		Long: `Reset records an operator-attributed transition to any phase and is the
only way a worker moves backward. A reason is required so the ledger
explains itself later. Typical uses: returning a worker that drained by
mistake to active, or re-arming a stop that failed permanently.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := lifecycle.ParsePhase(toPhase)
			if err != nil {
				return err
			}

			a, err := newApp(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			w, err := a.registry.Find(cmd.Context(), args[1])
			if err != nil {
				return err
			}

			if err := a.openLedger(); err != nil {
				return err
			}

			prior := a.ledger.Phase(w.ID)
			if err := a.ledger.Reset(w.ID, target, "operator", reason); err != nil {
				return err
			}

			fmt.Printf("Worker %s reset: %s -> %s\n", w.ID, prior, target)
			return nil
		},
	}

	cmd.Flags().StringVar(&toPhase, "to", "", "Target phase (active, drain_requested, draining, paused_confirmed, stop_authorized, stop_requested, stopped)")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the reset is justified (recorded in the ledger)")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("reason")

	return cmd
}
