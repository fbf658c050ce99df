package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <fleet>",
		Short: "List the fleet's workers from the provisioning inventory",
		Args:  cobra.ExactArgs(1),
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

			switch outputFormat {
			case "json":
				return outputJSON(workers)
			case "table":
				rows := make([][]string, 0, len(workers))
				for _, w := range workers {
					rows = append(rows, []string{
						w.ID,
						w.DisplayName,
						w.Backend,
						w.Address,
						formatTimestamp(w.RegisteredAt),
					})
				}
				return outputTable([]string{"Worker ID", "Name", "Backend", "Address", "Registered"}, rows)
			default:
				return fmt.Errorf("unsupported output format: %s", outputFormat)
			}
		},
	}

	return cmd
}
