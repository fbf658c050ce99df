package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/drydockproject/drydock/pkg/drain"
	"github.com/drydockproject/drydock/pkg/fleet"
)

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputTable(header []string, rows [][]string) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Append(header)
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
	return nil
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	duration := time.Since(t)
	if duration < time.Minute {
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(duration.Hours()/24))
}

func displayName(w fleet.Worker) string {
	if w.DisplayName != "" {
		return w.DisplayName
	}
	return w.ID
}

// workerOutcome is the JSON shape for one worker's result.
type workerOutcome struct {
	WorkerID string `json:"worker_id"`
	Name     string `json:"name,omitempty"`
	Phase    string `json:"phase"`
	Error    string `json:"error,omitempty"`
}

// renderResults prints per-worker outcomes and converts failures into the
// process exit code: nil for a clean run, errPartial when the fleet split,
// a plain error when every worker failed.
func renderResults(op string, res drain.FleetResult) error {
	outcomes := make([]workerOutcome, 0, len(res.Results))
	for _, r := range res.Results {
		o := workerOutcome{
			WorkerID: r.Worker.ID,
			Name:     r.Worker.DisplayName,
			Phase:    r.Phase.String(),
		}
		if r.Err != nil {
			o.Error = r.Err.Error()
		}
		outcomes = append(outcomes, o)
	}

	switch outputFormat {
	case "json":
		if err := outputJSON(outcomes); err != nil {
			return err
		}
	case "table":
		rows := make([][]string, 0, len(outcomes))
		for _, o := range outcomes {
			outcome := "ok"
			if o.Error != "" {
				outcome = o.Error
			}
			rows = append(rows, []string{o.WorkerID, o.Name, o.Phase, outcome})
		}
		if err := outputTable([]string{"Worker ID", "Name", "Phase", "Outcome"}, rows); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported output format: %s", outputFormat)
	}

	failed := res.Failed()
	if len(failed) == 0 {
		return nil
	}
	if res.Partial() {
		return fmt.Errorf("%s: %d of %d workers failed: %w", op, len(failed), len(res.Results), errPartial)
	}
	return fmt.Errorf("%s: all %d workers failed", op, len(res.Results))
}
