package drain

import (
	"fmt"

	"github.com/drydockproject/drydock/pkg/fleet"
	"github.com/drydockproject/drydock/pkg/gate"
	"github.com/drydockproject/drydock/pkg/lifecycle"
)

// WorkerResult is one worker's outcome from a fleet operation. Phase is
// the worker's phase when the operation finished with it, whatever Err
// says; a failed worker keeps whatever progress the ledger recorded.
type WorkerResult struct {
	Worker fleet.Worker
	Phase  lifecycle.Phase
	Err    error
}

// FleetResult collects per-worker results for one fleet operation.
// Per-worker failures are isolated; the result reports them, it never
// hides them behind a single error.
type FleetResult struct {
	Results []WorkerResult
}

// Failed returns the subset of results that carry an error.
func (r FleetResult) Failed() []WorkerResult {
	var failed []WorkerResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Partial reports whether some workers failed while others succeeded.
func (r FleetResult) Partial() bool {
	n := len(r.Failed())
	return n > 0 && n < len(r.Results)
}

// RefusedError reports that the safety gate refused a stop. The decision
// carries the enumerated reason; refusals are terminal for the attempt.
type RefusedError struct {
	Decision gate.Decision
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("stop refused: %s (%s)", e.Decision.Reason, e.Decision.Detail)
}
