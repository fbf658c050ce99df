// Package gate is the sole authority for approving irreversible stop
// calls. It cross-checks the ledger's phase history against fresh probe
// evidence and refuses whenever the worker's state cannot be established
// with confidence. Unreachability is evidence of nothing except
// unreachability, so it always refuses. A refusal is terminal for that
// stop attempt; the gate never retries on its own.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/drydockproject/drydock/pkg/clock"
	"github.com/drydockproject/drydock/pkg/fleet"
	"github.com/drydockproject/drydock/pkg/ledger"
	"github.com/drydockproject/drydock/pkg/lifecycle"
	"github.com/drydockproject/drydock/pkg/probe"
)

const actorGate = "gate"

// Reason enumerates the gate's grounds for a decision.
type Reason string

const (
	ReasonOK                    Reason = "ok"
	ReasonNotPaused             Reason = "not_paused"
	ReasonUnitsInFlight         Reason = "units_in_flight"
	ReasonAmbiguousState        Reason = "ambiguous_state"
	ReasonConcurrentStopAttempt Reason = "concurrent_stop_attempt"
	ReasonPhaseIneligible       Reason = "phase_ineligible"
	ReasonPolicyDenied          Reason = "policy_denied"
)

// Decision is the gate's verdict on one stop attempt.
type Decision struct {
	Authorized bool
	Reason     Reason
	Detail     string
}

// Ledger is the slice of the state ledger the gate consults and writes.
type Ledger interface {
	Phase(workerID string) lifecycle.Phase
	LatestObservation(workerID string) (probe.Observation, bool)
	RecordObservation(obs probe.Observation) error
	Transition(workerID string, prior, next lifecycle.Phase, actor, reason string) error
}

// Config configures a Gate.
type Config struct {
	// SettleDelay separates the first passing check from the confirming
	// re-probe, so one noisy reading cannot authorize a stop.
	SettleDelay time.Duration

	// Policy optionally denies stops the built-in checks would allow.
	Policy *Policy

	// Clock defaults to real time.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Gate authorizes stops. Phase advancement happens through ledger
// compare-and-swap, so two concurrent authorizations for one worker
// cannot both win.
type Gate struct {
	prober      probe.Prober
	ledger      Ledger
	settleDelay time.Duration
	policy      *Policy
	clock       clock.Clock
	logger      *slog.Logger
}

// New creates a gate that probes through prober and reads and advances
// phases through led.
func New(prober probe.Prober, led Ledger, cfg Config) *Gate {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		prober:      prober,
		ledger:      led,
		settleDelay: cfg.SettleDelay,
		policy:      cfg.Policy,
		clock:       clk,
		logger:      logger.With(slog.String("component", "gate")),
	}
}

// AuthorizeStop decides whether w may be stopped right now. Authorization
// requires, conjunctively: current phase exactly draining or
// paused_confirmed with no stop already outstanding; the latest recorded
// observation paused with zero units in flight; a fresh re-probe after
// the settle delay confirming the same; and the optional policy not
// denying. On success the worker's phase is stop_authorized.
//
// A false decision carries the refusal reason; the error return is for
// infrastructure failure only (ledger write, cancellation).
func (g *Gate) AuthorizeStop(ctx context.Context, w fleet.Worker) (Decision, error) {
	phase := g.ledger.Phase(w.ID)
	switch phase {
	case lifecycle.PhaseStopAuthorized, lifecycle.PhaseStopRequested:
		return g.refuse(w, ReasonConcurrentStopAttempt, fmt.Sprintf("stop already in flight, phase %s", phase)), nil
	case lifecycle.PhaseDraining, lifecycle.PhasePausedConfirmed:
	default:
		return g.refuse(w, ReasonPhaseIneligible, fmt.Sprintf("phase %s is not eligible for stop", phase)), nil
	}

	obs, ok := g.ledger.LatestObservation(w.ID)
	if reason, detail := vetObservation(obs, ok); reason != ReasonOK {
		return g.refuse(w, reason, detail), nil
	}

	if g.settleDelay > 0 {
		select {
		case <-g.clock.After(g.settleDelay):
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}

	confirm := g.prober.Probe(ctx, w)
	if err := g.ledger.RecordObservation(confirm); err != nil {
		return Decision{}, fmt.Errorf("recording confirming observation: %w", err)
	}
	if reason, detail := vetObservation(confirm, true); reason != ReasonOK {
		return g.refuse(w, reason, detail), nil
	}

	if g.policy != nil {
		allowed, err := g.policy.Allow(confirm)
		if err != nil {
			// Fail closed: a policy that cannot be evaluated cannot
			// wave a stop through.
			return g.refuse(w, ReasonPolicyDenied, err.Error()), nil
		}
		if !allowed {
			return g.refuse(w, ReasonPolicyDenied, fmt.Sprintf("policy %q evaluated to false", g.policy.Expr())), nil
		}
	}

	if phase == lifecycle.PhaseDraining {
		err := g.ledger.Transition(w.ID, lifecycle.PhaseDraining, lifecycle.PhasePausedConfirmed,
			actorGate, "confirming probe observed paused with zero units in flight")
		if err != nil {
			return g.conflictOrError(w, err)
		}
	}
	err := g.ledger.Transition(w.ID, lifecycle.PhasePausedConfirmed, lifecycle.PhaseStopAuthorized,
		actorGate, "stop conditions held through settle delay")
	if err != nil {
		return g.conflictOrError(w, err)
	}

	g.logger.Info("stop authorized", slog.String("worker_id", w.ID))
	return Decision{Authorized: true, Reason: ReasonOK}, nil
}

// vetObservation applies the evidence requirements to one observation.
// ReasonOK means the observation supports a stop.
func vetObservation(obs probe.Observation, ok bool) (Reason, string) {
	switch {
	case !ok:
		return ReasonAmbiguousState, "no probe observation on record"
	case !obs.Reachable || obs.ClientState == probe.StateUnreachable:
		detail := "worker unreachable"
		if obs.Fault != nil {
			detail += ": " + obs.Fault.Detail
		}
		return ReasonAmbiguousState, detail
	case obs.ClientState != probe.StatePaused:
		return ReasonNotPaused, fmt.Sprintf("agent state %s", obs.ClientState)
	case obs.UnitsInFlight > 0:
		return ReasonUnitsInFlight, fmt.Sprintf("%d units in flight", obs.UnitsInFlight)
	}
	return ReasonOK, ""
}

func (g *Gate) refuse(w fleet.Worker, reason Reason, detail string) Decision {
	g.logger.Warn("stop refused",
		slog.String("worker_id", w.ID),
		slog.String("reason", string(reason)),
		slog.String("detail", detail),
	)
	return Decision{Authorized: false, Reason: reason, Detail: detail}
}

// conflictOrError maps a lost compare-and-swap to a concurrent-stop
// refusal; anything else is an infrastructure failure.
func (g *Gate) conflictOrError(w fleet.Worker, err error) (Decision, error) {
	var conflict *ledger.PhaseConflictError
	if errors.As(err, &conflict) {
		return g.refuse(w, ReasonConcurrentStopAttempt, conflict.Error()), nil
	}
	return Decision{}, fmt.Errorf("advancing phase: %w", err)
}
