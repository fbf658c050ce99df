// Package drain runs the drain and teardown pipelines: request a finish,
// poll until the agent pauses, authorize through the safety gate, and
// stop through the backend. Work fans out one goroutine per worker under
// a concurrency bound; workers share nothing but the ledger, so one
// worker's failure never blocks the rest of the fleet.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/drydockproject/drydock/pkg/clock"
	"github.com/drydockproject/drydock/pkg/fleet"
	"github.com/drydockproject/drydock/pkg/gate"
	"github.com/drydockproject/drydock/pkg/lifecycle"
	"github.com/drydockproject/drydock/pkg/notify"
	"github.com/drydockproject/drydock/pkg/observability"
	"github.com/drydockproject/drydock/pkg/probe"
	"github.com/drydockproject/drydock/pkg/provider"
	"github.com/drydockproject/drydock/pkg/retry"
)

const actorCoordinator = "coordinator"

// ErrDrainTimeout means the worker did not pause before the drain
// timeout. The worker's phase stays at draining for a later retry or
// operator decision.
var ErrDrainTimeout = errors.New("worker did not pause before the drain timeout")

// Authorizer approves stops. Satisfied by *gate.Gate.
type Authorizer interface {
	AuthorizeStop(ctx context.Context, w fleet.Worker) (gate.Decision, error)
}

// Ledger is the slice of the state ledger the coordinator needs.
type Ledger interface {
	Phase(workerID string) lifecycle.Phase
	Transition(workerID string, prior, next lifecycle.Phase, actor, reason string) error
	RecordObservation(obs probe.Observation) error
}

// Config tunes the coordinator.
type Config struct {
	// SessionID identifies this drain session in notifications.
	SessionID string

	// Fleet names the fleet being drained, for notifications.
	Fleet string

	// Interval between paused-state polls. Default: 30s.
	Interval time.Duration

	// Timeout bounds one worker's whole drain. Default: 20m.
	Timeout time.Duration

	// Concurrency bounds simultaneous worker pipelines. Default: 8.
	Concurrency int

	// SignalRetry configures finish-signal delivery retries.
	// Default: retry.DefaultConfig.
	SignalRetry *retry.Config

	// StopRetry configures backend call retries. Default:
	// retry.DefaultConfig retrying only transient provider errors.
	StopRetry *retry.Config

	// Clock defaults to real time.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Deps are the coordinator's collaborators. Notifier and Metrics are
// optional; everything else must be set.
type Deps struct {
	Prober    probe.Prober
	Signaler  probe.FinishSignaler
	Ledger    Ledger
	Gate      Authorizer
	Providers *provider.Registry
	Notifier  notify.Notifier
	Metrics   *observability.SessionMetrics
}

// Coordinator drives workers through the drain lifecycle.
type Coordinator struct {
	prober    probe.Prober
	signaler  probe.FinishSignaler
	ledger    Ledger
	gate      Authorizer
	providers *provider.Registry
	notifier  notify.Notifier
	metrics   *observability.SessionMetrics

	sessionID   string
	fleetName   string
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	signalRetry retry.Config
	stopRetry   retry.Config
	clock       clock.Clock
	logger      *slog.Logger
}

// New creates a coordinator.
func New(deps Deps, cfg Config) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	signalRetry := retry.DefaultConfig()
	if cfg.SignalRetry != nil {
		signalRetry = *cfg.SignalRetry
	}
	stopRetry := retry.DefaultConfig()
	stopRetry.RetryableFunc = provider.IsTransient
	if cfg.StopRetry != nil {
		stopRetry = *cfg.StopRetry
	}
	if signalRetry.Clock == nil {
		signalRetry.Clock = clk
	}
	if stopRetry.Clock == nil {
		stopRetry.Clock = clk
	}

	return &Coordinator{
		prober:      deps.Prober,
		signaler:    deps.Signaler,
		ledger:      deps.Ledger,
		gate:        deps.Gate,
		providers:   deps.Providers,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		sessionID:   cfg.SessionID,
		fleetName:   cfg.Fleet,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		concurrency: cfg.Concurrency,
		signalRetry: signalRetry,
		stopRetry:   stopRetry,
		clock:       clk,
		logger:      logger.With(slog.String("component", "drain")),
	}
}

// RequestDrain delivers the finish signal and records the drain request.
// Idempotent: workers already draining or further along are left alone,
// and a worker stuck at drain_requested from an interrupted run gets the
// signal again (delivery is idempotent agent-side).
func (c *Coordinator) RequestDrain(ctx context.Context, w fleet.Worker) error {
	switch phase := c.ledger.Phase(w.ID); phase {
	case lifecycle.PhaseActive:
		if err := c.transition(w.ID, lifecycle.PhaseActive, lifecycle.PhaseDrainRequested, "drain requested"); err != nil {
			return err
		}
	case lifecycle.PhaseDrainRequested:
		// Signal may not have landed last time; resend below.
	default:
		return nil
	}

	err := retry.Do(ctx, c.signalRetry, func(ctx context.Context) error {
		return c.signaler.SignalFinish(ctx, w)
	})
	if err != nil {
		return fmt.Errorf("delivering finish signal to %s: %w", w.ID, err)
	}

	if err := c.transition(w.ID, lifecycle.PhaseDrainRequested, lifecycle.PhaseDraining, "finish signal delivered"); err != nil {
		return err
	}
	c.notify(ctx, notify.EventDrainRequested, w.ID, lifecycle.PhaseDraining, "")
	return nil
}

// PollUntilPaused probes w every interval until the agent reports paused
// with zero units in flight, then records the paused confirmation. Zero
// interval or timeout fall back to the coordinator's defaults. Returns
// ErrDrainTimeout when the deadline passes first; the phase then stays at
// draining. Returns within timeout plus one interval for any probe
// behavior, and checks cancellation between iterations.
func (c *Coordinator) PollUntilPaused(ctx context.Context, w fleet.Worker, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = c.interval
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	start := c.clock.Now()
	err := retry.Poll(ctx, retry.PollConfig{Interval: interval, Timeout: timeout, Clock: c.clock},
		func(ctx context.Context) (bool, error) {
			obs := c.prober.Probe(ctx, w)
			c.metrics.RecordProbe(string(obs.ClientState))
			if err := c.ledger.RecordObservation(obs); err != nil {
				return false, fmt.Errorf("recording observation: %w", err)
			}
			if obs.Reachable && obs.ClientState == probe.StatePaused && obs.UnitsInFlight == 0 {
				return true, nil
			}
			c.logger.Debug("worker not paused yet",
				slog.String("worker_id", w.ID),
				slog.String("state", string(obs.ClientState)),
				slog.Int("units", obs.UnitsInFlight),
			)
			return false, nil
		})
	if err != nil {
		if errors.Is(err, retry.ErrTimeout) {
			c.notify(ctx, notify.EventDrainTimeout, w.ID, lifecycle.PhaseDraining, "")
			return fmt.Errorf("worker %s: %w", w.ID, ErrDrainTimeout)
		}
		return err
	}

	if err := c.transition(w.ID, lifecycle.PhaseDraining, lifecycle.PhasePausedConfirmed, "probe observed paused with zero units in flight"); err != nil {
		return err
	}
	c.metrics.ObserveDrainDuration(c.clock.Since(start))
	c.notify(ctx, notify.EventWorkerPaused, w.ID, lifecycle.PhasePausedConfirmed, "")
	return nil
}

// DrainWorker runs one worker's full drain: request, then poll until
// paused. Workers already paused or further along are left alone.
func (c *Coordinator) DrainWorker(ctx context.Context, w fleet.Worker) error {
	if !c.ledger.Phase(w.ID).Before(lifecycle.PhasePausedConfirmed) {
		return nil
	}
	if err := c.RequestDrain(ctx, w); err != nil {
		return err
	}
	return c.PollUntilPaused(ctx, w, c.interval, c.timeout)
}

// DrainFleet drains every worker concurrently under the concurrency
// bound (0 means the configured default). Per-worker failures land in
// the result, never abort the fleet.
func (c *Coordinator) DrainFleet(ctx context.Context, workers []fleet.Worker, concurrency int) FleetResult {
	c.logger.Info("draining fleet",
		slog.String("fleet", c.fleetName),
		slog.Int("workers", len(workers)),
	)
	res := c.forEachWorker(ctx, workers, concurrency, c.DrainWorker)
	c.notifySessionDone(ctx, res)
	return res
}

// TeardownWorker drains w, asks the gate for stop authorization, and
// stops the machine through its backend. A gate refusal returns
// *RefusedError and leaves the phase wherever the ledger has it.
func (c *Coordinator) TeardownWorker(ctx context.Context, w fleet.Worker) error {
	if err := c.DrainWorker(ctx, w); err != nil {
		return err
	}

	phase := c.ledger.Phase(w.ID)
	if phase == lifecycle.PhaseStopped {
		return nil
	}

	// Workers left at stop_authorized or stop_requested by an
	// interrupted run resume at the stop; everything earlier goes
	// through the gate.
	if phase.Before(lifecycle.PhaseStopAuthorized) {
		decision, err := c.gate.AuthorizeStop(ctx, w)
		if err != nil {
			return fmt.Errorf("authorizing stop for %s: %w", w.ID, err)
		}
		if !decision.Authorized {
			c.notify(ctx, notify.EventStopRefused, w.ID, c.ledger.Phase(w.ID), string(decision.Reason))
			return &RefusedError{Decision: decision}
		}
		c.notify(ctx, notify.EventStopAuthorized, w.ID, lifecycle.PhaseStopAuthorized, "")
	}

	return c.stopWorker(ctx, w)
}

// TeardownFleet runs the full pipeline for every worker concurrently
// under the concurrency bound (0 means the configured default).
func (c *Coordinator) TeardownFleet(ctx context.Context, workers []fleet.Worker, concurrency int) FleetResult {
	c.logger.Info("tearing down fleet",
		slog.String("fleet", c.fleetName),
		slog.Int("workers", len(workers)),
	)
	res := c.forEachWorker(ctx, workers, concurrency, c.TeardownWorker)
	c.notifySessionDone(ctx, res)
	return res
}

// stopWorker performs the irreversible half: a final backend power
// cross-check, then the stop call. The context is consulted before the
// stop is issued, never honored mid-call.
func (c *Coordinator) stopWorker(ctx context.Context, w fleet.Worker) error {
	adapter, err := c.providers.Get(w.Backend)
	if err != nil {
		return err
	}

	power, err := retry.DoWithValue(ctx, c.stopRetry, func(ctx context.Context) (provider.PowerState, error) {
		return adapter.QueryPowerState(ctx, w.ID)
	})
	if err != nil {
		return fmt.Errorf("querying power state for %s: %w", w.ID, err)
	}

	phase := c.ledger.Phase(w.ID)

	if power == provider.PowerStopped {
		// Already satisfied; no stop call.
		c.metrics.RecordStopAttempt(observability.StopResultAlreadyStopped)
		if err := c.transition(w.ID, phase, lifecycle.PhaseStopped, "backend already reported stopped; stop call skipped"); err != nil {
			return err
		}
		c.notify(ctx, notify.EventWorkerStopped, w.ID, lifecycle.PhaseStopped, "already stopped")
		return nil
	}

	// A cancelled session must not start an irreversible call.
	if err := ctx.Err(); err != nil {
		return err
	}

	switch phase {
	case lifecycle.PhaseStopAuthorized:
		// This compare-and-swap is the claim on the stop call itself:
		// whoever loses it must not dial the backend.
		if err := c.transition(w.ID, lifecycle.PhaseStopAuthorized, lifecycle.PhaseStopRequested, "issuing backend stop call"); err != nil {
			return err
		}
	case lifecycle.PhaseStopRequested:
		// A stop call already went out in an earlier run and the backend
		// still reports the machine up. Reissuing automatically risks a
		// duplicate stop; the operator decides, via reset.
		return fmt.Errorf("worker %s is stop_requested with backend power %s; operator intervention required", w.ID, power)
	default:
		return fmt.Errorf("worker %s phase %s cannot accept a stop call", w.ID, phase)
	}

	stopErr := retry.Do(ctx, c.stopRetry, func(ctx context.Context) error {
		return adapter.Stop(ctx, w.ID)
	})
	if stopErr != nil {
		// The call may have landed despite the error; believe the
		// backend over the failure.
		if power, qerr := adapter.QueryPowerState(ctx, w.ID); qerr == nil && power == provider.PowerStopped {
			c.metrics.RecordStopAttempt(observability.StopResultStopped)
			if err := c.transition(w.ID, lifecycle.PhaseStopRequested, lifecycle.PhaseStopped, "backend reports stopped after failed stop call"); err != nil {
				return err
			}
			c.notify(ctx, notify.EventWorkerStopped, w.ID, lifecycle.PhaseStopped, "")
			return nil
		}
		// Phase stays stop_requested for the operator.
		c.metrics.RecordStopAttempt(observability.StopResultFailed)
		return fmt.Errorf("stopping %s: %w", w.ID, stopErr)
	}

	c.metrics.RecordStopAttempt(observability.StopResultStopped)
	if err := c.transition(w.ID, lifecycle.PhaseStopRequested, lifecycle.PhaseStopped, "backend stop call succeeded"); err != nil {
		return err
	}
	c.notify(ctx, notify.EventWorkerStopped, w.ID, lifecycle.PhaseStopped, "")
	return nil
}

// forEachWorker fans fn out over the workers, one goroutine each, at
// most concurrency in flight. Outcomes are isolated per worker.
func (c *Coordinator) forEachWorker(ctx context.Context, workers []fleet.Worker, concurrency int, fn func(context.Context, fleet.Worker) error) FleetResult {
	if concurrency <= 0 {
		concurrency = c.concurrency
	}

	results := make([]WorkerResult, len(workers))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, w := range workers {
		wg.Add(1)
		go func(i int, w fleet.Worker) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = WorkerResult{Worker: w, Phase: c.ledger.Phase(w.ID), Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			err := fn(ctx, w)
			results[i] = WorkerResult{Worker: w, Phase: c.ledger.Phase(w.ID), Err: err}
		}(i, w)
	}
	wg.Wait()

	return FleetResult{Results: results}
}

func (c *Coordinator) transition(workerID string, prior, next lifecycle.Phase, reason string) error {
	if err := c.ledger.Transition(workerID, prior, next, actorCoordinator, reason); err != nil {
		return fmt.Errorf("advancing %s to %s: %w", workerID, next, err)
	}
	c.metrics.RecordTransition(prior, next)
	return nil
}

func (c *Coordinator) notify(ctx context.Context, eventType, workerID string, phase lifecycle.Phase, reason string) {
	if c.notifier == nil {
		return
	}
	event := notify.Event{
		Type:      eventType,
		SessionID: c.sessionID,
		Fleet:     c.fleetName,
		WorkerID:  workerID,
		Phase:     phase.String(),
		Reason:    reason,
		Timestamp: c.clock.Now().UTC().Format(time.RFC3339),
	}
	if err := c.notifier.Notify(ctx, event); err != nil {
		c.logger.Warn("notification failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) notifySessionDone(ctx context.Context, res FleetResult) {
	if c.notifier == nil {
		return
	}
	event := notify.Event{
		Type:      notify.EventSessionDone,
		SessionID: c.sessionID,
		Fleet:     c.fleetName,
		Reason:    fmt.Sprintf("%d workers, %d failed", len(res.Results), len(res.Failed())),
		Timestamp: c.clock.Now().UTC().Format(time.RFC3339),
	}
	if err := c.notifier.Notify(ctx, event); err != nil {
		c.logger.Warn("notification failed",
			slog.String("event", notify.EventSessionDone),
			slog.String("error", err.Error()),
		)
	}
}
