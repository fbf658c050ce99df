// Package lifecycle defines the per-worker drain lifecycle and its ordering.
package lifecycle

import (
	"fmt"

	"github.com/google/uuid"
)

// Phase is a worker's position in the drain/teardown lifecycle. Phases are
// totally ordered and only move forward, except through an explicit operator
// reset recorded in the ledger.
type Phase int

const (
	// PhaseActive means the worker is taking and executing work units.
	PhaseActive Phase = iota
	// PhaseDrainRequested means the finish signal is being delivered.
	PhaseDrainRequested
	// PhaseDraining means the finish signal was acknowledged and the worker
	// is completing in-flight units.
	PhaseDraining
	// PhasePausedConfirmed means a debounced probe confirmed the agent is
	// paused with zero units in flight.
	PhasePausedConfirmed
	// PhaseStopAuthorized means the safety gate approved a stop.
	PhaseStopAuthorized
	// PhaseStopRequested means a stop call was issued to the backend.
	PhaseStopRequested
	// PhaseStopped means the backend confirmed the worker is powered off.
	PhaseStopped
)

var phaseNames = map[Phase]string{
	PhaseActive:          "active",
	PhaseDrainRequested:  "drain_requested",
	PhaseDraining:        "draining",
	PhasePausedConfirmed: "paused_confirmed",
	PhaseStopAuthorized:  "stop_authorized",
	PhaseStopRequested:   "stop_requested",
	PhaseStopped:         "stopped",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Before reports whether p is strictly earlier in the lifecycle than other.
func (p Phase) Before(other Phase) bool {
	return p < other
}

// Terminal reports whether no further forward transition exists from p.
func (p Phase) Terminal() bool {
	return p == PhaseStopped
}

// Next returns the phase that directly follows p. Calling Next on the
// terminal phase returns the terminal phase.
func (p Phase) Next() Phase {
	if p.Terminal() {
		return p
	}
	return p + 1
}

// ParsePhase maps a phase name back to its Phase. Names are the exact
// strings String produces.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// MarshalText renders the phase name, so JSON-encoded records stay
// greppable.
func (p Phase) MarshalText() ([]byte, error) {
	name, ok := phaseNames[p]
	if !ok {
		return nil, fmt.Errorf("cannot marshal phase %d", int(p))
	}
	return []byte(name), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// NewSessionID returns a unique identifier for one controller run. Every
// ledger record written during the run carries it.
func NewSessionID() string {
	return uuid.New().String()
}
