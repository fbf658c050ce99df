// Package probe observes the in-guest agent on a worker over SSH and
// delivers the finish signal. A probe reports what it saw, enumerated and
// unmerged: reachability, agent state, and in-flight unit count are three
// separate facts, because the safety gate treats "unreachable" and "paused"
// very differently even though a naive health check would call both "down".
package probe

import (
	"context"
	"time"

	"github.com/drydockproject/drydock/pkg/fleet"
)

// ClientState is the agent's self-reported execution state.
type ClientState string

const (
	// StateUnknown means the worker answered but the agent state could
	// not be determined.
	StateUnknown ClientState = "unknown"
	// StateRunning means the agent is executing work units.
	StateRunning ClientState = "running"
	// StateFinishing means the agent acknowledged the finish signal and is
	// completing in-flight units.
	StateFinishing ClientState = "finishing"
	// StatePaused means the agent stopped taking work.
	StatePaused ClientState = "paused"
	// StateUnreachable means the worker could not be probed at all.
	// It says nothing about the machine's power state.
	StateUnreachable ClientState = "unreachable"
)

// FaultKind enumerates how a probe can fail.
type FaultKind string

const (
	// FaultConnectTimeout covers dial timeouts, refused connections, and
	// transport failures mid-session.
	FaultConnectTimeout FaultKind = "connect_timeout"
	// FaultAuthFailure covers SSH handshake and authentication rejection.
	FaultAuthFailure FaultKind = "auth_failure"
	// FaultParseError means the worker answered but its output did not
	// match the expected format.
	FaultParseError FaultKind = "parse_error"
)

// Fault describes a probe failure. Carried on the observation rather than
// returned as an error: a failed probe is still a valid observation.
type Fault struct {
	Kind   FaultKind `json:"kind"`
	Detail string    `json:"detail"`
}

// Observation is one probe result for one worker.
type Observation struct {
	WorkerID      string      `json:"worker_id"`
	Timestamp     time.Time   `json:"timestamp"`
	Reachable     bool        `json:"reachable"`
	ClientState   ClientState `json:"client_state"`
	UnitsInFlight int         `json:"units_in_flight"`
	Fault         *Fault      `json:"fault,omitempty"`
}

// Prober reports a worker's agent state.
type Prober interface {
	Probe(ctx context.Context, w fleet.Worker) Observation
}

// FinishSignaler asks a worker's agent to finish its current unit and
// pause. The request must be idempotent on the agent side.
type FinishSignaler interface {
	SignalFinish(ctx context.Context, w fleet.Worker) error
}

// CommandSet holds the remote commands the probe runs. Commands are
// rendered as templates with shell-escaped worker fields available as
// {{.WorkerID}}, {{.DisplayName}}, {{.Backend}} and {{.Address}}.
type CommandSet struct {
	// Liveness must exit zero on a healthy host.
	Liveness string `yaml:"liveness"`
	// State must print exactly one of: running, finishing, paused.
	State string `yaml:"state"`
	// Units must print the number of in-flight work units as an integer.
	Units string `yaml:"units"`
	// Finish requests finish-and-pause. Repeat delivery must be harmless.
	Finish string `yaml:"finish"`
}

// DefaultCommandSet returns the agentctl command set the fleet images ship.
func DefaultCommandSet() CommandSet {
	return CommandSet{
		Liveness: "true",
		State:    "agentctl state",
		Units:    "agentctl inflight",
		Finish:   "agentctl finish",
	}
}

func (c *CommandSet) applyDefaults() {
	d := DefaultCommandSet()
	if c.Liveness == "" {
		c.Liveness = d.Liveness
	}
	if c.State == "" {
		c.State = d.State
	}
	if c.Units == "" {
		c.Units = d.Units
	}
	if c.Finish == "" {
		c.Finish = d.Finish
	}
}
