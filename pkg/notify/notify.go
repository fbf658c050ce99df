// Package notify delivers session lifecycle events to operator systems.
// Notifications are advisory: the ledger is the durable record, so delivery
// failures are logged and never block a drain or teardown.
package notify

import (
	"context"
	"errors"
)

// Event types emitted over a drain or teardown session.
const (
	EventDrainRequested = "drain_requested"
	EventWorkerPaused   = "worker_paused"
	EventDrainTimeout   = "drain_timeout"
	EventStopAuthorized = "stop_authorized"
	EventStopRefused    = "stop_refused"
	EventWorkerStopped  = "worker_stopped"
	EventSessionDone    = "session_done"
)

// Event is one notable moment in a drain or teardown session.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Fleet     string `json:"fleet,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Notifier delivers session events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Fanout delivers each event to every notifier. All notifiers see the
// event even when an earlier one fails; the errors are joined.
type Fanout []Notifier

// Notify delivers the event to every member.
func (f Fanout) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
