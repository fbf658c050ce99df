// Package provider abstracts the cloud backends' power-control surface.
// The controller needs exactly three things from a backend: the machine's
// power state, a stop call, and an inventory listing. Power state is an
// independent truth from anything the in-guest agent reports; the two are
// cross-checked, never merged.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// PowerState is the backend's view of a machine.
type PowerState string

const (
	PowerRunning  PowerState = "running"
	PowerStopping PowerState = "stopping"
	PowerStopped  PowerState = "stopped"
	PowerUnknown  PowerState = "unknown"
)

// WorkerRef is one machine as the backend lists it.
type WorkerRef struct {
	// ID is the backend's canonical reference, matching fleet inventory IDs.
	ID string
	// Name is the backend-side display name.
	Name string
	// Address is the public address, when the backend reports one.
	Address string
	// Power is the state at listing time.
	Power PowerState
}

// Adapter is the narrow backend interface. Stop must be idempotent from
// the caller's point of view: stopping an already-stopped machine is the
// backend's problem to tolerate, and callers skip the call anyway when the
// power state already reads stopped.
type Adapter interface {
	Name() string
	QueryPowerState(ctx context.Context, ref string) (PowerState, error)
	Stop(ctx context.Context, ref string) error
	List(ctx context.Context) ([]WorkerRef, error)
}

// ErrorKind classifies backend failures by what the caller should do.
type ErrorKind string

const (
	// KindTransient failures are worth a bounded retry.
	KindTransient ErrorKind = "transient"
	// KindPermanent failures must surface immediately.
	KindPermanent ErrorKind = "permanent"
)

// Error is a normalized backend failure.
type Error struct {
	Backend string
	Op      string
	Kind    ErrorKind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable backend failure.
func Transient(backend, op string, err error) *Error {
	return &Error{Backend: backend, Op: op, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable backend failure.
func Permanent(backend, op string, err error) *Error {
	return &Error{Backend: backend, Op: op, Kind: KindPermanent, Err: err}
}

// FromStatus normalizes an HTTP failure: timeouts, throttling, and server
// errors are transient, other client errors are permanent.
func FromStatus(backend, op string, status int, err error) *Error {
	kind := KindPermanent
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		kind = KindTransient
	}
	return &Error{Backend: backend, Op: op, Kind: kind, Err: err}
}

// IsTransient reports whether err is a backend failure worth retrying.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}

// Registry is the closed set of configured adapters. Backend selection
// happens once, at fleet snapshot time, against this set.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the configured adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for a backend name.
func (r *Registry) Get(backend string) (Adapter, error) {
	a, ok := r.adapters[backend]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for backend %q", backend)
	}
	return a, nil
}

// Names returns the configured backend names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
