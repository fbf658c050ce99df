// Package fake provides a scriptable in-memory adapter for tests. Power
// states play back from per-worker scripts, and every stop call is
// counted, so tests can assert exactly how the controller touched the
// backend.
package fake

import (
	"context"
	"sync"

	"github.com/drydockproject/drydock/pkg/provider"
)

// Fake implements provider.Adapter. Safe for concurrent use.
type Fake struct {
	mu         sync.Mutex
	name       string
	powers     map[string][]provider.PowerState
	queryErrs  map[string][]error
	stopErrs   map[string][]error
	stopCalls  map[string]int
	queryCalls map[string]int
	stopped    map[string]bool
	refs       []provider.WorkerRef
	listErr    error
}

// New returns an empty fake backend named "fake".
func New() *Fake {
	return &Fake{
		name:       "fake",
		powers:     make(map[string][]provider.PowerState),
		queryErrs:  make(map[string][]error),
		stopErrs:   make(map[string][]error),
		stopCalls:  make(map[string]int),
		queryCalls: make(map[string]int),
		stopped:    make(map[string]bool),
	}
}

// Named returns a fake that reports the given backend name, for tests that
// need it to stand in for a specific backend.
func Named(name string) *Fake {
	f := New()
	f.name = name
	return f
}

func (f *Fake) Name() string {
	return f.name
}

// QueryPowerState plays back the scripted power sequence; the last state
// repeats once the script runs out. Unscripted workers read running until
// stopped, then stopped.
func (f *Fake) QueryPowerState(ctx context.Context, ref string) (provider.PowerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queryCalls[ref]++
	if errs := f.queryErrs[ref]; len(errs) > 0 {
		err := errs[0]
		f.queryErrs[ref] = errs[1:]
		return provider.PowerUnknown, err
	}
	if seq := f.powers[ref]; len(seq) > 0 {
		state := seq[0]
		if len(seq) > 1 {
			f.powers[ref] = seq[1:]
		}
		return state, nil
	}
	if f.stopped[ref] {
		return provider.PowerStopped, nil
	}
	return provider.PowerRunning, nil
}

// Stop counts the call, returns the next scripted error if any, and
// otherwise marks the worker stopped.
func (f *Fake) Stop(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopCalls[ref]++
	if errs := f.stopErrs[ref]; len(errs) > 0 {
		err := errs[0]
		f.stopErrs[ref] = errs[1:]
		return err
	}
	f.stopped[ref] = true
	return nil
}

// List returns the configured refs.
func (f *Fake) List(ctx context.Context) ([]provider.WorkerRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]provider.WorkerRef, len(f.refs))
	copy(out, f.refs)
	return out, nil
}

// ScriptPower sets the power states successive queries will see.
func (f *Fake) ScriptPower(ref string, states ...provider.PowerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powers[ref] = states
}

// FailQuery queues errors for successive power queries.
func (f *Fake) FailQuery(ref string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErrs[ref] = append(f.queryErrs[ref], errs...)
}

// FailStop queues errors for successive stop calls.
func (f *Fake) FailStop(ref string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopErrs[ref] = append(f.stopErrs[ref], errs...)
}

// SetRefs configures what List returns.
func (f *Fake) SetRefs(refs ...provider.WorkerRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = refs
}

// StopCalls reports how many times Stop was called for the worker.
func (f *Fake) StopCalls(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls[ref]
}

// QueryCalls reports how many times QueryPowerState was called.
func (f *Fake) QueryCalls(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls[ref]
}

var _ provider.Adapter = (*Fake)(nil)
