// Package fleet resolves the set of workers a controller session operates
// on. The inventory comes from the provisioning layer's output state and is
// read exactly once per session: membership decisions and backend selection
// happen against one immutable snapshot, never against a file that may
// change mid-run.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable reports that the fleet inventory could not be read or
// holds no workers. The session must not proceed on a partial or guessed
// fleet, so callers treat this as fatal rather than retrying.
var ErrUnavailable = errors.New("fleet inventory unavailable")

// Worker is one fleet member. Immutable once snapshotted.
type Worker struct {
	// ID is the backend's canonical reference for the machine: the
	// resource ID on azure, instance ID on gcp/lambda, container ID on
	// docker.
	ID string
	// Backend names the provider adapter that owns this worker.
	Backend string
	// Address is what the SSH probe dials.
	Address string
	// DisplayName is the human-facing name from the inventory.
	DisplayName string
	// RegisteredAt is when the provisioning layer created the worker,
	// when the inventory carries it.
	RegisteredAt time.Time
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Path locates the inventory document.
	Path string
	// Output names the terraform output holding the worker list. Ignored
	// when the document is a bare JSON array. Defaults to "workers".
	Output string
	// Backends is the set of configured backend names. Workers naming any
	// other backend fail the snapshot.
	Backends []string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Registry loads the fleet snapshot. Safe for concurrent use; the
// underlying document is read at most once.
type Registry struct {
	path     string
	output   string
	backends map[string]struct{}
	logger   *slog.Logger

	once    sync.Once
	workers []Worker
	err     error
}

// NewRegistry returns a Registry that will read the inventory on first use.
func NewRegistry(cfg RegistryConfig) *Registry {
	output := cfg.Output
	if output == "" {
		output = "workers"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backends := make(map[string]struct{}, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backends[b] = struct{}{}
	}
	return &Registry{
		path:     cfg.Path,
		output:   output,
		backends: backends,
		logger:   logger.With(slog.String("component", "fleet")),
	}
}

// Snapshot returns the fleet. The first call reads and validates the
// inventory; later calls return the same slice, errors included.
func (r *Registry) Snapshot(ctx context.Context) ([]Worker, error) {
	r.once.Do(func() {
		r.workers, r.err = r.load(ctx)
		if r.err == nil {
			r.logger.Info("fleet snapshot loaded",
				slog.String("path", r.path),
				slog.Int("workers", len(r.workers)))
		}
	})
	return r.workers, r.err
}

// Find resolves idOrName against the snapshot: exact ID, exact display
// name, then unique ID prefix. Snapshot must have been taken first.
func (r *Registry) Find(ctx context.Context, idOrName string) (Worker, error) {
	workers, err := r.Snapshot(ctx)
	if err != nil {
		return Worker{}, err
	}
	for _, w := range workers {
		if w.ID == idOrName || w.DisplayName == idOrName {
			return w, nil
		}
	}
	var matches []Worker
	for _, w := range workers {
		if strings.HasPrefix(w.ID, idOrName) {
			matches = append(matches, w)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return Worker{}, fmt.Errorf("no worker matches %q", idOrName)
	default:
		return Worker{}, fmt.Errorf("worker reference %q is ambiguous (%d matches)", idOrName, len(matches))
	}
}

type inventoryEntry struct {
	Name         string `json:"name"`
	Backend      string `json:"backend"`
	Address      string `json:"address"`
	ID           string `json:"id"`
	RegisteredAt string `json:"registered_at"`
}

func (r *Registry) load(ctx context.Context) ([]Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, r.path, err)
	}

	entries, err := r.parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrUnavailable, r.path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s lists no workers", ErrUnavailable, r.path)
	}

	workers := make([]Worker, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("%w: entry %d has no id", ErrUnavailable, i)
		}
		if e.Address == "" {
			return nil, fmt.Errorf("%w: worker %s has no address", ErrUnavailable, e.ID)
		}
		if _, ok := r.backends[e.Backend]; !ok {
			return nil, fmt.Errorf("%w: worker %s names unconfigured backend %q", ErrUnavailable, e.ID, e.Backend)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate worker id %s", ErrUnavailable, e.ID)
		}
		seen[e.ID] = struct{}{}

		w := Worker{
			ID:          e.ID,
			Backend:     e.Backend,
			Address:     e.Address,
			DisplayName: e.Name,
		}
		if w.DisplayName == "" {
			w.DisplayName = e.ID
		}
		if e.RegisteredAt != "" {
			ts, err := time.Parse(time.RFC3339, e.RegisteredAt)
			if err != nil {
				return nil, fmt.Errorf("%w: worker %s registered_at: %v", ErrUnavailable, e.ID, err)
			}
			w.RegisteredAt = ts
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// parse accepts either a bare JSON array of workers or a terraform
// `output -json` document with the list under the configured output name.
func (r *Registry) parse(data []byte) ([]inventoryEntry, error) {
	var entries []inventoryEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		return entries, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("not a worker list or output document: %w", err)
	}
	raw, ok := doc[r.output]
	if !ok {
		return nil, fmt.Errorf("document has no %q output", r.output)
	}

	var wrapped struct {
		Value []inventoryEntry `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Value != nil {
		return wrapped.Value, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("output %q is not a worker list: %w", r.output, err)
	}
	return entries, nil
}
