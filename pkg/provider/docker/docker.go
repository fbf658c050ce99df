// Package docker implements the provider adapter for local containers. A
// fleet of containers running the agent stands in for cloud VMs in
// integration-style runs, so the whole drain pipeline can be exercised on
// one machine.
package docker

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/drydockproject/drydock/pkg/provider"
)

const (
	// defaultLabel marks containers that belong to a drydock fleet.
	defaultLabel       = "drydock.fleet"
	defaultStopTimeout = 30 * time.Second

	// sshPort is the container port the in-guest agent's SSH server
	// listens on.
	sshPort nat.Port = "22/tcp"
)

// Config configures the docker adapter.
type Config struct {
	// Label is the label selector scoping List, either a bare key or
	// key=value. Defaults to "drydock.fleet".
	Label string
	// StopTimeout is the graceful shutdown window before the daemon
	// kills the container. Defaults to 30s.
	StopTimeout time.Duration
}

// dockerAPI is the slice of the Docker client the adapter uses, split out
// so tests can fake the daemon.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// Adapter implements provider.Adapter for local containers. Worker
// references are container IDs or names.
type Adapter struct {
	api         dockerAPI
	label       string
	stopSeconds int
}

// New creates a docker adapter from the environment (DOCKER_HOST etc).
func New(cfg Config) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newWithAPI(cfg, cli), nil
}

func newWithAPI(cfg Config, api dockerAPI) *Adapter {
	label := cfg.Label
	if label == "" {
		label = defaultLabel
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout == 0 {
		stopTimeout = defaultStopTimeout
	}
	return &Adapter{
		api:         api,
		label:       label,
		stopSeconds: int(stopTimeout.Seconds()),
	}
}

// Name returns the backend name.
func (a *Adapter) Name() string {
	return "docker"
}

// QueryPowerState inspects the container. A container the daemon no longer
// knows about reads as stopped.
func (a *Adapter) QueryPowerState(ctx context.Context, ref string) (provider.PowerState, error) {
	inspect, err := a.api.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return provider.PowerStopped, nil
		}
		return provider.PowerUnknown, provider.Transient("docker", "query", err)
	}
	if inspect.State == nil {
		return provider.PowerUnknown, nil
	}
	return mapState(inspect.State.Status), nil
}

// Stop gracefully stops the container.
func (a *Adapter) Stop(ctx context.Context, ref string) error {
	timeout := a.stopSeconds
	err := a.api.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout})
	if err != nil {
		if client.IsErrNotFound(err) {
			return provider.Permanent("docker", "stop", err)
		}
		return provider.Transient("docker", "stop", err)
	}
	return nil
}

// List returns the fleet-labeled containers, stopped ones included.
func (a *Adapter) List(ctx context.Context) ([]provider.WorkerRef, error) {
	containers, err := a.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", a.label)),
	})
	if err != nil {
		return nil, provider.Transient("docker", "list", err)
	}

	refs := make([]provider.WorkerRef, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		ref := provider.WorkerRef{
			ID:    c.ID,
			Name:  name,
			Power: mapState(c.State),
		}
		// Host port bindings only come back from inspect, not the listing.
		if inspect, err := a.api.ContainerInspect(ctx, c.ID); err == nil {
			ref.Address = sshAddress(inspect.NetworkSettings)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// sshAddress resolves the host endpoint published for the container's SSH
// port. Containers without a published binding return empty, and the
// inventory address stands.
func sshAddress(settings *types.NetworkSettings) string {
	if settings == nil {
		return ""
	}
	for _, binding := range settings.Ports[sshPort] {
		if binding.HostPort == "" {
			continue
		}
		host := binding.HostIP
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		return net.JoinHostPort(host, binding.HostPort)
	}
	return ""
}

// mapState translates container states. A paused container is SIGSTOPped
// but still allocated, so it counts as running.
func mapState(state string) provider.PowerState {
	switch state {
	case "running", "restarting", "paused":
		return provider.PowerRunning
	case "removing":
		return provider.PowerStopping
	case "exited", "dead", "created":
		return provider.PowerStopped
	default:
		return provider.PowerUnknown
	}
}

var _ provider.Adapter = (*Adapter)(nil)
