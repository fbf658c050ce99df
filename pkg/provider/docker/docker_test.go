package docker

import (
	"context"
	"errors"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/drydockproject/drydock/pkg/provider"
)

type notFoundErr struct{}

func (notFoundErr) Error() string { return "Error: No such container" }
func (notFoundErr) NotFound()     {}

type fakeAPI struct {
	inspectState string
	inspectErr   error
	inspectPorts map[string]nat.PortMap
	stopErr      error
	stopped      []string
	stopTimeout  *int
	containers   []types.Container
	listErr      error
	listOptions  container.ListOptions
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	if f.inspectErr != nil {
		return types.ContainerJSON{}, f.inspectErr
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    id,
			State: &types.ContainerState{Status: f.inspectState},
		},
		NetworkSettings: &types.NetworkSettings{
			NetworkSettingsBase: types.NetworkSettingsBase{Ports: f.inspectPorts[id]},
		},
	}, nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	f.stopTimeout = options.Timeout
	return f.stopErr
}

func (f *fakeAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	f.listOptions = options
	return f.containers, f.listErr
}

func TestMapState(t *testing.T) {
	tests := []struct {
		state string
		want  provider.PowerState
	}{
		{"running", provider.PowerRunning},
		{"restarting", provider.PowerRunning},
		{"paused", provider.PowerRunning},
		{"removing", provider.PowerStopping},
		{"exited", provider.PowerStopped},
		{"dead", provider.PowerStopped},
		{"created", provider.PowerStopped},
		{"glitched", provider.PowerUnknown},
	}
	for _, tt := range tests {
		if got := mapState(tt.state); got != tt.want {
			t.Errorf("mapState(%q) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestAdapter_QueryPowerState(t *testing.T) {
	api := &fakeAPI{inspectState: "running"}
	a := newWithAPI(Config{}, api)

	got, err := a.QueryPowerState(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("QueryPowerState() error: %v", err)
	}
	if got != provider.PowerRunning {
		t.Errorf("QueryPowerState() = %v, want running", got)
	}
}

func TestAdapter_QueryPowerStateGoneContainer(t *testing.T) {
	api := &fakeAPI{inspectErr: notFoundErr{}}
	a := newWithAPI(Config{}, api)

	got, err := a.QueryPowerState(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("QueryPowerState() error: %v", err)
	}
	if got != provider.PowerStopped {
		t.Errorf("removed container = %v, want stopped", got)
	}
}

func TestAdapter_QueryPowerStateDaemonDown(t *testing.T) {
	api := &fakeAPI{inspectErr: errors.New("Cannot connect to the Docker daemon")}
	a := newWithAPI(Config{}, api)

	_, err := a.QueryPowerState(context.Background(), "abc123")
	if err == nil {
		t.Fatal("QueryPowerState() should fail when the daemon is down")
	}
	if !provider.IsTransient(err) {
		t.Errorf("daemon error should be transient, got %v", err)
	}
}

func TestAdapter_Stop(t *testing.T) {
	api := &fakeAPI{}
	a := newWithAPI(Config{}, api)

	if err := a.Stop(context.Background(), "abc123"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if len(api.stopped) != 1 || api.stopped[0] != "abc123" {
		t.Errorf("stopped = %v, want [abc123]", api.stopped)
	}
	if api.stopTimeout == nil || *api.stopTimeout != 30 {
		t.Errorf("stop timeout = %v, want 30s default", api.stopTimeout)
	}
}

func TestAdapter_StopMissingContainerIsPermanent(t *testing.T) {
	api := &fakeAPI{stopErr: notFoundErr{}}
	a := newWithAPI(Config{}, api)

	err := a.Stop(context.Background(), "abc123")
	if err == nil {
		t.Fatal("Stop() should fail for a missing container")
	}
	if provider.IsTransient(err) {
		t.Errorf("not-found should be permanent, got %v", err)
	}
}

func TestAdapter_List(t *testing.T) {
	api := &fakeAPI{containers: []types.Container{
		{ID: "aaa", Names: []string{"/cracker-1"}, State: "running"},
		{ID: "bbb", Names: []string{"/cracker-2"}, State: "exited"},
	}}
	a := newWithAPI(Config{Label: "drydock.fleet=alpha"}, api)

	refs, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("List() returned %d refs, want 2", len(refs))
	}
	if refs[0].Name != "cracker-1" {
		t.Errorf("name = %q, want cracker-1 (leading slash trimmed)", refs[0].Name)
	}
	if refs[1].Power != provider.PowerStopped {
		t.Errorf("exited container power = %v, want stopped", refs[1].Power)
	}
	if !api.listOptions.All {
		t.Error("List should include stopped containers")
	}
	if !api.listOptions.Filters.ExactMatch("label", "drydock.fleet=alpha") {
		t.Error("List should filter by the configured label")
	}
}

func TestAdapter_ListResolvesSSHAddress(t *testing.T) {
	api := &fakeAPI{
		inspectState: "running",
		containers: []types.Container{
			{ID: "aaa", Names: []string{"/cracker-1"}, State: "running"},
			{ID: "bbb", Names: []string{"/cracker-2"}, State: "running"},
		},
		inspectPorts: map[string]nat.PortMap{
			"aaa": {"22/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "32768"}}},
		},
	}
	a := newWithAPI(Config{}, api)

	refs, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if got := refs[0].Address; got != "127.0.0.1:32768" {
		t.Errorf("address = %q, want 127.0.0.1:32768", got)
	}
	// No published SSH binding means no address claim.
	if got := refs[1].Address; got != "" {
		t.Errorf("address without binding = %q, want empty", got)
	}
}
