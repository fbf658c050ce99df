// Package gcp implements the provider adapter for Compute Engine
// instances. Worker references are instance names within the configured
// project and zone.
package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/drydockproject/drydock/pkg/provider"
)

const (
	defaultBaseURL = "https://compute.googleapis.com/compute/v1"
	defaultTimeout = 60 * time.Second
	computeScope   = "https://www.googleapis.com/auth/compute"
)

// Adapter implements provider.Adapter for GCP.
type Adapter struct {
	project string
	zone    string
	baseURL string
	client  *http.Client
}

// Config holds configuration for the GCP adapter.
type Config struct {
	Project string        // GCP project ID
	Zone    string        // zone holding the fleet (e.g. "us-central1-a")
	BaseURL string        // optional, for testing
	Timeout time.Duration // HTTP client timeout
}

// New creates a GCP adapter using Application Default Credentials.
func New(cfg Config) (*Adapter, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("project is required")
	}
	if cfg.Zone == "" {
		return nil, fmt.Errorf("zone is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	client, err := google.DefaultClient(context.Background(), computeScope)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticated client: %w", err)
	}
	client.Timeout = timeout

	return NewWithClient(cfg, client), nil
}

// NewWithClient creates a GCP adapter with a custom HTTP client (for testing).
func NewWithClient(cfg Config, client *http.Client) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		project: cfg.Project,
		zone:    cfg.Zone,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the backend name.
func (a *Adapter) Name() string {
	return "gcp"
}

// QueryPowerState reads the instance and maps its status.
func (a *Adapter) QueryPowerState(ctx context.Context, ref string) (provider.PowerState, error) {
	url := fmt.Sprintf("%s/projects/%s/zones/%s/instances/%s", a.baseURL, a.project, a.zone, ref)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return provider.PowerUnknown, provider.Permanent("gcp", "query", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return provider.PowerUnknown, provider.Transient("gcp", "query", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.PowerUnknown, a.parseError("query", resp)
	}

	var inst instance
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		return provider.PowerUnknown, provider.Permanent("gcp", "query", fmt.Errorf("decoding instance: %w", err))
	}
	return mapStatus(inst.Status), nil
}

// Stop issues an instance stop. GCP returns an operation; the caller
// confirms completion by re-querying the power state.
func (a *Adapter) Stop(ctx context.Context, ref string) error {
	url := fmt.Sprintf("%s/projects/%s/zones/%s/instances/%s/stop", a.baseURL, a.project, a.zone, ref)
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return provider.Permanent("gcp", "stop", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return provider.Transient("gcp", "stop", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return a.parseError("stop", resp)
	}
	return nil
}

// List returns the zone's instances.
func (a *Adapter) List(ctx context.Context) ([]provider.WorkerRef, error) {
	url := fmt.Sprintf("%s/projects/%s/zones/%s/instances", a.baseURL, a.project, a.zone)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, provider.Permanent("gcp", "list", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, provider.Transient("gcp", "list", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.parseError("list", resp)
	}

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, provider.Permanent("gcp", "list", fmt.Errorf("decoding instance list: %w", err))
	}

	refs := make([]provider.WorkerRef, 0, len(list.Items))
	for _, inst := range list.Items {
		refs = append(refs, provider.WorkerRef{
			ID:      inst.Name,
			Name:    inst.Name,
			Address: inst.externalIP(),
			Power:   mapStatus(inst.Status),
		})
	}
	return refs, nil
}

func (a *Adapter) parseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return provider.FromStatus("gcp", op, resp.StatusCode,
			fmt.Errorf("%s (code: %d)", errResp.Error.Message, errResp.Error.Code))
	}
	return provider.FromStatus("gcp", op, resp.StatusCode,
		fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body)))
}

// mapStatus translates Compute Engine instance statuses. TERMINATED is
// GCP's name for stopped-not-deleted.
func mapStatus(status string) provider.PowerState {
	switch status {
	case "RUNNING", "PROVISIONING", "STAGING", "REPAIRING":
		return provider.PowerRunning
	case "STOPPING", "SUSPENDING":
		return provider.PowerStopping
	case "TERMINATED", "SUSPENDED":
		return provider.PowerStopped
	default:
		return provider.PowerUnknown
	}
}

type instance struct {
	Name              string             `json:"name"`
	Status            string             `json:"status"`
	NetworkInterfaces []networkInterface `json:"networkInterfaces"`
}

func (i *instance) externalIP() string {
	for _, ni := range i.NetworkInterfaces {
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	return ""
}

type networkInterface struct {
	AccessConfigs []accessConfig `json:"accessConfigs"`
}

type accessConfig struct {
	NatIP string `json:"natIP"`
}

type listResponse struct {
	Items []instance `json:"items"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var _ provider.Adapter = (*Adapter)(nil)
