// Package lambda implements the provider adapter for Lambda Labs Cloud.
// Lambda has no stop-but-keep operation, so Stop terminates the instance;
// for ephemeral fleet workers the distinction does not matter, the machine
// only has to end up off.
package lambda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/drydockproject/drydock/pkg/provider"
)

const (
	defaultBaseURL = "https://cloud.lambdalabs.com/api/v1"
	defaultTimeout = 30 * time.Second
)

// Adapter implements provider.Adapter for Lambda Labs.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// Config holds configuration for the Lambda Labs adapter.
type Config struct {
	APIKey  string        // resolved from an env var by the config layer
	BaseURL string        // optional, defaults to the Lambda Labs API
	Timeout time.Duration // HTTP client timeout
}

// New creates a Lambda Labs adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return NewWithClient(cfg, &http.Client{Timeout: timeout}), nil
}

// NewWithClient creates a Lambda Labs adapter with a custom HTTP client (for testing).
func NewWithClient(cfg Config, client *http.Client) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  client,
	}
}

// Name returns the backend name.
func (a *Adapter) Name() string {
	return "lambda"
}

// QueryPowerState reads the instance and maps its status.
func (a *Adapter) QueryPowerState(ctx context.Context, ref string) (provider.PowerState, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/instances/"+ref, nil)
	if err != nil {
		return provider.PowerUnknown, provider.Permanent("lambda", "query", err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return provider.PowerUnknown, provider.Transient("lambda", "query", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// A terminated instance eventually disappears from the API.
		return provider.PowerStopped, nil
	}
	if resp.StatusCode != http.StatusOK {
		return provider.PowerUnknown, a.parseError("query", resp)
	}

	var getResp getInstanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&getResp); err != nil {
		return provider.PowerUnknown, provider.Permanent("lambda", "query", fmt.Errorf("decoding instance: %w", err))
	}
	return mapStatus(getResp.Data.Status), nil
}

// Stop terminates the instance.
func (a *Adapter) Stop(ctx context.Context, ref string) error {
	body, err := json.Marshal(terminateRequest{InstanceIDs: []string{ref}})
	if err != nil {
		return provider.Permanent("lambda", "stop", fmt.Errorf("marshaling request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/instance-operations/terminate", bytes.NewReader(body))
	if err != nil {
		return provider.Permanent("lambda", "stop", err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return provider.Transient("lambda", "stop", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.parseError("stop", resp)
	}
	return nil
}

// List returns all instances visible to the API key.
func (a *Adapter) List(ctx context.Context) ([]provider.WorkerRef, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/instances", nil)
	if err != nil {
		return nil, provider.Permanent("lambda", "list", err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transient("lambda", "list", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.parseError("list", resp)
	}

	var listResp listInstancesResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, provider.Permanent("lambda", "list", fmt.Errorf("decoding instance list: %w", err))
	}

	refs := make([]provider.WorkerRef, 0, len(listResp.Data))
	for _, inst := range listResp.Data {
		refs = append(refs, provider.WorkerRef{
			ID:      inst.ID,
			Name:    inst.Name,
			Address: inst.IP,
			Power:   mapStatus(inst.Status),
		})
	}
	return refs, nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (a *Adapter) parseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return provider.FromStatus("lambda", op, resp.StatusCode,
			fmt.Errorf("%s (code: %s)", errResp.Error.Message, errResp.Error.Code))
	}
	return provider.FromStatus("lambda", op, resp.StatusCode,
		fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body)))
}

// mapStatus translates Lambda instance statuses. Unhealthy machines are
// still powered, so they map to running.
func mapStatus(status string) provider.PowerState {
	switch status {
	case "active", "booting", "unhealthy":
		return provider.PowerRunning
	case "terminating":
		return provider.PowerStopping
	case "terminated":
		return provider.PowerStopped
	default:
		return provider.PowerUnknown
	}
}

type terminateRequest struct {
	InstanceIDs []string `json:"instance_ids"`
}

type getInstanceResponse struct {
	Data instanceData `json:"data"`
}

type listInstancesResponse struct {
	Data []instanceData `json:"data"`
}

type instanceData struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IP     string `json:"ip"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var _ provider.Adapter = (*Adapter)(nil)
