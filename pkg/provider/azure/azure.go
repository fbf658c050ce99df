// Package azure implements the provider adapter for Azure virtual
// machines over the Resource Manager REST API. Stop maps to deallocate so
// a stopped worker releases its compute allocation.
package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/drydockproject/drydock/pkg/provider"
)

const (
	defaultBaseURL   = "https://management.azure.com"
	defaultSecretEnv = "AZURE_CLIENT_SECRET"
	defaultTimeout   = 60 * time.Second
	apiVersion       = "2024-07-01"
)

// Adapter implements provider.Adapter for Azure. Worker references are VM
// names; the subscription and resource group come from configuration.
type Adapter struct {
	subscription  string
	resourceGroup string
	baseURL       string
	client        *http.Client
}

// Config holds Azure credentials and scope.
type Config struct {
	SubscriptionID string        // Azure subscription holding the fleet
	ResourceGroup  string        // resource group holding the fleet VMs
	TenantID       string        // Entra tenant for client-credential auth
	ClientID       string        // service principal application ID
	SecretEnv      string        // env var with the client secret, default AZURE_CLIENT_SECRET
	BaseURL        string        // optional, for testing
	Timeout        time.Duration // HTTP client timeout
}

// New creates an Azure adapter authenticating with client credentials.
// The client secret is read from the configured env var so it never lives
// in a config file.
func New(cfg Config) (*Adapter, error) {
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required")
	}
	if cfg.ResourceGroup == "" {
		return nil, fmt.Errorf("resource_group is required")
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	secretEnv := cfg.SecretEnv
	if secretEnv == "" {
		secretEnv = defaultSecretEnv
	}
	secret := os.Getenv(secretEnv)
	if secret == "" {
		return nil, fmt.Errorf("client secret env var %s is not set", secretEnv)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://management.azure.com/.default"},
	}
	client := cc.Client(context.Background())
	client.Timeout = timeout

	return newWithClient(cfg, client), nil
}

// NewWithClient creates an Azure adapter with a custom HTTP client (for testing).
func NewWithClient(cfg Config, client *http.Client) *Adapter {
	return newWithClient(cfg, client)
}

func newWithClient(cfg Config, client *http.Client) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		subscription:  cfg.SubscriptionID,
		resourceGroup: cfg.ResourceGroup,
		baseURL:       baseURL,
		client:        client,
	}
}

// Name returns the backend name.
func (a *Adapter) Name() string {
	return "azure"
}

// QueryPowerState reads the VM instance view and maps its power status.
func (a *Adapter) QueryPowerState(ctx context.Context, ref string) (provider.PowerState, error) {
	url := a.vmURL(ref, "/instanceView")
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return provider.PowerUnknown, provider.Permanent("azure", "query", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return provider.PowerUnknown, provider.Transient("azure", "query", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.PowerUnknown, a.parseError("query", resp)
	}

	var view instanceView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return provider.PowerUnknown, provider.Permanent("azure", "query", fmt.Errorf("decoding instance view: %w", err))
	}
	return view.powerState(), nil
}

// Stop deallocates the VM. Azure accepts deallocate on machines that are
// already deallocating or deallocated, so repeats are harmless.
func (a *Adapter) Stop(ctx context.Context, ref string) error {
	url := a.vmURL(ref, "/deallocate")
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return provider.Permanent("azure", "stop", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return provider.Transient("azure", "stop", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return a.parseError("stop", resp)
	}
	return nil
}

// List returns the resource group's VMs with their power states.
func (a *Adapter) List(ctx context.Context) ([]provider.WorkerRef, error) {
	url := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines?$expand=instanceView&api-version=%s",
		a.baseURL, a.subscription, a.resourceGroup, apiVersion)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, provider.Permanent("azure", "list", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, provider.Transient("azure", "list", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.parseError("list", resp)
	}

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, provider.Permanent("azure", "list", fmt.Errorf("decoding VM list: %w", err))
	}

	refs := make([]provider.WorkerRef, 0, len(list.Value))
	for _, vm := range list.Value {
		ref := provider.WorkerRef{
			ID:    vm.Name,
			Name:  vm.Name,
			Power: provider.PowerUnknown,
		}
		if vm.Properties.InstanceView != nil {
			ref.Power = vm.Properties.InstanceView.powerState()
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (a *Adapter) vmURL(name, suffix string) string {
	return fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Compute/virtualMachines/%s%s?api-version=%s",
		a.baseURL, a.subscription, a.resourceGroup, name, suffix, apiVersion)
}

func (a *Adapter) parseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return provider.FromStatus("azure", op, resp.StatusCode,
			fmt.Errorf("%s (code: %s)", errResp.Error.Message, errResp.Error.Code))
	}
	return provider.FromStatus("azure", op, resp.StatusCode,
		fmt.Errorf("status %d, body: %s", resp.StatusCode, string(body)))
}

// mapPowerState translates Azure PowerState codes. Starting machines count
// as running (they are powered), deallocating as stopping, deallocated as
// stopped.
func mapPowerState(code string) provider.PowerState {
	switch code {
	case "running", "starting":
		return provider.PowerRunning
	case "stopping", "deallocating":
		return provider.PowerStopping
	case "stopped", "deallocated":
		return provider.PowerStopped
	default:
		return provider.PowerUnknown
	}
}

type instanceView struct {
	Statuses []instanceStatus `json:"statuses"`
}

// powerState extracts the PowerState/* status from an instance view. Views
// without one (VM mid-transition) read as unknown.
func (v *instanceView) powerState() provider.PowerState {
	for _, s := range v.Statuses {
		if code, ok := strings.CutPrefix(s.Code, "PowerState/"); ok {
			return mapPowerState(code)
		}
	}
	return provider.PowerUnknown
}

type instanceStatus struct {
	Code          string `json:"code"`
	DisplayStatus string `json:"displayStatus"`
}

type listResponse struct {
	Value []vmEntry `json:"value"`
}

type vmEntry struct {
	Name       string `json:"name"`
	Properties struct {
		InstanceView *instanceView `json:"instanceView"`
	} `json:"properties"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var _ provider.Adapter = (*Adapter)(nil)
