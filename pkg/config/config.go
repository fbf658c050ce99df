// Package config loads and validates the controller's YAML configuration:
// fleet inventories, SSH probe settings, drain timing, gate policy, and
// provider credentials. Validation is strict because most of what this
// config describes feeds irreversible operations.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drydockproject/drydock/pkg/probe"
)

// Config is the root configuration for drydock.
type Config struct {
	Ledger    LedgerCfg              `yaml:"ledger,omitempty"`
	SSH       probe.Config           `yaml:"ssh"`
	Drain     DrainCfg               `yaml:"drain,omitempty"`
	Gate      GateCfg                `yaml:"gate,omitempty"`
	Notify    NotifyCfg              `yaml:"notify,omitempty"`
	Providers map[string]ProviderCfg `yaml:"providers"`
	Fleets    map[string]FleetCfg    `yaml:"fleets"`
}

// LedgerCfg locates the durable transition ledger.
type LedgerCfg struct {
	// Path to the append-only ledger file. Default: drydock-ledger.jsonl
	// in the working directory.
	Path string `yaml:"path,omitempty"`
}

// FleetCfg describes one fleet: where its inventory lives and any
// per-fleet drain overrides.
type FleetCfg struct {
	// Inventory is the path to the provisioning system's output document,
	// either a bare JSON worker list or a `terraform output -json` map.
	Inventory string `yaml:"inventory"`

	// Output names the terraform output holding the worker list when the
	// inventory is an output map. Default: "workers".
	Output string `yaml:"output,omitempty"`

	// Drain overrides the global drain settings for this fleet.
	Drain *DrainCfg `yaml:"drain,omitempty"`
}

// DrainCfg controls drain pacing.
type DrainCfg struct {
	// Interval between paused-state polls. Default: 30s.
	Interval time.Duration `yaml:"interval,omitempty"`

	// Timeout bounds one worker's whole drain. A worker that has not
	// paused by then freezes at the draining phase. Default: 20m.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Concurrency bounds simultaneous in-flight worker drains. Default: 8.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// GateCfg controls stop authorization.
type GateCfg struct {
	// SettleDelay is how long the gate waits before its confirming
	// re-probe of a paused worker. The upstream operational docs never
	// quantify how long "paused" must hold to be trusted, so this is an
	// explicit operator choice rather than a derived constant.
	// Default: 10s.
	SettleDelay time.Duration `yaml:"settle_delay,omitempty"`

	// Policy is an optional CEL expression evaluated against the
	// confirming observation. It can only deny a stop, never approve one
	// the built-in checks would refuse.
	Policy string `yaml:"policy,omitempty"`
}

// NotifyCfg configures outbound session event delivery.
type NotifyCfg struct {
	// WebhookURL receives a JSON POST per session event. Empty disables
	// the webhook; events still go to the log.
	WebhookURL string `yaml:"webhook_url,omitempty"`

	// Headers are added to every webhook request, e.g. authorization.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Timeout bounds each webhook request. Default: 30s.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ProviderCfg configures one backend. Type selects the adapter; the
// remaining fields are type-specific.
type ProviderCfg struct {
	Type string `yaml:"type"` // azure, gcp, lambda, docker, fake

	// Azure
	SubscriptionID string `yaml:"subscription_id,omitempty"`
	ResourceGroup  string `yaml:"resource_group,omitempty"`
	TenantID       string `yaml:"tenant_id,omitempty"`
	ClientID       string `yaml:"client_id,omitempty"`
	SecretEnv      string `yaml:"secret_env,omitempty"` // env var holding the client secret

	// GCP
	Project string `yaml:"project,omitempty"`
	Zone    string `yaml:"zone,omitempty"`

	// Lambda Labs
	APIKeyEnv string `yaml:"api_key_env,omitempty"` // env var holding the API key

	// Docker
	Label string `yaml:"label,omitempty"` // container label selecting fleet members
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Fleets) == 0 {
		return fmt.Errorf("at least one fleet is required")
	}

	for name, fleet := range c.Fleets {
		if fleet.Inventory == "" {
			return fmt.Errorf("fleet %q: inventory path is required", name)
		}
		if fleet.Drain != nil {
			if err := fleet.Drain.validate(); err != nil {
				return fmt.Errorf("fleet %q: %w", name, err)
			}
		}
	}

	if err := c.Drain.validate(); err != nil {
		return err
	}
	if c.Gate.SettleDelay < 0 {
		return fmt.Errorf("gate settle_delay cannot be negative")
	}

	for name, prov := range c.Providers {
		if err := prov.validate(); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}
	}

	return nil
}

func (d *DrainCfg) validate() error {
	if d.Interval < 0 {
		return fmt.Errorf("drain interval cannot be negative")
	}
	if d.Timeout < 0 {
		return fmt.Errorf("drain timeout cannot be negative")
	}
	if d.Concurrency < 0 {
		return fmt.Errorf("drain concurrency cannot be negative")
	}
	return nil
}

func (p ProviderCfg) validate() error {
	switch p.Type {
	case "azure":
		if p.SubscriptionID == "" {
			return fmt.Errorf("subscription_id is required")
		}
		if p.ResourceGroup == "" {
			return fmt.Errorf("resource_group is required")
		}
		if p.TenantID == "" {
			return fmt.Errorf("tenant_id is required")
		}
		if p.ClientID == "" {
			return fmt.Errorf("client_id is required")
		}
	case "gcp":
		if p.Project == "" {
			return fmt.Errorf("project is required")
		}
		if p.Zone == "" {
			return fmt.Errorf("zone is required")
		}
	case "lambda", "docker", "fake":
		// No required fields: lambda falls back to LAMBDA_API_KEY, docker
		// to the daemon environment.
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown provider type %q", p.Type)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Ledger.Path == "" {
		c.Ledger.Path = "drydock-ledger.jsonl"
	}

	c.Drain.applyDefaults()
	for name, fleet := range c.Fleets {
		if fleet.Output == "" {
			fleet.Output = "workers"
		}
		if fleet.Drain != nil {
			merged := c.Drain
			if fleet.Drain.Interval != 0 {
				merged.Interval = fleet.Drain.Interval
			}
			if fleet.Drain.Timeout != 0 {
				merged.Timeout = fleet.Drain.Timeout
			}
			if fleet.Drain.Concurrency != 0 {
				merged.Concurrency = fleet.Drain.Concurrency
			}
			fleet.Drain = &merged
		}
		c.Fleets[name] = fleet
	}

	if c.Gate.SettleDelay == 0 {
		c.Gate.SettleDelay = 10 * time.Second
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 30 * time.Second
	}
}

func (d *DrainCfg) applyDefaults() {
	if d.Interval == 0 {
		d.Interval = 30 * time.Second
	}
	if d.Timeout == 0 {
		d.Timeout = 20 * time.Minute
	}
	if d.Concurrency == 0 {
		d.Concurrency = 8
	}
}

// Fleet returns the named fleet's configuration.
func (c *Config) Fleet(name string) (FleetCfg, error) {
	fleet, ok := c.Fleets[name]
	if !ok {
		return FleetCfg{}, fmt.Errorf("unknown fleet %q", name)
	}
	return fleet, nil
}

// DrainFor returns the effective drain settings for a fleet: the fleet's
// override when present, otherwise the global settings.
func (c *Config) DrainFor(fleet string) DrainCfg {
	if f, ok := c.Fleets[fleet]; ok && f.Drain != nil {
		return *f.Drain
	}
	return c.Drain
}

// BackendNames returns the configured backend names, for registry
// validation at snapshot time.
func (c *Config) BackendNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	return names
}
