package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
ssh:
  user: ops
  private_key_path: ~/.ssh/fleet
providers:
  azure:
    type: azure
    subscription_id: sub-1
    resource_group: rg-fleet
    tenant_id: tenant-1
    client_id: client-1
fleets:
  crunch:
    inventory: /var/lib/drydock/crunch.json
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.SSH.User != "ops" {
		t.Errorf("ssh user = %q, want ops", cfg.SSH.User)
	}
	if cfg.Ledger.Path != "drydock-ledger.jsonl" {
		t.Errorf("default ledger path = %q", cfg.Ledger.Path)
	}
	if cfg.Drain.Interval != 30*time.Second {
		t.Errorf("default drain interval = %s, want 30s", cfg.Drain.Interval)
	}
	if cfg.Drain.Timeout != 20*time.Minute {
		t.Errorf("default drain timeout = %s, want 20m", cfg.Drain.Timeout)
	}
	if cfg.Drain.Concurrency != 8 {
		t.Errorf("default drain concurrency = %d, want 8", cfg.Drain.Concurrency)
	}
	if cfg.Gate.SettleDelay != 10*time.Second {
		t.Errorf("default settle delay = %s, want 10s", cfg.Gate.SettleDelay)
	}

	fleet, err := cfg.Fleet("crunch")
	if err != nil {
		t.Fatalf("Fleet() error: %v", err)
	}
	if fleet.Output != "workers" {
		t.Errorf("default output = %q, want workers", fleet.Output)
	}
}

func TestFleetDrainOverride(t *testing.T) {
	yaml := `
drain:
  interval: 15s
  concurrency: 4
providers:
  fake:
    type: fake
fleets:
  fast:
    inventory: /tmp/fast.json
    drain:
      timeout: 5m
  slow:
    inventory: /tmp/slow.json
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	fast := cfg.DrainFor("fast")
	if fast.Timeout != 5*time.Minute {
		t.Errorf("fast timeout = %s, want 5m (override)", fast.Timeout)
	}
	if fast.Interval != 15*time.Second {
		t.Errorf("fast interval = %s, want 15s (inherited)", fast.Interval)
	}
	if fast.Concurrency != 4 {
		t.Errorf("fast concurrency = %d, want 4 (inherited)", fast.Concurrency)
	}

	slow := cfg.DrainFor("slow")
	if slow.Timeout != 20*time.Minute {
		t.Errorf("slow timeout = %s, want default 20m", slow.Timeout)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no fleets",
			yaml:    `providers: {fake: {type: fake}}`,
			wantErr: "at least one fleet",
		},
		{
			name: "fleet missing inventory",
			yaml: `
fleets:
  crunch: {}
`,
			wantErr: "inventory path is required",
		},
		{
			name: "provider missing type",
			yaml: `
providers:
  broken: {}
fleets:
  crunch:
    inventory: /tmp/x.json
`,
			wantErr: "type is required",
		},
		{
			name: "unknown provider type",
			yaml: `
providers:
  broken:
    type: openstack
fleets:
  crunch:
    inventory: /tmp/x.json
`,
			wantErr: "unknown provider type",
		},
		{
			name: "azure missing resource group",
			yaml: `
providers:
  az:
    type: azure
    subscription_id: sub-1
    tenant_id: tenant-1
    client_id: client-1
fleets:
  crunch:
    inventory: /tmp/x.json
`,
			wantErr: "resource_group is required",
		},
		{
			name: "gcp missing zone",
			yaml: `
providers:
  g:
    type: gcp
    project: my-project
fleets:
  crunch:
    inventory: /tmp/x.json
`,
			wantErr: "zone is required",
		},
		{
			name: "negative drain interval",
			yaml: `
drain:
  interval: -5s
fleets:
  crunch:
    inventory: /tmp/x.json
`,
			wantErr: "cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestFleetUnknown(t *testing.T) {
	yaml := `
fleets:
  crunch:
    inventory: /tmp/x.json
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if _, err := cfg.Fleet("nothere"); err == nil {
		t.Error("Fleet(nothere) should fail")
	}
}

func TestSSHCommandOverrides(t *testing.T) {
	yaml := `
ssh:
  user: ops
  commands:
    state: "fleetctl agent-state"
fleets:
  crunch:
    inventory: /tmp/x.json
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SSH.Commands.State != "fleetctl agent-state" {
		t.Errorf("state command = %q, want override", cfg.SSH.Commands.State)
	}
	// The other commands default when the probe applies its own defaults,
	// not at config load time; the raw value stays empty here.
	if cfg.SSH.Commands.Finish != "" {
		t.Errorf("finish command = %q, want empty before probe defaults", cfg.SSH.Commands.Finish)
	}
}

func TestBackendNames(t *testing.T) {
	yaml := `
providers:
  az:
    type: azure
    subscription_id: s
    resource_group: r
    tenant_id: t
    client_id: c
  local:
    type: docker
fleets:
  crunch:
    inventory: /tmp/x.json
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	names := cfg.BackendNames()
	if len(names) != 2 {
		t.Fatalf("BackendNames() returned %d names, want 2", len(names))
	}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	if !seen["az"] || !seen["local"] {
		t.Errorf("BackendNames() = %v, want az and local", names)
	}
}
