package main

import (
	"testing"

	"github.com/drydockproject/drydock/pkg/config"
)

func TestBuildAdapterNameMustMatchType(t *testing.T) {
	_, err := buildAdapter("primary", config.ProviderCfg{Type: "docker"})
	if err == nil {
		t.Fatal("expected error for a docker adapter not named docker")
	}
}

func TestBuildAdapterFakeKeepsGivenName(t *testing.T) {
	adapter, err := buildAdapter("azure", config.ProviderCfg{Type: "fake"})
	if err != nil {
		t.Fatalf("buildAdapter: %v", err)
	}
	if got := adapter.Name(); got != "azure" {
		t.Errorf("Name() = %q, want %q", got, "azure")
	}
}

func TestBuildAdapterUnknownType(t *testing.T) {
	_, err := buildAdapter("x", config.ProviderCfg{Type: "vsphere"})
	if err == nil {
		t.Fatal("expected error for unknown provider type")
	}
}

func TestServeMetricsDisabled(t *testing.T) {
	metrics, shutdown, err := serveMetrics("", nil, nil)
	if err != nil {
		t.Fatalf("serveMetrics: %v", err)
	}
	if metrics != nil {
		t.Error("expected nil metrics when no listen address is set")
	}
	shutdown()
}
