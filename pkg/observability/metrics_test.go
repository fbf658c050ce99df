package observability

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/drydockproject/drydock/pkg/lifecycle"
)

type staticPhases map[string]lifecycle.Phase

func (s staticPhases) Phases() map[string]lifecycle.Phase {
	return s
}

func TestSessionMetricsWorkersByPhase(t *testing.T) {
	source := staticPhases{
		"vm-1": lifecycle.PhaseDraining,
		"vm-2": lifecycle.PhaseDraining,
		"vm-3": lifecycle.PhaseStopped,
	}
	m := NewSessionMetrics(source)

	registry := prometheus.NewRegistry()
	registry.MustRegister(m)

	count, err := testutil.GatherAndCount(registry, "drydock_workers")
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 phase series, got %d", count)
	}
}

func TestSessionMetricsRecordTransition(t *testing.T) {
	m := NewSessionMetrics(staticPhases{})

	m.RecordTransition(lifecycle.PhaseActive, lifecycle.PhaseDrainRequested)
	m.RecordTransition(lifecycle.PhaseDrainRequested, lifecycle.PhaseDraining)
	m.RecordTransition(lifecycle.PhaseDrainRequested, lifecycle.PhaseDraining)

	registry := prometheus.NewRegistry()
	registry.MustRegister(m)

	count, err := testutil.GatherAndCount(registry, "drydock_phase_transitions_total")
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 transition series, got %d", count)
	}
}

func TestSessionMetricsRecordProbeAndStops(t *testing.T) {
	m := NewSessionMetrics(staticPhases{})

	m.RecordProbe("paused")
	m.RecordProbe("unreachable")
	m.RecordStopAttempt(StopResultStopped)
	m.RecordStopAttempt(StopResultAlreadyStopped)
	m.ObserveDrainDuration(45 * time.Second)

	registry := prometheus.NewRegistry()
	registry.MustRegister(m)

	for _, name := range []string{
		"drydock_probes_total",
		"drydock_stop_attempts_total",
		"drydock_drain_duration_seconds",
	} {
		count, err := testutil.GatherAndCount(registry, name)
		if err != nil {
			t.Fatalf("failed to gather %s: %v", name, err)
		}
		if count == 0 {
			t.Errorf("expected %s metric", name)
		}
	}
}

func TestSessionMetricsNilSafe(t *testing.T) {
	var m *SessionMetrics

	// Must not panic.
	m.RecordTransition(lifecycle.PhaseActive, lifecycle.PhaseDraining)
	m.RecordProbe("paused")
	m.RecordStopAttempt(StopResultFailed)
	m.ObserveDrainDuration(time.Second)
}

func TestServe(t *testing.T) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewSessionMetrics(staticPhases{"vm-1": lifecycle.PhaseActive}))

	srv, err := Serve("127.0.0.1:0", registry, nil)
	if err != nil {
		t.Fatalf("Serve() error: %v", err)
	}
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(string(body), "drydock_workers") {
		t.Error("expected drydock_workers in metrics output")
	}
}

func TestServeRejectsBadAddress(t *testing.T) {
	if _, err := Serve("256.256.256.256:99999", prometheus.NewRegistry(), nil); err == nil {
		t.Fatal("expected bind error")
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level   string
		format  string
		wantErr bool
	}{
		{"", "", false},
		{"debug", "text", false},
		{"warn", "json", false},
		{"ERROR", "TEXT", false},
		{"verbose", "text", true},
		{"info", "yaml", true},
	}

	for _, tt := range tests {
		logger, err := NewLogger(tt.level, tt.format)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewLogger(%q, %q) expected error", tt.level, tt.format)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewLogger(%q, %q) error: %v", tt.level, tt.format, err)
			continue
		}
		if logger == nil {
			t.Errorf("NewLogger(%q, %q) returned nil logger", tt.level, tt.format)
		}
	}
}
