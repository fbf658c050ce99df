package gate

import (
	"testing"
	"time"

	"github.com/drydockproject/drydock/pkg/probe"
)

func TestCompilePolicy(t *testing.T) {
	t.Run("empty expression means no policy", func(t *testing.T) {
		p, err := CompilePolicy("")
		if err != nil {
			t.Fatalf("CompilePolicy() error: %v", err)
		}
		if p != nil {
			t.Errorf("expected nil policy, got %+v", p)
		}
	})

	t.Run("invalid syntax", func(t *testing.T) {
		if _, err := CompilePolicy(`observation.`); err == nil {
			t.Error("expected compile error")
		}
	})

	t.Run("unknown variable", func(t *testing.T) {
		if _, err := CompilePolicy(`fleet_size > 0`); err == nil {
			t.Error("expected compile error for undeclared variable")
		}
	})
}

func TestPolicyAllow(t *testing.T) {
	paused := probe.Observation{
		WorkerID:      "vm-001",
		Timestamp:     time.Now(),
		Reachable:     true,
		ClientState:   probe.StatePaused,
		UnitsInFlight: 0,
	}
	faulted := probe.Observation{
		WorkerID:    "vm-002",
		Timestamp:   time.Now(),
		Reachable:   false,
		ClientState: probe.StateUnreachable,
		Fault:       &probe.Fault{Kind: probe.FaultConnectTimeout, Detail: "dial tcp: i/o timeout"},
	}

	tests := []struct {
		name    string
		expr    string
		obs     probe.Observation
		want    bool
		wantErr bool
	}{
		{
			name: "paused with zero units allowed",
			expr: `observation.client_state == "paused" && observation.units_in_flight == 0`,
			obs:  paused,
			want: true,
		},
		{
			name: "worker blocklist denies",
			expr: `!(observation.worker_id in ["vm-001"])`,
			obs:  paused,
			want: false,
		},
		{
			name: "fault fields visible when present",
			expr: `observation.fault_kind == "connect_timeout"`,
			obs:  faulted,
			want: true,
		},
		{
			name:    "missing key is an evaluation error",
			expr:    `observation.fault_kind == ""`,
			obs:     paused,
			wantErr: true,
		},
		{
			name:    "non-boolean result is an error",
			expr:    `observation.units_in_flight`,
			obs:     paused,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CompilePolicy(tt.expr)
			if err != nil {
				t.Fatalf("CompilePolicy() error: %v", err)
			}

			got, err := p.Allow(tt.obs)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected evaluation error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Allow() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Allow() = %v, want %v", got, tt.want)
			}
		})
	}
}
