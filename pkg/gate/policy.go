package gate

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/drydockproject/drydock/pkg/probe"
)

// Policy is a compiled deny-only CEL expression evaluated against the
// confirming observation. The expression sees a single `observation` map
// variable and must produce a boolean: true lets the built-in checks'
// verdict stand, false denies the stop. A policy can only refuse stops,
// never approve one the built-in checks rejected.
type Policy struct {
	expr    string
	program cel.Program
}

// CompilePolicy compiles expr once, up front, so a malformed policy fails
// at startup instead of at authorization time. An empty expression means
// no policy and returns nil.
func CompilePolicy(expr string) (*Policy, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("observation", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile gate policy: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create gate policy program: %w", err)
	}

	return &Policy{expr: expr, program: program}, nil
}

// Expr returns the source expression.
func (p *Policy) Expr() string {
	return p.expr
}

// Allow evaluates the policy against obs. Evaluation failure is an error,
// not a pass: callers must treat it as a denial.
func (p *Policy) Allow(obs probe.Observation) (bool, error) {
	out, _, err := p.program.Eval(map[string]any{
		"observation": observationToMap(obs),
	})
	if err != nil {
		return false, fmt.Errorf("evaluate gate policy: %w", err)
	}
	if out.Type() != types.BoolType {
		return false, fmt.Errorf("gate policy produced %s, want bool", out.Type())
	}
	return out.Value().(bool), nil
}

// observationToMap converts an observation to a map for CEL evaluation.
// Enumerated fields become strings for readable policy conditions.
func observationToMap(obs probe.Observation) map[string]any {
	m := map[string]any{
		"worker_id":       obs.WorkerID,
		"timestamp":       obs.Timestamp.Format(time.RFC3339),
		"reachable":       obs.Reachable,
		"client_state":    string(obs.ClientState),
		"units_in_flight": int64(obs.UnitsInFlight),
	}
	if obs.Fault != nil {
		m["fault_kind"] = string(obs.Fault.Kind)
		m["fault_detail"] = obs.Fault.Detail
	}
	return m
}
