package decision

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/tenant"
)

const ruleCostLimit = 10000

// Rules compiles and evaluates tenant action rules written in CEL. The
// expressions see three variables: action (map), signal (map) and tenant
// (string). Compiled programs are cached by expression text.
type Rules struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewRules creates the rule environment.
func NewRules() (*Rules, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("signal", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("tenant", cel.StringType),
	)
	if err != nil {
		return nil, eris.Wrap(err, "decision: create rule environment")
	}
	return &Rules{env: env, programs: make(map[string]cel.Program)}, nil
}

// Check compiles every expression in r. It satisfies tenant.RuleChecker.
func (r *Rules) Check(rules tenant.ActionRules) error {
	for _, rule := range []struct{ name, expr string }{
		{"revenueSensitiveWhen", rules.RevenueSensitiveWhen},
		{"manualOnlyWhen", rules.ManualOnlyWhen},
	} {
		if rule.expr == "" {
			continue
		}
		if _, err := r.program(rule.expr); err != nil {
			return eris.Wrapf(err, "%s", rule.name)
		}
	}
	return nil
}

// Match evaluates expr against vars. An empty expression never matches.
func (r *Rules) Match(expr string, vars map[string]any) (bool, error) {
	if expr == "" {
		return false, nil
	}
	prg, err := r.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, eris.Wrap(err, "eval")
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, eris.New("rule result is not a bool")
	}
	return val, nil
}

func (r *Rules) program(expr string) (cel.Program, error) {
	r.mu.RLock()
	prg, hit := r.programs[expr]
	r.mu.RUnlock()
	if hit {
		return prg, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prg, hit = r.programs[expr]; hit {
		return prg, nil
	}

	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, eris.Wrap(issues.Err(), "compile")
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, eris.Errorf("rule must evaluate to bool, got %s", t)
	}
	prg, err := r.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(ruleCostLimit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "program")
	}
	r.programs[expr] = prg
	return prg, nil
}
