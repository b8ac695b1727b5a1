package celengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

var programCache = sync.Map{}

// Declarations maps variable names to their CEL types.
type Declarations map[string]*cel.Type

// Rule is a compiled boolean expression over a fixed set of variables.
type Rule struct {
	expr string
	prg  cel.Program
}

func NewEnv(decls Declarations) (*cel.Env, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for name, typ := range decls {
		opts = append(opts, cel.Variable(name, typ))
	}
	return cel.NewEnv(opts...)
}

// Compile type-checks expr against decls. The expression must yield a bool.
// Compiled rules are cached per expression.
func Compile(expr string, decls Declarations) (*Rule, error) {
	if v, ok := programCache.Load(expr); ok {
		return v.(*Rule), nil
	}

	env, err := NewEnv(decls)
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression %q yields %s, want bool", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	rule := &Rule{expr: expr, prg: prg}
	programCache.Store(expr, rule)
	return rule, nil
}

func (r *Rule) String() string {
	return r.expr
}

func (r *Rule) Evaluate(attrs map[string]any) (bool, error) {
	out, _, err := r.prg.Eval(attrs)
	if err != nil {
		zap.L().Debug("cel evaluation failed", zap.String("expr", r.expr), zap.Error(err))
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}
	return b, nil
}
