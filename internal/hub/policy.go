package hub

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// ViewerPolicy decides who receives health_data broadcasts.
type ViewerPolicy struct {
	expr string
	prg  cel.Program
}

// NewViewerPolicy compiles expr. The expression must evaluate to a bool.
func NewViewerPolicy(expr string) (*ViewerPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("subject", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	return &ViewerPolicy{expr: expr, prg: prg}, nil
}

// Allows reports whether viewer may see subject's data. Evaluation errors deny.
func (p *ViewerPolicy) Allows(viewer string, roles []string, subject string) bool {
	if roles == nil {
		roles = []string{}
	}
	out, _, err := p.prg.Eval(map[string]interface{}{
		"principal": viewer,
		"roles":     roles,
		"subject":   subject,
	})
	if err != nil {
		return false
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed
}

func (p *ViewerPolicy) String() string { return p.expr }
