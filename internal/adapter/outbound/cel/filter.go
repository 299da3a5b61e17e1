// Package cel compiles the advisory filter expressions clients may attach
// to a subscribe request. A filter that fails to evaluate never blocks
// delivery — filters are advisory only, never a second access-control
// layer (that is the access checker's job).
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	celgo "github.com/google/cel-go/cel"

	"github.com/vsstree/server/internal/domain/subscription"
	"github.com/vsstree/server/internal/domain/vsspath"
)

const (
	maxExpressionLength = 256
	maxCostBudget       = 10_000
	maxNestingDepth     = 20
	evalTimeout         = 200 * time.Millisecond
	interruptCheckFreq  = 100
)

// Evaluator compiles and runs advisory filter expressions against a
// {path, attribute, value} activation.
type Evaluator struct {
	env *celgo.Env
}

// NewEvaluator builds the CEL environment filter expressions run in:
// "path" (string), "attribute" (string), "value" (dyn).
func NewEvaluator() (*Evaluator, error) {
	env, err := celgo.NewEnv(
		celgo.Variable("path", celgo.StringType),
		celgo.Variable("attribute", celgo.StringType),
		celgo.Variable("value", celgo.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: building environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("cel: expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Compile parses, bounds-checks, and type-checks expr, returning a program
// ready for repeated Evaluate calls.
func (e *Evaluator) Compile(expr string) (celgo.Program, error) {
	if expr == "" {
		return nil, errors.New("cel: expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("cel: expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel: compilation failed: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		celgo.EvalOptions(celgo.OptOptimize),
		celgo.CostLimit(maxCostBudget),
		celgo.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("cel: program creation failed: %w", err)
	}
	return prg, nil
}

// Evaluate runs prg against path/attribute/value, bounded by evalTimeout.
func (e *Evaluator) Evaluate(prg celgo.Program, path vsspath.Path, attribute string, value any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	activation := map[string]any{
		"path":      path.String(),
		"attribute": attribute,
		"value":     value,
	}
	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("cel: evaluation failed: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel: expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// NewFilter compiles expr once and returns a subscription.Filter closure
// over the compiled program. Evaluation errors are surfaced to the caller
// (subscription.Subscription.deliver treats a non-nil error as "pass
// through", per the advisory contract), so only a genuine compile failure
// here prevents a subscription from being created at all. The "attribute"
// variable is always bound to "value", whichever attribute the subscription
// watches.
func NewFilter(evaluator *Evaluator, expr string) (subscription.Filter, error) {
	prg, err := evaluator.Compile(expr)
	if err != nil {
		return nil, err
	}
	return func(path vsspath.Path, value any) (bool, error) {
		return evaluator.Evaluate(prg, path, "value", value)
	}, nil
}
