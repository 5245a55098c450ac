package nodes

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowplan/flowplan/internal/engine"
)

// SwitchExecutor steers records onto output ports. With a route expression
// configured, its string result becomes the record's route port; without
// one, records pass through and any pre-set route port is honored by the
// routing writer.
type SwitchExecutor struct{}

// NodeType implements engine.NodeExecutor
func (SwitchExecutor) NodeType() string { return "Switch" }

// Validate implements engine.NodeExecutor
func (SwitchExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	expression := ctx.ConfigString("expression")
	if expression == "" {
		return nil
	}
	if _, err := compileRoute(expression); err != nil {
		return fmt.Errorf("Switch expression does not compile: %w", err)
	}
	return nil
}

// CreateReader implements engine.NodeExecutor
func (SwitchExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}

// CreateProcessor implements engine.NodeExecutor
func (SwitchExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	expression := ctx.ConfigString("expression")
	if expression == "" {
		return nil, nil
	}
	program, err := compileRoute(expression)
	if err != nil {
		return nil, err
	}
	return engine.ProcessorFunc(func(ctx context.Context, record engine.Record) (engine.Record, error) {
		result, err := expr.Run(program, map[string]any(record))
		if err != nil {
			return nil, fmt.Errorf("switch expression evaluation failed: %w", err)
		}
		route, ok := result.(string)
		if !ok {
			return nil, fmt.Errorf("switch expression did not evaluate to a string, got %T", result)
		}
		record[engine.RoutePortKey] = route
		return record, nil
	}), nil
}

// CreateWriter implements engine.NodeExecutor
func (SwitchExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}

// SupportsMetrics implements engine.NodeExecutor
func (SwitchExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (SwitchExecutor) SupportsFailureHandling() bool { return false }

func compileRoute(expression string) (*vm.Program, error) {
	return expr.Compile(expression, expr.AllowUndefinedVariables())
}
