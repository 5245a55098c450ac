package nodes

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowplan/flowplan/internal/engine"
)

// FilterExecutor drops records whose condition evaluates false
type FilterExecutor struct{}

// NodeType implements engine.NodeExecutor
func (FilterExecutor) NodeType() string { return "Filter" }

// Validate implements engine.NodeExecutor
func (FilterExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	condition := ctx.ConfigString("condition")
	if condition == "" {
		return fmt.Errorf("Filter requires a 'condition' config entry")
	}
	if _, err := compileCondition(condition); err != nil {
		return fmt.Errorf("Filter condition does not compile: %w", err)
	}
	return nil
}

// CreateReader implements engine.NodeExecutor
func (FilterExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}

// CreateProcessor implements engine.NodeExecutor
func (FilterExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	program, err := compileCondition(ctx.ConfigString("condition"))
	if err != nil {
		return nil, err
	}
	return engine.ProcessorFunc(func(ctx context.Context, record engine.Record) (engine.Record, error) {
		result, err := expr.Run(program, map[string]any(record))
		if err != nil {
			return nil, fmt.Errorf("filter condition evaluation failed: %w", err)
		}
		keep, ok := result.(bool)
		if !ok {
			return nil, fmt.Errorf("filter condition did not evaluate to a boolean, got %T", result)
		}
		if !keep {
			return nil, nil
		}
		return record, nil
	}), nil
}

// CreateWriter implements engine.NodeExecutor
func (FilterExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}

// SupportsMetrics implements engine.NodeExecutor
func (FilterExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (FilterExecutor) SupportsFailureHandling() bool { return true }

func compileCondition(condition string) (*vm.Program, error) {
	return expr.Compile(condition, expr.AllowUndefinedVariables(), expr.AsBool())
}
