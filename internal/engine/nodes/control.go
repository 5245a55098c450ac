package nodes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/flowplan/flowplan/internal/engine"
)

// noopExecutor backs the pure control node types: End terminates a chain,
// Barrier and JoinBarrier run as scheduler tasklets and never reach the
// chunk loop.
type noopExecutor struct {
	nodeType string
}

// NodeType implements engine.NodeExecutor
func (e noopExecutor) NodeType() string { return e.nodeType }

// Validate implements engine.NodeExecutor
func (e noopExecutor) Validate(ctx *engine.NodeExecutionContext) error { return nil }

// CreateReader implements engine.NodeExecutor
func (e noopExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}

// CreateProcessor implements engine.NodeExecutor
func (e noopExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (e noopExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}

// SupportsMetrics implements engine.NodeExecutor
func (e noopExecutor) SupportsMetrics() bool { return false }

// SupportsFailureHandling implements engine.NodeExecutor
func (e noopExecutor) SupportsFailureHandling() bool { return false }

// NewEndExecutor terminates a control chain
func NewEndExecutor() engine.NodeExecutor { return noopExecutor{nodeType: "End"} }

// NewBarrierExecutor satisfies registration for barrier tasklet steps
func NewBarrierExecutor() engine.NodeExecutor { return noopExecutor{nodeType: "Barrier"} }

// NewJoinBarrierExecutor satisfies registration for barrier tasklet steps
func NewJoinBarrierExecutor() engine.NodeExecutor { return noopExecutor{nodeType: "JoinBarrier"} }

// errorSinkExecutor receives a step's failure routing. Records that reach
// it are appended to a JSON-lines file when a path is configured, and
// counted either way.
type errorSinkExecutor struct {
	nodeType string
}

// NodeType implements engine.NodeExecutor
func (e errorSinkExecutor) NodeType() string { return e.nodeType }

// Validate implements engine.NodeExecutor
func (e errorSinkExecutor) Validate(ctx *engine.NodeExecutionContext) error { return nil }

// CreateReader implements engine.NodeExecutor
func (e errorSinkExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}

// CreateProcessor implements engine.NodeExecutor
func (e errorSinkExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (e errorSinkExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	path := ctx.ConfigString("path")
	logger := ctx.Logger

	return engine.WriterFunc(func(ctx context.Context, records []engine.Record) error {
		logger.Warn("error sink received records", "count", len(records))
		if path == "" {
			return nil
		}
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open error sink file: %w", err)
		}
		defer file.Close()

		w := bufio.NewWriter(file)
		for _, record := range records {
			line, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return w.Flush()
	}), nil
}

// SupportsMetrics implements engine.NodeExecutor
func (e errorSinkExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (e errorSinkExecutor) SupportsFailureHandling() bool { return false }

// NewRejectExecutor collects records diverted by failure routing
func NewRejectExecutor() engine.NodeExecutor { return errorSinkExecutor{nodeType: "Reject"} }

// NewErrorSinkExecutor collects records diverted by failure routing
func NewErrorSinkExecutor() engine.NodeExecutor { return errorSinkExecutor{nodeType: "ErrorSink"} }

// RegisterBuiltins registers the engine's built-in executors
func RegisterBuiltins(r *engine.Registry) {
	r.Register(FileSourceExecutor{})
	r.Register(FileSinkExecutor{})
	r.Register(DBSourceExecutor{})
	r.Register(DBSinkExecutor{})
	r.Register(KafkaSourceExecutor{})
	r.Register(KafkaSinkExecutor{})
	r.Register(FilterExecutor{})
	r.Register(SwitchExecutor{})
	r.Register(HashPartitionExecutor{})
	r.Register(NewBroadcastExecutor())
	r.Register(NewReplicateExecutor())
	r.Register(NewSplitExecutor())
	r.Register(NewJoinExecutor())
	r.Register(NewMergeExecutor())
	r.Register(NewGatherExecutor())
	r.Register(NewCollectExecutor())
	r.Register(NewIntersectExecutor())
	r.Register(NewMinusExecutor())
	r.Register(NewEndExecutor())
	r.Register(NewBarrierExecutor())
	r.Register(NewJoinBarrierExecutor())
	r.Register(NewRejectExecutor())
	r.Register(NewErrorSinkExecutor())
}
