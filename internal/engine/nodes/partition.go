package nodes

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/flowplan/flowplan/internal/engine"
)

// HashPartitionExecutor routes each record to an output port chosen by
// hashing its partition key fields.
type HashPartitionExecutor struct{}

// NodeType implements engine.NodeExecutor
func (HashPartitionExecutor) NodeType() string { return "HashPartition" }

// Validate implements engine.NodeExecutor
func (HashPartitionExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	if len(ctx.ConfigStringSlice("partitionKeys")) == 0 {
		return fmt.Errorf("HashPartition requires a 'partitionKeys' config entry")
	}
	if len(ctx.DataOutputPorts()) < 2 {
		return fmt.Errorf("HashPartition requires at least 2 output ports")
	}
	return nil
}

// CreateReader implements engine.NodeExecutor
func (HashPartitionExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}

// CreateProcessor implements engine.NodeExecutor
func (HashPartitionExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	keys := ctx.ConfigStringSlice("partitionKeys")
	ports := ctx.DataOutputPorts()

	return engine.ProcessorFunc(func(ctx context.Context, record engine.Record) (engine.Record, error) {
		h := fnv.New32a()
		for _, key := range keys {
			fmt.Fprintf(h, "%v|", record[key])
		}
		port := ports[int(h.Sum32())%len(ports)]
		record[engine.RoutePortKey] = port.SourcePort
		return record, nil
	}), nil
}

// CreateWriter implements engine.NodeExecutor
func (HashPartitionExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}

// SupportsMetrics implements engine.NodeExecutor
func (HashPartitionExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (HashPartitionExecutor) SupportsFailureHandling() bool { return false }

// fanExecutor is the shared shape of the fork-family pass-through
// executors: Broadcast copies records to every port, Split deals them
// round-robin.
type fanExecutor struct {
	nodeType  string
	broadcast bool
}

// NodeType implements engine.NodeExecutor
func (e fanExecutor) NodeType() string { return e.nodeType }

// Validate implements engine.NodeExecutor
func (e fanExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	return nil
}

// CreateReader implements engine.NodeExecutor
func (e fanExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}

// CreateProcessor implements engine.NodeExecutor
func (e fanExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (e fanExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	ports := ctx.DataOutputPorts()
	if len(ports) == 0 {
		return nil, nil
	}
	buffers := ctx.Buffers
	executionID := ctx.ExecutionID
	next := 0

	return engine.WriterFunc(func(ctx context.Context, records []engine.Record) error {
		for _, record := range records {
			if e.broadcast {
				for _, port := range ports {
					if err := buffers.Add(executionID, port.TargetNodeID, port.TargetPort, record); err != nil {
						return err
					}
				}
				continue
			}
			port := ports[next%len(ports)]
			next++
			if err := buffers.Add(executionID, port.TargetNodeID, port.TargetPort, record); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

// SupportsMetrics implements engine.NodeExecutor
func (e fanExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (e fanExecutor) SupportsFailureHandling() bool { return false }

// NewBroadcastExecutor copies every record to every output port
func NewBroadcastExecutor() engine.NodeExecutor {
	return fanExecutor{nodeType: "Broadcast", broadcast: true}
}

// NewReplicateExecutor is Broadcast under its replicate alias
func NewReplicateExecutor() engine.NodeExecutor {
	return fanExecutor{nodeType: "Replicate", broadcast: true}
}

// NewSplitExecutor deals records round-robin across output ports
func NewSplitExecutor() engine.NodeExecutor {
	return fanExecutor{nodeType: "Split", broadcast: false}
}
