package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/flowplan/flowplan/internal/engine"
)

// gatherReader concatenates the buffered records of several input ports in
// port order. Fork branches have all completed by the time a join step
// runs, so the buffers are complete.
type gatherReader struct {
	ctx     *engine.NodeExecutionContext
	ports   []string
	combine func([][]engine.Record) []engine.Record

	loaded  bool
	records []engine.Record
	pos     int
}

func (r *gatherReader) Read(ctx context.Context) (engine.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.loaded {
		perPort := make([][]engine.Record, 0, len(r.ports))
		for _, port := range r.ports {
			perPort = append(perPort, r.ctx.Buffers.Get(r.ctx.ExecutionID, r.ctx.Step.NodeID, port))
		}
		r.records = r.combine(perPort)
		r.loaded = true
	}
	if r.pos >= len(r.records) {
		return nil, io.EOF
	}
	record := r.records[r.pos]
	r.pos++
	return record, nil
}

// inputPorts returns the step's configured input ports, defaulting to the
// single conventional "in" port.
func inputPorts(ctx *engine.NodeExecutionContext) []string {
	if ports := ctx.ConfigStringSlice("inputPortKeys"); len(ports) > 0 {
		return ports
	}
	return []string{engine.DefaultInputPort}
}

func concatPorts(perPort [][]engine.Record) []engine.Record {
	var out []engine.Record
	for _, records := range perPort {
		out = append(out, records...)
	}
	return out
}

// recordFingerprint produces a comparable identity for set operations
func recordFingerprint(record engine.Record) string {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(record))
	}
	return string(data)
}

// gatherExecutor is the shared shape of the join-family executors; only
// the node type and the combine function differ.
type gatherExecutor struct {
	nodeType string
	combine  func([][]engine.Record) []engine.Record
}

// NodeType implements engine.NodeExecutor
func (e gatherExecutor) NodeType() string { return e.nodeType }

// Validate implements engine.NodeExecutor
func (e gatherExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	return nil
}

// CreateReader implements engine.NodeExecutor
func (e gatherExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return &gatherReader{ctx: ctx, ports: inputPorts(ctx), combine: e.combine}, nil
}

// CreateProcessor implements engine.NodeExecutor
func (e gatherExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (e gatherExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}

// SupportsMetrics implements engine.NodeExecutor
func (e gatherExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (e gatherExecutor) SupportsFailureHandling() bool { return false }

// NewJoinExecutor gathers all input ports in port order
func NewJoinExecutor() engine.NodeExecutor {
	return gatherExecutor{nodeType: "Join", combine: concatPorts}
}

// NewMergeExecutor is Join under its merge alias
func NewMergeExecutor() engine.NodeExecutor {
	return gatherExecutor{nodeType: "Merge", combine: concatPorts}
}

// NewGatherExecutor is Join under its gather alias
func NewGatherExecutor() engine.NodeExecutor {
	return gatherExecutor{nodeType: "Gather", combine: concatPorts}
}

// NewCollectExecutor gathers all input ports into one stream
func NewCollectExecutor() engine.NodeExecutor {
	return gatherExecutor{nodeType: "Collect", combine: concatPorts}
}

// NewIntersectExecutor keeps records present on every input port
func NewIntersectExecutor() engine.NodeExecutor {
	return gatherExecutor{nodeType: "Intersect", combine: func(perPort [][]engine.Record) []engine.Record {
		if len(perPort) == 0 {
			return nil
		}
		counts := make(map[string]int)
		for _, records := range perPort[1:] {
			seen := make(map[string]bool)
			for _, record := range records {
				fp := recordFingerprint(record)
				if !seen[fp] {
					seen[fp] = true
					counts[fp]++
				}
			}
		}
		var out []engine.Record
		emitted := make(map[string]bool)
		for _, record := range perPort[0] {
			fp := recordFingerprint(record)
			if counts[fp] == len(perPort)-1 && !emitted[fp] {
				emitted[fp] = true
				out = append(out, record)
			}
		}
		return out
	}}
}

// NewMinusExecutor keeps first-port records absent from every other port
func NewMinusExecutor() engine.NodeExecutor {
	return gatherExecutor{nodeType: "Minus", combine: func(perPort [][]engine.Record) []engine.Record {
		if len(perPort) == 0 {
			return nil
		}
		excluded := make(map[string]bool)
		for _, records := range perPort[1:] {
			for _, record := range records {
				excluded[recordFingerprint(record)] = true
			}
		}
		var out []engine.Record
		for _, record := range perPort[0] {
			if !excluded[recordFingerprint(record)] {
				out = append(out, record)
			}
		}
		return out
	}}
}
