package engine

import (
	"context"
	"io"
	"sync"

	"github.com/flowplan/flowplan/internal/plan"
)

// RoutePortKey is the record key an executor sets to choose an output port
const RoutePortKey = "_routePort"

// DefaultPort is the conventional name of a node's primary output port
const DefaultPort = "out"

// FallbackPort is the conventional name of a routing node's catch-all port
const FallbackPort = "default"

// DefaultInputPort is the conventional name of a node's primary input port
const DefaultInputPort = "in"

// RoutingContext dispatches a step's output records to the edge buffers of
// its downstream nodes, selected by source port.
type RoutingContext struct {
	ExecutionID  string
	SourceNodeID string
	OutputPorts  []plan.OutputPort
	Buffers      *EdgeBufferStore
}

// NewRoutingContext builds a routing context over a step's data ports
func NewRoutingContext(executionID string, step *plan.StepNode, buffers *EdgeBufferStore) *RoutingContext {
	var ports []plan.OutputPort
	for _, p := range step.OutputPorts {
		if !p.IsControl {
			ports = append(ports, p)
		}
	}
	return &RoutingContext{
		ExecutionID:  executionID,
		SourceNodeID: step.NodeID,
		OutputPorts:  ports,
		Buffers:      buffers,
	}
}

// RouteRecord forwards a record to the targets connected to the given
// source port. An unknown route key falls back to the default port.
func (rc *RoutingContext) RouteRecord(record Record, routeKey string) error {
	matched := false
	for _, port := range rc.OutputPorts {
		if port.SourcePort != routeKey {
			continue
		}
		matched = true
		if err := rc.Buffers.Add(rc.ExecutionID, port.TargetNodeID, port.TargetPort, record); err != nil {
			return err
		}
	}
	if matched {
		return nil
	}
	return rc.RouteToDefault(record)
}

// RouteToDefault forwards a record to the port named "out" (or "default"
// on routing nodes), falling back to every port when neither exists.
func (rc *RoutingContext) RouteToDefault(record Record) error {
	for _, name := range []string{DefaultPort, FallbackPort} {
		matched := false
		for _, port := range rc.OutputPorts {
			if port.SourcePort != name {
				continue
			}
			matched = true
			if err := rc.Buffers.Add(rc.ExecutionID, port.TargetNodeID, port.TargetPort, record); err != nil {
				return err
			}
		}
		if matched {
			return nil
		}
	}
	for _, port := range rc.OutputPorts {
		if err := rc.Buffers.Add(rc.ExecutionID, port.TargetNodeID, port.TargetPort, record); err != nil {
			return err
		}
	}
	return nil
}

// routingWriter dispatches each record of a chunk through the routing
// context. Records carrying a route port key are steered by it; the key is
// stripped before the record lands in a buffer.
type routingWriter struct {
	routing *RoutingContext
}

// NewRoutingWriter wraps a routing context as an ItemWriter
func NewRoutingWriter(routing *RoutingContext) ItemWriter {
	return &routingWriter{routing: routing}
}

func (w *routingWriter) Write(ctx context.Context, records []Record) error {
	for _, record := range records {
		routeKey, hasRoute := record[RoutePortKey].(string)
		if hasRoute {
			delete(record, RoutePortKey)
			if err := w.routing.RouteRecord(record, routeKey); err != nil {
				return err
			}
			continue
		}
		if err := w.routing.RouteToDefault(record); err != nil {
			return err
		}
	}
	return nil
}

// BufferedItemReader reads the records a step's predecessors buffered for
// one of its input ports. The buffer snapshot is taken on first read; by
// then every predecessor has completed, because the flow graph orders
// steps before their downstream consumers.
type BufferedItemReader struct {
	executionID string
	nodeID      string
	port        string
	buffers     *EdgeBufferStore

	once    sync.Once
	records []Record
	pos     int
}

// NewBufferedItemReader creates a reader over one (node, port) buffer
func NewBufferedItemReader(executionID, nodeID, port string, buffers *EdgeBufferStore) *BufferedItemReader {
	if port == "" {
		port = DefaultInputPort
	}
	return &BufferedItemReader{
		executionID: executionID,
		nodeID:      nodeID,
		port:        port,
		buffers:     buffers,
	}
}

// Read implements ItemReader
func (r *BufferedItemReader) Read(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.once.Do(func() {
		r.records = r.buffers.Get(r.executionID, r.nodeID, r.port)
	})
	if r.pos >= len(r.records) {
		return nil, io.EOF
	}
	record := r.records[r.pos]
	r.pos++
	return record, nil
}
