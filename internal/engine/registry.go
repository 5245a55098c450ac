package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/flowplan/flowplan/internal/plan"
)

// ItemReader produces a bounded lazy sequence of records. Read returns
// (nil, io.EOF) when the sequence is exhausted. Readers must be restartable:
// a fresh reader from the executor starts the sequence over.
type ItemReader interface {
	Read(ctx context.Context) (Record, error)
}

// ItemProcessor transforms one record. Returning a nil record drops it.
type ItemProcessor interface {
	Process(ctx context.Context, record Record) (Record, error)
}

// ItemWriter receives completed chunks of records
type ItemWriter interface {
	Write(ctx context.Context, records []Record) error
}

// ReaderFunc adapts a function to ItemReader
type ReaderFunc func(ctx context.Context) (Record, error)

func (f ReaderFunc) Read(ctx context.Context) (Record, error) { return f(ctx) }

// ProcessorFunc adapts a function to ItemProcessor
type ProcessorFunc func(ctx context.Context, record Record) (Record, error)

func (f ProcessorFunc) Process(ctx context.Context, record Record) (Record, error) {
	return f(ctx, record)
}

// WriterFunc adapts a function to ItemWriter
type WriterFunc func(ctx context.Context, records []Record) error

func (f WriterFunc) Write(ctx context.Context, records []Record) error { return f(ctx, records) }

// NodeExecutionContext is handed to an executor when building its
// reader/processor/writer for one step of one run.
type NodeExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	Step        *plan.StepNode
	Buffers     *EdgeBufferStore
	DB          *sqlx.DB
	Logger      *slog.Logger

	configOnce sync.Once
	configTree map[string]any
}

// Config returns the step's parsed config tree. The tree is decoded once
// and shared; callers must not mutate it.
func (c *NodeExecutionContext) Config() map[string]any {
	c.configOnce.Do(func() {
		c.configTree = make(map[string]any)
		if len(c.Step.Config) > 0 {
			// A malformed tree surfaces through Validate, not here
			_ = json.Unmarshal(c.Step.Config, &c.configTree)
		}
	})
	return c.configTree
}

// ConfigString returns a string config entry, or "" when absent
func (c *NodeExecutionContext) ConfigString(key string) string {
	if v, ok := c.Config()[key].(string); ok {
		return v
	}
	return ""
}

// ConfigInt returns an integer config entry, or def when absent
func (c *NodeExecutionContext) ConfigInt(key string, def int) int {
	switch v := c.Config()[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// ConfigStringSlice returns a list config entry. Scalar strings normalize
// to a single-element list.
func (c *NodeExecutionContext) ConfigStringSlice(key string) []string {
	switch v := c.Config()[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// DataOutputPorts returns the step's non-control output ports
func (c *NodeExecutionContext) DataOutputPorts() []plan.OutputPort {
	var ports []plan.OutputPort
	for _, p := range c.Step.OutputPorts {
		if !p.IsControl {
			ports = append(ports, p)
		}
	}
	return ports
}

// NodeExecutor is the contract every pluggable node implementation
// satisfies. A nil reader means the step consumes its upstream edge
// buffers; a nil writer means the engine routes processed records
// downstream itself.
type NodeExecutor interface {
	NodeType() string
	Validate(ctx *NodeExecutionContext) error
	CreateReader(ctx *NodeExecutionContext) (ItemReader, error)
	CreateProcessor(ctx *NodeExecutionContext) (ItemProcessor, error)
	CreateWriter(ctx *NodeExecutionContext) (ItemWriter, error)
	SupportsMetrics() bool
	SupportsFailureHandling() bool
}

// Registry maps node types to their executors
type Registry struct {
	mu        sync.RWMutex
	executors map[string]NodeExecutor
}

// NewRegistry creates an empty executor registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]NodeExecutor)}
}

// Register adds an executor, keyed by its trimmed node type. Registering
// the same type twice replaces the earlier executor.
func (r *Registry) Register(executor NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[strings.TrimSpace(executor.NodeType())] = executor
}

// Get returns the executor for a node type
func (r *Registry) Get(nodeType string) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[strings.TrimSpace(nodeType)]
	if !ok {
		return nil, fmt.Errorf("no executor registered for node type '%s'", nodeType)
	}
	return executor, nil
}

// Has reports whether a node type has a registered executor. Implements
// plan.ExecutorChecker.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[strings.TrimSpace(nodeType)]
	return ok
}

// Types returns all registered node types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}
