package plan

import (
	"encoding/json"

	"github.com/flowplan/flowplan/internal/workflow"
)

// StepKind is the control-flow kind of a compiled step
type StepKind string

const (
	KindNormal   StepKind = "NORMAL"
	KindFork     StepKind = "FORK"
	KindJoin     StepKind = "JOIN"
	KindBarrier  StepKind = "BARRIER"
	KindDecision StepKind = "DECISION"
	KindSubgraph StepKind = "SUBGRAPH"
)

// Classification describes a step's role derived from its data-edge degree
type Classification string

const (
	ClassSource    Classification = "SOURCE"
	ClassSink      Classification = "SINK"
	ClassTransform Classification = "TRANSFORM"
	ClassSplit     Classification = "SPLIT"
	ClassJoin      Classification = "JOIN"
	ClassControl   Classification = "CONTROL"
)

// OutputPort names one outgoing edge of a step
type OutputPort struct {
	TargetNodeID string `json:"targetNodeId"`
	SourcePort   string `json:"sourcePort"`
	TargetPort   string `json:"targetPort"`
	IsControl    bool   `json:"isControl"`
}

// StepNode is a compiled, immutable workflow node
type StepNode struct {
	NodeID         string                   `json:"nodeId"`
	NodeType       string                   `json:"nodeType"`
	Config         json.RawMessage          `json:"config,omitempty"`
	NextSteps      []string                 `json:"nextSteps,omitempty"`
	ErrorSteps     []string                 `json:"errorSteps,omitempty"`
	UpstreamSteps  []string                 `json:"upstreamSteps,omitempty"`
	Metrics        bool                     `json:"metrics,omitempty"`
	OnFailure      *workflow.FailurePolicy  `json:"onFailure,omitempty"`
	ExecutionHints *workflow.ExecutionHints `json:"executionHints,omitempty"`
	Classification Classification           `json:"classification"`
	OutputPorts    []OutputPort             `json:"outputPorts,omitempty"`
	Kind           StepKind                 `json:"kind"`
}

// Mode returns the step's execution mode hint, defaulting to serial
func (s *StepNode) Mode() workflow.ExecutionMode {
	if s.ExecutionHints != nil && s.ExecutionHints.Mode == workflow.ModeParallel {
		return workflow.ModeParallel
	}
	return workflow.ModeSerial
}

// JoinNodeID returns the declared join target for a fork, if any
func (s *StepNode) JoinNodeID() string {
	if s.ExecutionHints == nil {
		return ""
	}
	return s.ExecutionHints.JoinNodeID
}

// ChunkSize returns the step's chunk size hint, or 0 when unset
func (s *StepNode) ChunkSize() int {
	if s.ExecutionHints == nil {
		return 0
	}
	return s.ExecutionHints.ChunkSize
}

// ExecutionPlan is a compiled, validated workflow graph. Steps preserve the
// definition's node order; all references are step IDs, never pointers.
type ExecutionPlan struct {
	WorkflowID   string               `json:"workflowId"`
	EntryStepIDs []string             `json:"entryStepIds"`
	StepIDs      []string             `json:"stepIds"`
	Steps        map[string]*StepNode `json:"steps"`
	// Metadata carries compile-time audit notes such as inferred join ids
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Step returns the step with the given id, or nil
func (p *ExecutionPlan) Step(id string) *StepNode {
	return p.Steps[id]
}

// Size returns the number of compiled steps
func (p *ExecutionPlan) Size() int {
	return len(p.StepIDs)
}

// OrderedSteps returns all steps in plan insertion order
func (p *ExecutionPlan) OrderedSteps() []*StepNode {
	steps := make([]*StepNode, 0, len(p.StepIDs))
	for _, id := range p.StepIDs {
		steps = append(steps, p.Steps[id])
	}
	return steps
}

// joinFamilyTypes are node types compiled to KindJoin
var joinFamilyTypes = map[string]bool{
	"Join":      true,
	"Gather":    true,
	"Collect":   true,
	"Merge":     true,
	"Intersect": true,
	"Minus":     true,
}

// barrierFamilyTypes are node types compiled to KindBarrier
var barrierFamilyTypes = map[string]bool{
	"Barrier":     true,
	"JoinBarrier": true,
}

// decisionFamilyTypes are node types compiled to KindDecision
var decisionFamilyTypes = map[string]bool{
	"Decision":     true,
	"Switch":       true,
	"JobCondition": true,
}

// forkFamilyTypes are node types compiled to KindFork
var forkFamilyTypes = map[string]bool{
	"Split":          true,
	"Replicate":      true,
	"Partition":      true,
	"HashPartition":  true,
	"RangePartition": true,
	"Broadcast":      true,
}

// errorTargetTypes are node types that receive a step's failure routing
var errorTargetTypes = map[string]bool{
	"Reject":    true,
	"ErrorSink": true,
}

// IsJoinFamily reports whether the node type belongs to the join family
func IsJoinFamily(nodeType string) bool {
	return joinFamilyTypes[nodeType]
}

// kindForType maps a node type to its base step kind
func kindForType(nodeType string) StepKind {
	switch {
	case joinFamilyTypes[nodeType]:
		return KindJoin
	case barrierFamilyTypes[nodeType]:
		return KindBarrier
	case decisionFamilyTypes[nodeType]:
		return KindDecision
	case nodeType == "Subgraph":
		return KindSubgraph
	case forkFamilyTypes[nodeType]:
		return KindFork
	default:
		return KindNormal
	}
}
