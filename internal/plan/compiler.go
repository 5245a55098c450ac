package plan

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowplan/flowplan/internal/workflow"
)

// GraphValidationError carries every violation found while validating a
// workflow graph or a compiled plan.
type GraphValidationError struct {
	Errors []string
}

// Error implements the error interface
func (e *GraphValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("workflow graph validation failed: %s", strings.Join(e.Errors, "; "))
}

func newGraphError(format string, args ...any) *GraphValidationError {
	return &GraphValidationError{Errors: []string{fmt.Sprintf(format, args...)}}
}

// ExecutorChecker reports whether an executor is registered for a node type.
// The compiler only needs presence, not the executor itself.
type ExecutorChecker interface {
	Has(nodeType string) bool
}

// CompilerOptions controls join strictness during compilation
type CompilerOptions struct {
	// StrictJoins rejects multi-branch forks without a declared join
	StrictJoins bool
	// AllowJoinInference permits inferring a missing join target
	AllowJoinInference bool
}

// Compiler transforms a workflow definition into an executable plan
type Compiler struct {
	opts     CompilerOptions
	registry ExecutorChecker
	logger   *slog.Logger
}

// NewCompiler creates a new graph compiler
func NewCompiler(opts CompilerOptions, registry ExecutorChecker, logger *slog.Logger) *Compiler {
	return &Compiler{
		opts:     opts,
		registry: registry,
		logger:   logger,
	}
}

// Compile builds an ExecutionPlan from a normalized workflow definition
func (c *Compiler) Compile(def *workflow.Definition) (*ExecutionPlan, error) {
	if err := c.validateDefinition(def); err != nil {
		return nil, err
	}

	adj := buildAdjacency(def)

	start := findStartNode(def)
	entrySteps := make([]string, 0, len(adj.control[start.ID]))
	entrySteps = append(entrySteps, adj.control[start.ID]...)

	p := &ExecutionPlan{
		WorkflowID:   def.ID,
		EntryStepIDs: entrySteps,
		Steps:        make(map[string]*StepNode, len(def.Nodes)),
		Metadata:     make(map[string]string),
	}

	nodeTypes := make(map[string]string, len(def.Nodes))
	for _, n := range def.Nodes {
		nodeTypes[n.ID] = n.Type
	}

	for _, node := range def.Nodes {
		if node.Type == workflow.NodeTypeStart {
			continue
		}
		step := c.compileStep(node, adj, nodeTypes)
		p.StepIDs = append(p.StepIDs, step.NodeID)
		p.Steps[step.NodeID] = step
	}

	if err := c.resolveJoins(p); err != nil {
		return nil, err
	}

	result := Validate(p, ValidatorOptions{})
	if !result.Valid {
		return nil, &GraphValidationError{Errors: result.Errors}
	}
	for _, w := range result.Warnings {
		c.logger.Warn("plan validation warning", "workflow_id", def.ID, "warning", w)
	}

	return p, nil
}

// compileStep derives one StepNode from its definition and adjacency
func (c *Compiler) compileStep(node workflow.NodeDefinition, adj *adjacency, nodeTypes map[string]string) *StepNode {
	inData := len(adj.reverseData[node.ID])
	outData := len(adj.forwardData[node.ID])

	step := &StepNode{
		NodeID:         node.ID,
		NodeType:       node.Type,
		Config:         node.Config,
		Metrics:        node.Metrics,
		OnFailure:      node.OnFailure,
		ExecutionHints: node.ExecutionHints,
		Classification: classify(inData, outData),
		UpstreamSteps:  append([]string(nil), adj.reverseData[node.ID]...),
	}

	// nextSteps: data targets then control targets, first-seen-wins dedup.
	// Error-typed targets route through errorSteps only.
	seen := make(map[string]bool)
	for _, targets := range [][]string{adj.forwardData[node.ID], adj.control[node.ID]} {
		for _, target := range targets {
			if seen[target] {
				continue
			}
			seen[target] = true
			if errorTargetTypes[nodeTypes[target]] {
				step.ErrorSteps = append(step.ErrorSteps, target)
			} else {
				step.NextSteps = append(step.NextSteps, target)
			}
		}
	}

	for _, edge := range adj.outEdges[node.ID] {
		step.OutputPorts = append(step.OutputPorts, OutputPort{
			TargetNodeID: edge.Target,
			SourcePort:   edge.SourcePort(),
			TargetPort:   edge.TargetPort(),
			IsControl:    edge.IsControl,
		})
	}

	step.Kind = kindForType(node.Type)
	if len(step.UpstreamSteps) > 1 && step.Classification == ClassJoin {
		step.Kind = KindJoin
	}
	if step.Kind == KindNormal && len(step.NextSteps) > 1 && step.Mode() == workflow.ModeParallel {
		step.Kind = KindFork
	}

	return step
}

// classify derives a step's role from its data-edge degree
func classify(inData, outData int) Classification {
	switch {
	case inData == 0 && outData > 0:
		return ClassSource
	case inData > 0 && outData == 0:
		return ClassSink
	case inData == 1 && outData > 1:
		return ClassSplit
	case inData > 1 && outData == 1:
		return ClassJoin
	case inData == 1 && outData == 1:
		return ClassTransform
	default:
		return ClassControl
	}
}

// resolveJoins ensures every multi-branch fork has a join target, inferring
// one when permitted.
func (c *Compiler) resolveJoins(p *ExecutionPlan) error {
	for _, id := range p.StepIDs {
		step := p.Steps[id]
		if step.Kind != KindFork || len(step.NextSteps) < 2 {
			continue
		}
		if step.JoinNodeID() != "" {
			continue
		}

		if !c.opts.AllowJoinInference {
			if c.opts.StrictJoins {
				return newGraphError(
					"FORK node '%s' with %d branches has no joinNodeId declared and join inference is disabled",
					step.NodeID, len(step.NextSteps),
				)
			}
			continue
		}

		joinID, err := c.inferJoin(p, step)
		if err != nil {
			if c.opts.StrictJoins {
				return err
			}
			c.logger.Warn("join inference failed", "fork_node", step.NodeID, "error", err)
			continue
		}

		c.logger.Warn("inferred join target for fork",
			"fork_node", step.NodeID,
			"join_node", joinID,
		)
		if step.ExecutionHints == nil {
			step.ExecutionHints = &workflow.ExecutionHints{}
		}
		step.ExecutionHints.JoinNodeID = joinID
		p.Metadata["inferredJoin:"+step.NodeID] = joinID
	}
	return nil
}

// inferJoin finds the convergence node shared by all branches of a fork.
// Candidates whose incoming data-edge count covers the branch count and
// whose type is in the join family are preferred; remaining ties break on
// the minimum max-depth from the fork, then plan order.
func (c *Compiler) inferJoin(p *ExecutionPlan, fork *StepNode) (string, error) {
	branchCount := len(fork.NextSteps)

	common := descendants(p, fork.NextSteps[0])
	for _, branch := range fork.NextSteps[1:] {
		branchSet := descendants(p, branch)
		for id := range common {
			if !branchSet[id] {
				delete(common, id)
			}
		}
	}
	if len(common) == 0 {
		return "", newGraphError("FORK node '%s': branches never converge, cannot infer joinNodeId", fork.NodeID)
	}

	depths := maxDepths(p, fork.NodeID)

	var preferred []string
	for _, id := range p.StepIDs {
		if !common[id] {
			continue
		}
		step := p.Steps[id]
		if len(step.UpstreamSteps) >= branchCount && IsJoinFamily(step.NodeType) {
			preferred = append(preferred, id)
		}
	}

	candidates := preferred
	if len(candidates) == 0 {
		for _, id := range p.StepIDs {
			if common[id] {
				candidates = append(candidates, id)
			}
		}
	}

	best := candidates[0]
	for _, id := range candidates[1:] {
		if depths[id] < depths[best] {
			best = id
		}
	}
	return best, nil
}

// descendants returns the forward closure of nextSteps from a step,
// inclusive of the step itself.
func descendants(p *ExecutionPlan, from string) map[string]bool {
	visited := make(map[string]bool)
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		if step := p.Steps[id]; step != nil {
			queue = append(queue, step.NextSteps...)
		}
	}
	return visited
}

// maxDepths computes the longest nextSteps path from a root to every
// reachable step. It walks breadth-first and re-queues a step whenever a
// longer path to it is found; the plan is a DAG at this point, so the walk
// ends.
func maxDepths(p *ExecutionPlan, root string) map[string]int {
	depths := map[string]int{root: 0}
	var queue []string
	queue = append(queue, root)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step := p.Steps[id]
		if step == nil {
			continue
		}
		for _, next := range step.NextSteps {
			if d, ok := depths[next]; !ok || depths[id]+1 > d {
				depths[next] = depths[id] + 1
				queue = append(queue, next)
			}
		}
	}
	return depths
}

// adjacency holds the three edge views used during compilation
type adjacency struct {
	forwardData map[string][]string
	reverseData map[string][]string
	control     map[string][]string
	outEdges    map[string][]workflow.Edge
}

func buildAdjacency(def *workflow.Definition) *adjacency {
	adj := &adjacency{
		forwardData: make(map[string][]string),
		reverseData: make(map[string][]string),
		control:     make(map[string][]string),
		outEdges:    make(map[string][]workflow.Edge),
	}
	for _, edge := range def.Edges {
		adj.outEdges[edge.Source] = append(adj.outEdges[edge.Source], edge)
		if edge.IsControl {
			adj.control[edge.Source] = append(adj.control[edge.Source], edge.Target)
		} else {
			adj.forwardData[edge.Source] = append(adj.forwardData[edge.Source], edge.Target)
			adj.reverseData[edge.Target] = append(adj.reverseData[edge.Target], edge.Source)
		}
	}
	return adj
}

func findStartNode(def *workflow.Definition) *workflow.NodeDefinition {
	for i := range def.Nodes {
		if def.Nodes[i].Type == workflow.NodeTypeStart {
			return &def.Nodes[i]
		}
	}
	return nil
}

// validateDefinition enforces the raw-graph invariants before compilation
func (c *Compiler) validateDefinition(def *workflow.Definition) error {
	var errs []string

	if len(def.Nodes) == 0 {
		return newGraphError("workflow has no nodes")
	}

	ids := make(map[string]bool, len(def.Nodes))
	types := make(map[string]string, len(def.Nodes))
	for _, node := range def.Nodes {
		if node.ID == "" {
			errs = append(errs, "node with empty id")
			continue
		}
		if ids[node.ID] {
			errs = append(errs, fmt.Sprintf("duplicate node id '%s'", node.ID))
		}
		ids[node.ID] = true
		types[node.ID] = node.Type
	}

	for _, edge := range def.Edges {
		if !ids[edge.Source] {
			errs = append(errs, fmt.Sprintf("edge references unknown source node '%s'", edge.Source))
		}
		if !ids[edge.Target] {
			errs = append(errs, fmt.Sprintf("edge references unknown target node '%s'", edge.Target))
		}
	}
	if len(errs) > 0 {
		return &GraphValidationError{Errors: errs}
	}

	outData := make(map[string]int)
	outControl := make(map[string]int)
	inData := make(map[string]int)
	for _, edge := range def.Edges {
		if edge.IsControl {
			outControl[edge.Source]++
		} else {
			outData[edge.Source]++
			inData[edge.Target]++
		}
	}

	startCount := 0
	for _, node := range def.Nodes {
		if node.Type == workflow.NodeTypeStart {
			startCount++
			if outControl[node.ID] == 0 {
				errs = append(errs, fmt.Sprintf("Start node '%s' has no outgoing control edges", node.ID))
			}
			if outData[node.ID] > 0 {
				errs = append(errs, fmt.Sprintf("Start node '%s' must not have outgoing data edges", node.ID))
			}
		}
	}
	if startCount != 1 {
		errs = append(errs, fmt.Sprintf("workflow must have exactly one Start node, found %d", startCount))
	}

	for _, node := range def.Nodes {
		if strings.HasSuffix(node.Type, "Sink") && outData[node.ID] > 0 {
			errs = append(errs, fmt.Sprintf("sink node '%s' must not have outgoing data edges", node.ID))
		}
		if joinFamilyTypes[node.Type] && inData[node.ID] < 2 {
			errs = append(errs, fmt.Sprintf("join node '%s' requires at least 2 incoming data edges, found %d", node.ID, inData[node.ID]))
		}
		if node.Type != workflow.NodeTypeStart && c.registry != nil && !c.registry.Has(node.Type) {
			errs = append(errs, fmt.Sprintf("no executor registered for node type '%s' (node '%s')", node.Type, node.ID))
		}
	}

	if cycle := dataCycle(def); len(cycle) > 0 {
		errs = append(errs, fmt.Sprintf("Cycle detected in data edges: %s", strings.Join(cycle, " -> ")))
	}

	if len(errs) > 0 {
		return &GraphValidationError{Errors: errs}
	}
	return nil
}

// dataCycle detects a cycle in the data-edge subgraph and returns its path
func dataCycle(def *workflow.Definition) []string {
	adj := make(map[string][]string)
	for _, edge := range def.Edges {
		if !edge.IsControl {
			adj[edge.Source] = append(adj[edge.Source], edge.Target)
		}
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inStack
		path = append(path, id)
		for _, next := range adj[id] {
			switch state[next] {
			case inStack:
				// Extract the cycle from the current path
				for i, p := range path {
					if p == next {
						cycle = append(append([]string(nil), path[i:]...), next)
						return true
					}
				}
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return false
	}

	for _, node := range def.Nodes {
		if state[node.ID] == unvisited {
			if visit(node.ID) {
				return cycle
			}
		}
	}
	return nil
}
