package plan

import (
	"fmt"

	"github.com/flowplan/flowplan/internal/workflow"
)

// RestartSuffix is appended to the workflow id of a restart plan
const RestartSuffix = "_restart"

// CreatePartialPlan builds a reduced plan that starts at fromNodeID and
// contains its forward closure over nextSteps and errorSteps. A fork whose
// declared join falls outside the kept set cannot be restarted mid-region
// and is refused.
func CreatePartialPlan(original *ExecutionPlan, fromNodeID string) (*ExecutionPlan, error) {
	if original.Steps[fromNodeID] == nil {
		return nil, fmt.Errorf("restart node '%s' does not exist in plan", fromNodeID)
	}

	kept := forwardReach(original, []string{fromNodeID})
	return buildPartial(original, kept, []string{fromNodeID})
}

// CreatePartialPlanFromFailedNodes builds a reduced plan that reruns the
// failed nodes of a prior run plus everything downstream of them. A
// successful node downstream of a failure reruns because its inputs change;
// successful nodes outside the failure closure are skipped.
func CreatePartialPlanFromFailedNodes(original *ExecutionPlan, statuses map[string]workflow.NodeStatus) (*ExecutionPlan, error) {
	var failed []string
	for _, id := range original.StepIDs {
		if statuses[id] == workflow.NodeStatusFailed {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return nil, fmt.Errorf("no failed nodes to restart from")
	}

	kept := forwardReach(original, failed)

	// Entry points are the failed nodes themselves, in plan order
	entries := make([]string, 0, len(failed))
	for _, id := range failed {
		if kept[id] {
			entries = append(entries, id)
		}
	}

	partial, err := buildPartial(original, kept, entries)
	if err != nil {
		return nil, err
	}
	partial.WorkflowID = original.WorkflowID + RestartSuffix
	return partial, nil
}

// forwardReach returns the closure of nextSteps and errorSteps from the
// given roots, inclusive.
func forwardReach(p *ExecutionPlan, roots []string) map[string]bool {
	reached := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		step := p.Steps[id]
		if step == nil {
			continue
		}
		reached[id] = true
		queue = append(queue, step.NextSteps...)
		queue = append(queue, step.ErrorSteps...)
	}
	return reached
}

// buildPartial copies the kept steps, prunes dangling references, and
// demotes an entry join that lost upstreams into a plain step. A join that
// is not an entry keeps its kind and its remaining upstreams.
func buildPartial(original *ExecutionPlan, kept map[string]bool, entries []string) (*ExecutionPlan, error) {
	entrySet := make(map[string]bool, len(entries))
	for _, e := range entries {
		entrySet[e] = true
	}

	partial := &ExecutionPlan{
		WorkflowID:   original.WorkflowID,
		EntryStepIDs: entries,
		Steps:        make(map[string]*StepNode, len(kept)),
		Metadata:     make(map[string]string),
	}

	for _, id := range original.StepIDs {
		if !kept[id] {
			continue
		}
		src := original.Steps[id]

		step := &StepNode{
			NodeID:         src.NodeID,
			NodeType:       src.NodeType,
			Config:         src.Config,
			NextSteps:      filterKept(src.NextSteps, kept),
			ErrorSteps:     filterKept(src.ErrorSteps, kept),
			UpstreamSteps:  filterKept(src.UpstreamSteps, kept),
			Metrics:        src.Metrics,
			OnFailure:      src.OnFailure,
			ExecutionHints: src.ExecutionHints,
			Classification: src.Classification,
			OutputPorts:    src.OutputPorts,
			Kind:           src.Kind,
		}

		// A join whose upstream branches were pruned away becomes the new
		// entry; it runs as a plain step fed by fresh reads.
		if step.Kind == KindJoin && entrySet[id] && len(step.UpstreamSteps) < len(src.UpstreamSteps) {
			step.Kind = KindNormal
			step.UpstreamSteps = nil
		}

		partial.StepIDs = append(partial.StepIDs, id)
		partial.Steps[id] = step
	}

	// Restarting inside a fork region is not possible: the split cannot be
	// rebuilt without its join.
	for _, id := range partial.StepIDs {
		step := partial.Steps[id]
		if step.Kind != KindFork || len(step.NextSteps) < 2 {
			continue
		}
		joinID := step.JoinNodeID()
		if joinID != "" && partial.Steps[joinID] == nil {
			return nil, fmt.Errorf(
				"cannot restart: FORK node '%s' is retained but its join '%s' is not",
				id, joinID,
			)
		}
	}

	return partial, nil
}

func filterKept(ids []string, kept map[string]bool) []string {
	var out []string
	for _, id := range ids {
		if kept[id] {
			out = append(out, id)
		}
	}
	return out
}
