package plan

import (
	"fmt"
	"strings"
)

// ValidatorOptions controls validation strictness
type ValidatorOptions struct {
	// StrictJoins turns convergence violations into errors
	StrictJoins bool
	// StrictJoinUpstreams requires declared upstreams to match actual incomers
	StrictJoinUpstreams bool
	// RequireExplicitJoin rejects multi-branch forks without a join target
	RequireExplicitJoin bool
}

// ValidationResult holds the outcome of a plan validation pass
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validate runs structural and semantic checks over a compiled plan
func Validate(p *ExecutionPlan, opts ValidatorOptions) ValidationResult {
	v := &validator{plan: p, opts: opts}
	return v.run()
}

type validator struct {
	plan     *ExecutionPlan
	opts     ValidatorOptions
	errors   []string
	warnings []string
	// incomers maps step id -> predecessor ids over nextSteps
	incomers map[string][]string
}

func (v *validator) errorf(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validator) warnf(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validator) run() ValidationResult {
	if v.plan == nil || len(v.plan.StepIDs) == 0 {
		v.errorf("execution plan is empty")
		return v.result()
	}
	if len(v.plan.EntryStepIDs) == 0 {
		v.errorf("execution plan has no entry steps")
		return v.result()
	}

	v.checkReferences()
	if len(v.errors) > 0 {
		// Unresolved references make the remaining graph checks meaningless
		return v.result()
	}

	v.buildIncomers()
	v.checkCycles()
	if len(v.errors) > 0 {
		// A cyclic graph breaks the ancestor walks below
		return v.result()
	}
	v.checkConvergence()
	v.checkForkJoins()
	v.checkJoinSanity()
	v.checkOrphans()

	return v.result()
}

func (v *validator) result() ValidationResult {
	return ValidationResult{
		Valid:    len(v.errors) == 0,
		Errors:   v.errors,
		Warnings: v.warnings,
	}
}

// checkReferences verifies every id in the plan resolves inside steps
func (v *validator) checkReferences() {
	for _, entry := range v.plan.EntryStepIDs {
		if v.plan.Steps[entry] == nil {
			v.errorf("entry step '%s' does not resolve", entry)
		}
	}
	for _, id := range v.plan.StepIDs {
		step := v.plan.Steps[id]
		for _, refs := range map[string][]string{
			"nextSteps":     step.NextSteps,
			"errorSteps":    step.ErrorSteps,
			"upstreamSteps": step.UpstreamSteps,
		} {
			for _, ref := range refs {
				if v.plan.Steps[ref] == nil {
					v.errorf("step '%s' references unknown step '%s'", id, ref)
				}
			}
		}
	}
}

func (v *validator) buildIncomers() {
	v.incomers = make(map[string][]string)
	for _, id := range v.plan.StepIDs {
		for _, next := range v.plan.Steps[id].NextSteps {
			v.incomers[next] = append(v.incomers[next], id)
		}
	}
}

// checkCycles runs DFS with a recursion stack over nextSteps; an error
// carries the offending cycle path.
func (v *validator) checkCycles() {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = inStack
		path = append(path, id)
		for _, next := range v.plan.Steps[id].NextSteps {
			switch state[next] {
			case inStack:
				for i, p := range path {
					if p == next {
						return append(append([]string(nil), path[i:]...), next)
					}
				}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, id := range v.plan.StepIDs {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				v.errorf("Cycle detected: %s", strings.Join(cycle, " -> "))
				return
			}
		}
	}
}

// checkConvergence enforces that multi-incomer steps are joins, barriers,
// or exclusive merges of a single decision's branches.
func (v *validator) checkConvergence() {
	for _, id := range v.plan.StepIDs {
		step := v.plan.Steps[id]
		incoming := v.incomers[id]
		if len(incoming) <= 1 {
			continue
		}
		if step.Kind == KindJoin || step.Kind == KindBarrier {
			continue
		}
		if v.isExclusiveMerge(incoming) {
			continue
		}

		msg := fmt.Sprintf(
			"step '%s' (kind %s) has %d incoming paths but is not a JOIN or BARRIER",
			id, step.Kind, len(incoming),
		)
		if v.opts.StrictJoins {
			v.errors = append(v.errors, msg)
		} else {
			v.warnings = append(v.warnings, msg)
		}
	}
}

// isExclusiveMerge reports whether all incomers trace back to one shared
// DECISION ancestor through single-predecessor chains.
func (v *validator) isExclusiveMerge(incoming []string) bool {
	var decision string
	for _, in := range incoming {
		id := in
		for {
			step := v.plan.Steps[id]
			if step.Kind == KindDecision {
				break
			}
			preds := v.incomers[id]
			if len(preds) != 1 {
				return false
			}
			id = preds[0]
		}
		if decision == "" {
			decision = id
		} else if decision != id {
			return false
		}
	}
	return decision != ""
}

// checkForkJoins verifies each multi-branch fork converges on a declared
// join every branch can reach.
func (v *validator) checkForkJoins() {
	for _, id := range v.plan.StepIDs {
		step := v.plan.Steps[id]
		if step.Kind != KindFork || len(step.NextSteps) < 2 {
			continue
		}

		joinID := step.JoinNodeID()
		if joinID == "" {
			if v.opts.RequireExplicitJoin {
				v.errorf("FORK node '%s' with %d branches has no joinNodeId declared", id, len(step.NextSteps))
			}
			continue
		}

		join := v.plan.Steps[joinID]
		if join == nil {
			v.errorf("FORK node '%s' declares joinNodeId '%s' which does not resolve", id, joinID)
			continue
		}
		if join.Kind != KindJoin && join.Kind != KindBarrier {
			v.errorf("FORK node '%s' declares joinNodeId '%s' of kind %s, expected JOIN or BARRIER", id, joinID, join.Kind)
			continue
		}
		for _, branch := range step.NextSteps {
			if branch == joinID {
				continue
			}
			if !descendants(v.plan, branch)[joinID] {
				v.errorf("FORK node '%s': branch '%s' cannot reach joinNodeId '%s'", id, branch, joinID)
			}
		}
	}
}

// checkJoinSanity verifies join in-degree and declared upstreams
func (v *validator) checkJoinSanity() {
	for _, id := range v.plan.StepIDs {
		step := v.plan.Steps[id]
		if step.Kind != KindJoin {
			continue
		}
		incoming := v.incomers[id]
		if len(incoming) < 2 {
			v.warnf("JOIN node '%s' has %d incoming paths, expected at least 2", id, len(incoming))
		}
		if v.opts.StrictJoinUpstreams && !sameSet(step.UpstreamSteps, incoming) {
			v.errorf("JOIN node '%s': declared upstreams %v do not match actual incomers %v",
				id, step.UpstreamSteps, incoming)
		}
	}
}

// checkOrphans warns on steps unreachable from any entry
func (v *validator) checkOrphans() {
	reached := make(map[string]bool)
	queue := append([]string(nil), v.plan.EntryStepIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		step := v.plan.Steps[id]
		queue = append(queue, step.NextSteps...)
		queue = append(queue, step.ErrorSteps...)
	}
	for _, id := range v.plan.StepIDs {
		if !reached[id] {
			v.warnf("step '%s' is not reachable from any entry step", id)
		}
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
