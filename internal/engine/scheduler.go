package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/flowplan/flowplan/internal/plan"
)

// StepListener observes step lifecycle events. Listeners must be safe for
// concurrent calls: branch steps run on pool workers.
type StepListener interface {
	BeforeStep(ctx context.Context, executionID string, step *plan.StepNode)
	AfterStep(ctx context.Context, executionID string, step *plan.StepNode, result StepResult)
}

// SchedulerOptions configures job building and execution
type SchedulerOptions struct {
	// Restartable selects whether the underlying engine may resume a run
	Restartable bool
	// RequireWorkflowID refuses to build a job without a workflow id
	RequireWorkflowID bool
	// DefaultChunkSize applies when a step declares no chunk size hint
	DefaultChunkSize int
	// FailJoinOnBranchError makes join barriers raise when a branch failed
	FailJoinOnBranchError bool
}

// Scheduler compiles execution plans into runtime flows and drives them
type Scheduler struct {
	registry  *Registry
	buffers   *EdgeBufferStore
	pool      *WorkerPool
	db        *sqlx.DB
	opts      SchedulerOptions
	logger    *slog.Logger
	listeners []StepListener
}

// NewScheduler creates a flow scheduler
func NewScheduler(registry *Registry, buffers *EdgeBufferStore, pool *WorkerPool, db *sqlx.DB, opts SchedulerOptions, logger *slog.Logger) *Scheduler {
	if opts.DefaultChunkSize <= 0 {
		opts.DefaultChunkSize = DefaultChunkSize
	}
	return &Scheduler{
		registry: registry,
		buffers:  buffers,
		pool:     pool,
		db:       db,
		opts:     opts,
		logger:   logger,
	}
}

// AddListener registers a step lifecycle listener
func (s *Scheduler) AddListener(l StepListener) {
	s.listeners = append(s.listeners, l)
}

// Restartable reports whether completed or failed runs may be resumed
func (s *Scheduler) Restartable() bool {
	return s.opts.Restartable
}

// Job is a runnable flow compiled from an execution plan
type Job struct {
	Name        string
	Plan        *plan.ExecutionPlan
	Restartable bool
	flows       []*flowNode
}

// buildMode distinguishes how a node is reached during flow construction
type buildMode string

const (
	modeNormal buildMode = "NORMAL"
	modeBranch buildMode = "BRANCH"
	modeError  buildMode = "ERROR"
)

// flowNode is one vertex of the runtime flow tree. The plan is a DAG; the
// flow is a tree of sub-flows referencing steps by value.
type flowNode struct {
	step      *plan.StepNode
	errorFlow *flowNode
	next      []*flowNode
	split     []*branchFlow
	after     *flowNode
}

// branchFlow is one parallel branch of a split
type branchFlow struct {
	rootID string
	flow   *flowNode
}

// BuildJob compiles a validated plan into a runtime flow graph. The plan
// is re-validated defensively before wiring.
func (s *Scheduler) BuildJob(p *plan.ExecutionPlan) (*Job, error) {
	result := plan.Validate(p, plan.ValidatorOptions{})
	if !result.Valid {
		return nil, &plan.GraphValidationError{Errors: result.Errors}
	}

	name := "workflow-" + p.WorkflowID
	if p.WorkflowID == "" {
		if s.opts.RequireWorkflowID {
			return nil, fmt.Errorf("workflow id is required to build a job")
		}
		name = "workflow-" + uuid.New().String()
		s.logger.Warn("workflow has no id; using a random job name, restart semantics will be broken",
			"job_name", name)
	}

	b := &flowBuilder{
		plan: p,
		memo: make(map[memoKey]*flowNode),
		path: make(map[string]bool),
	}

	job := &Job{
		Name:        name,
		Plan:        p,
		Restartable: s.opts.Restartable,
	}
	for _, entry := range p.EntryStepIDs {
		flow, err := b.build(entry, modeNormal, "")
		if err != nil {
			return nil, err
		}
		if flow != nil {
			job.flows = append(job.flows, flow)
		}
	}
	return job, nil
}

type memoKey struct {
	nodeID string
	mode   buildMode
	stopAt string
}

type flowBuilder struct {
	plan *plan.ExecutionPlan
	memo map[memoKey]*flowNode
	path map[string]bool
}

// build walks the plan depth-first, memoized per (node, mode, stop
// boundary). Revisiting a node on the current path is a cycle and fails
// fast.
func (b *flowBuilder) build(nodeID string, mode buildMode, stopAt string) (*flowNode, error) {
	if nodeID == stopAt {
		return nil, nil
	}
	key := memoKey{nodeID: nodeID, mode: mode, stopAt: stopAt}
	if node, ok := b.memo[key]; ok {
		return node, nil
	}
	if b.path[nodeID] {
		return nil, fmt.Errorf("cycle detected while building flow at node '%s'", nodeID)
	}

	step := b.plan.Step(nodeID)
	if step == nil {
		return nil, fmt.Errorf("flow references unknown step '%s'", nodeID)
	}
	if step.Kind == plan.KindDecision || step.Kind == plan.KindSubgraph {
		return nil, &UnsupportedNodeError{NodeID: nodeID, Kind: string(step.Kind)}
	}

	b.path[nodeID] = true
	defer delete(b.path, nodeID)

	node := &flowNode{step: step}

	if len(step.ErrorSteps) > 0 {
		errorFlow, err := b.buildChain(step.ErrorSteps, modeError, "")
		if err != nil {
			return nil, err
		}
		node.errorFlow = errorFlow
	}

	if step.Kind == plan.KindFork && len(step.NextSteps) > 1 {
		if err := b.buildSplit(node, step, stopAt); err != nil {
			return nil, err
		}
	} else {
		for _, next := range step.NextSteps {
			child, err := b.build(next, childMode(mode), stopAt)
			if err != nil {
				return nil, err
			}
			if child != nil {
				node.next = append(node.next, child)
			}
		}
	}

	b.memo[key] = node
	return node, nil
}

// buildSplit wires a fork's parallel branches and its join continuation.
// Branch sub-flows are walked until the declared join, exclusive; nested
// forks recurse with their own inner join and continue toward the outer
// boundary.
func (b *flowBuilder) buildSplit(node *flowNode, step *plan.StepNode, stopAt string) error {
	joinID := step.JoinNodeID()
	branchStop := joinID
	if branchStop == "" {
		// Lenient mode admitted a fork without a declared join: branches
		// run to their own ends and no join continuation follows the
		// split. A JOIN or BARRIER step that several branches reach runs
		// once (see claimJoin).
		branchStop = stopAt
	}

	for _, branch := range step.NextSteps {
		flow, err := b.build(branch, modeBranch, branchStop)
		if err != nil {
			return err
		}
		if flow != nil {
			node.split = append(node.split, &branchFlow{rootID: branch, flow: flow})
		}
	}

	if joinID != "" {
		after, err := b.build(joinID, modeNormal, stopAt)
		if err != nil {
			return err
		}
		node.after = after
	}
	return nil
}

// buildChain builds a sequence of sub-flows run one after another
func (b *flowBuilder) buildChain(ids []string, mode buildMode, stopAt string) (*flowNode, error) {
	var head *flowNode
	var tail *flowNode
	for _, id := range ids {
		node, err := b.build(id, mode, stopAt)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		if head == nil {
			head = node
			tail = node
			continue
		}
		tail.next = append(tail.next, node)
		tail = node
	}
	return head, nil
}

func childMode(mode buildMode) buildMode {
	if mode == modeError {
		return modeError
	}
	return modeNormal
}

// flowOutcome propagates a sub-flow's terminal state up the tree
type flowOutcome struct {
	status StepStatus
	// ended marks that error routing consumed the failure and the main
	// flow must end without falling through to next steps
	ended bool
	err   error
}

// RunResult summarizes a completed run
type RunResult struct {
	Stopped     bool
	Failed      bool
	FailedSteps []string
	Err         error
}

// Run drives a built job to completion. Entry flows execute in declared
// order; parallel splits are serviced by the shared worker pool. Extra
// listeners observe only this run.
func (s *Scheduler) Run(ctx context.Context, job *Job, executionID string, cancelCheck CancelCheck, extra ...StepListener) RunResult {
	logger := s.logger.With("execution_id", executionID, "job_name", job.Name)
	logger.Info("starting flow execution", "steps", job.Plan.Size())

	state := NewExecutionState(executionID, job.Plan.WorkflowID)

	if err := s.validateExecutors(job, executionID, logger); err != nil {
		return RunResult{Failed: true, Err: err}
	}

	r := &flowRun{
		scheduler:   s,
		job:         job,
		state:       state,
		executionID: executionID,
		cancelCheck: cancelCheck,
		listeners:   append(append([]StepListener(nil), s.listeners...), extra...),
	}

	var result RunResult
	for _, flow := range job.flows {
		outcome := r.runFlow(ctx, flow, logger, false)
		if outcome.status == StepStopped {
			result.Stopped = true
			break
		}
		if outcome.status.IsErrorStatus() || outcome.err != nil {
			result.Failed = true
			if result.Err == nil {
				result.Err = outcome.err
			}
			break
		}
	}
	result.FailedSteps = r.failedSteps()

	if len(result.FailedSteps) > 0 {
		result.Failed = true
	}

	logger.Info("flow execution finished",
		"stopped", result.Stopped,
		"failed", result.Failed,
		"failed_steps", result.FailedSteps,
	)
	return result
}

// validateExecutors runs every executor's config validation before any
// step executes.
func (s *Scheduler) validateExecutors(job *Job, executionID string, logger *slog.Logger) error {
	for _, step := range job.Plan.OrderedSteps() {
		if step.Kind == plan.KindBarrier {
			continue
		}
		executor, err := s.registry.Get(step.NodeType)
		if err != nil {
			return err
		}
		execCtx := s.newNodeContext(executionID, job.Plan.WorkflowID, step, logger)
		if err := executor.Validate(execCtx); err != nil {
			return fmt.Errorf("node '%s' configuration invalid: %w", step.NodeID, err)
		}
	}
	return nil
}

func (s *Scheduler) newNodeContext(executionID, workflowID string, step *plan.StepNode, logger *slog.Logger) *NodeExecutionContext {
	return &NodeExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Step:        step,
		Buffers:     s.buffers,
		DB:          s.db,
		Logger:      logger.With("node_id", step.NodeID, "node_type", step.NodeType),
	}
}

// flowRun is the mutable state of one driven execution
type flowRun struct {
	scheduler   *Scheduler
	job         *Job
	state       *ExecutionState
	executionID string
	cancelCheck CancelCheck
	listeners   []StepListener

	mu       sync.Mutex
	failed   []string
	joinsRun map[string]bool
}

// claimJoin reserves a join for execution; later claims lose. Declared
// joins run once structurally, but a lenient plan may leave a convergence
// undeclared, in which case more than one branch walks into it.
func (r *flowRun) claimJoin(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joinsRun == nil {
		r.joinsRun = make(map[string]bool)
	}
	if r.joinsRun[nodeID] {
		return false
	}
	r.joinsRun[nodeID] = true
	return true
}

func (r *flowRun) markFailed(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, nodeID)
}

func (r *flowRun) failedSteps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}

// runFlow executes one sub-flow tree. Error sub-flows run with inError
// set: they are exempt from cancellation checks so a STOPPED step's error
// routing still completes before the flow ends.
func (r *flowRun) runFlow(ctx context.Context, node *flowNode, logger *slog.Logger, inError bool) flowOutcome {
	if !inError && r.cancelCheck != nil {
		cancelled, err := r.cancelCheck(ctx)
		if err != nil {
			logger.Warn("cancellation check failed", "error", err)
		} else if cancelled {
			logger.Info("cancellation observed, skipping remaining steps", "node_id", node.step.NodeID)
			return flowOutcome{status: StepStopped}
		}
	}

	if node.step.Kind == plan.KindJoin || node.step.Kind == plan.KindBarrier {
		if !r.claimJoin(node.step.NodeID) {
			// Another path already ran this join; it owns the continuation
			return flowOutcome{status: StepCompleted}
		}
	}

	result := r.runStep(ctx, node.step, logger, inError)

	if result.Status.IsErrorStatus() {
		if result.Status != StepStopped {
			r.markFailed(node.step.NodeID)
		}
		if node.errorFlow != nil {
			logger.Info("routing to error flow",
				"node_id", node.step.NodeID,
				"status", result.Status,
			)
			errOutcome := r.runFlow(ctx, node.errorFlow, logger, true)
			if errOutcome.err != nil {
				logger.Error("error flow itself failed",
					"node_id", node.step.NodeID,
					"error", errOutcome.err,
				)
			}
			// The error sub-flow ends the main flow; no fall-through
			return flowOutcome{status: result.Status, ended: true, err: result.Err}
		}
		return flowOutcome{status: result.Status, err: result.Err}
	}

	if len(node.split) > 0 {
		outcome := r.runSplit(ctx, node, logger, inError)
		if outcome.status.IsErrorStatus() || outcome.ended {
			return outcome
		}
		if node.after != nil {
			return r.runFlow(ctx, node.after, logger, inError)
		}
		return outcome
	}

	for _, next := range node.next {
		outcome := r.runFlow(ctx, next, logger, inError)
		if outcome.status.IsErrorStatus() || outcome.ended {
			return outcome
		}
	}
	return flowOutcome{status: StepCompleted}
}

// runSplit executes a fork's branches on the shared pool and awaits them
// all. The join that follows happens-after every branch completion.
func (r *flowRun) runSplit(ctx context.Context, node *flowNode, logger *slog.Logger, inError bool) flowOutcome {
	var wg sync.WaitGroup
	outcomes := make([]flowOutcome, len(node.split))

	joinID := node.step.JoinNodeID()
	for i, branch := range node.split {
		wg.Add(1)
		branchLogger := logger.With("branch_root", branch.rootID)
		if joinID != "" {
			branchLogger = branchLogger.With("join_node_id", joinID)
		}

		i, branch := i, branch
		run := func(taskLogger *slog.Logger) {
			defer wg.Done()
			outcome := r.runFlow(ctx, branch.flow, taskLogger, inError)
			outcomes[i] = outcome
			r.state.RecordBranch(branch.rootID, !outcome.status.IsErrorStatus())
		}

		if err := r.scheduler.pool.Submit(Task{Logger: branchLogger, Run: run}); err != nil {
			// Pool saturated or closed: run the branch on this goroutine
			run(branchLogger)
		}
	}
	wg.Wait()

	for _, outcome := range outcomes {
		if outcome.status == StepStopped {
			return flowOutcome{status: StepStopped}
		}
	}
	for _, outcome := range outcomes {
		if outcome.status.IsErrorStatus() && !outcome.ended {
			// A branch failed without error routing; the join barrier's
			// branch assertion will surface it, but the split itself
			// reports failure when no join follows.
			if node.after == nil {
				return outcome
			}
		}
	}
	return flowOutcome{status: StepCompleted}
}

// runStep executes one plan step: a barrier tasklet for barrier-family
// steps, a chunk-oriented executor step otherwise.
func (r *flowRun) runStep(ctx context.Context, step *plan.StepNode, logger *slog.Logger, inError bool) StepResult {
	for _, l := range r.listeners {
		l.BeforeStep(ctx, r.executionID, step)
	}

	started := time.Now()
	var result StepResult
	switch step.Kind {
	case plan.KindBarrier:
		result = r.runBarrier(step, started, logger)
	case plan.KindJoin:
		result = r.runJoin(ctx, step, started, logger, inError)
	default:
		result = r.runChunkStep(ctx, step, logger, inError)
	}

	logger.Info("step finished",
		"node_id", step.NodeID,
		"node_type", step.NodeType,
		"status", result.Status,
		"records", result.RecordsProcessed,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	for _, l := range r.listeners {
		l.AfterStep(ctx, r.executionID, step, result)
	}
	return result
}

// runBarrier executes the join-barrier tasklet
func (r *flowRun) runBarrier(step *plan.StepNode, started time.Time, logger *slog.Logger) StepResult {
	barrier := &JoinBarrier{
		JoinNodeID:        step.NodeID,
		UpstreamBranches:  step.UpstreamSteps,
		FailOnBranchError: r.scheduler.opts.FailJoinOnBranchError,
	}
	logger.Info("join barrier synchronized",
		"join_node_id", step.NodeID,
		"upstream_branches", step.UpstreamSteps,
	)
	if err := barrier.Execute(r.state, started); err != nil {
		return StepResult{Status: StepFailed, Err: err}
	}
	return StepResult{Status: StepCompleted}
}

// runJoin records the synchronization event, asserts branch success, then
// runs the join's executor step over its buffered inputs.
func (r *flowRun) runJoin(ctx context.Context, step *plan.StepNode, started time.Time, logger *slog.Logger, inError bool) StepResult {
	barrierResult := r.runBarrier(step, started, logger)
	if barrierResult.Status.IsErrorStatus() {
		return barrierResult
	}
	if !r.scheduler.registry.Has(step.NodeType) {
		return barrierResult
	}
	return r.runChunkStep(ctx, step, logger, inError)
}

// runChunkStep assembles reader/processor/writer from the executor and
// drives the chunk loop.
func (r *flowRun) runChunkStep(ctx context.Context, step *plan.StepNode, logger *slog.Logger, inError bool) StepResult {
	s := r.scheduler

	executor, err := s.registry.Get(step.NodeType)
	if err != nil {
		return StepResult{Status: StepFailed, Err: WrapStepError(err, step.NodeID, step.NodeType, 0)}
	}

	execCtx := s.newNodeContext(r.executionID, r.job.Plan.WorkflowID, step, logger)

	reader, err := executor.CreateReader(execCtx)
	if err != nil {
		return StepResult{Status: StepFailed, Err: WrapStepError(err, step.NodeID, step.NodeType, 0)}
	}
	if reader == nil {
		reader = NewBufferedItemReader(r.executionID, step.NodeID, DefaultInputPort, s.buffers)
	}

	processor, err := executor.CreateProcessor(execCtx)
	if err != nil {
		return StepResult{Status: StepFailed, Err: WrapStepError(err, step.NodeID, step.NodeType, 0)}
	}

	writer, err := executor.CreateWriter(execCtx)
	if err != nil {
		return StepResult{Status: StepFailed, Err: WrapStepError(err, step.NodeID, step.NodeType, 0)}
	}
	if writer == nil {
		if ports := execCtx.DataOutputPorts(); len(ports) > 0 {
			writer = NewRoutingWriter(NewRoutingContext(r.executionID, step, s.buffers))
		} else {
			writer = discardWriter{}
		}
	}

	chunkSize := step.ChunkSize()
	if chunkSize <= 0 {
		chunkSize = s.opts.DefaultChunkSize
	}

	cancelCheck := r.cancelCheck
	if inError {
		cancelCheck = nil
	}
	runner := newChunkRunner(reader, processor, writer, chunkSize, step.OnFailure, cancelCheck, execCtx.Logger)
	result := runner.run(ctx)
	if result.Err != nil {
		result.Err = WrapStepError(result.Err, step.NodeID, step.NodeType, result.RetryCount)
	}
	return result
}
