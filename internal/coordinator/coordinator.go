package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowplan/flowplan/internal/engine"
	"github.com/flowplan/flowplan/internal/metrics"
	"github.com/flowplan/flowplan/internal/plan"
	"github.com/flowplan/flowplan/internal/workflow"
)

// Coordinator drives a submission end-to-end: normalize, compile,
// validate, persist the run row, schedule, and finalize.
type Coordinator struct {
	repo          *workflow.Repository
	compiler      *plan.Compiler
	validatorOpts plan.ValidatorOptions
	scheduler     *engine.Scheduler
	buffers       *engine.EdgeBufferStore
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// New creates an execution coordinator
func New(
	repo *workflow.Repository,
	compiler *plan.Compiler,
	validatorOpts plan.ValidatorOptions,
	scheduler *engine.Scheduler,
	buffers *engine.EdgeBufferStore,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		repo:          repo,
		compiler:      compiler,
		validatorOpts: validatorOpts,
		scheduler:     scheduler,
		buffers:       buffers,
		metrics:       m,
		logger:        logger,
	}
}

// Prepare normalizes, compiles, and validates a submission without
// creating a run. Returned errors are rejection-grade: no state exists
// yet.
func (c *Coordinator) Prepare(raw []byte) (*plan.ExecutionPlan, error) {
	def, err := workflow.ParseDefinition(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse workflow payload: %w", err)
	}

	p, err := c.compiler.Compile(def)
	if err != nil {
		return nil, err
	}

	result := plan.Validate(p, c.validatorOpts)
	if !result.Valid {
		return nil, &plan.GraphValidationError{Errors: result.Errors}
	}
	for _, w := range result.Warnings {
		c.logger.Warn("plan validation warning", "workflow_id", p.WorkflowID, "warning", w)
	}
	return p, nil
}

// Submit accepts a workflow payload and launches it asynchronously. The
// run row exists with status running before Submit returns; the returned
// channel delivers the terminal execution exactly once.
func (c *Coordinator) Submit(ctx context.Context, raw []byte, executionMode string) (string, <-chan *workflow.Execution, error) {
	p, err := c.Prepare(raw)
	if err != nil {
		return "", nil, err
	}

	executionID, err := c.createRun(ctx, p, raw, executionMode)
	if err != nil {
		return "", nil, err
	}

	done := make(chan *workflow.Execution, 1)
	go func() {
		// The submission context may be request-scoped; the run outlives it
		runCtx := context.Background()
		final := c.runJob(runCtx, p, executionID)
		done <- final
		close(done)
	}()

	return executionID, done, nil
}

// Execute runs a submission synchronously and returns the terminal run
func (c *Coordinator) Execute(ctx context.Context, raw []byte, executionMode string) (*workflow.Execution, error) {
	p, err := c.Prepare(raw)
	if err != nil {
		return nil, err
	}
	executionID, err := c.createRun(ctx, p, raw, executionMode)
	if err != nil {
		return nil, err
	}
	return c.runJob(ctx, p, executionID), nil
}

// ExecutePlan runs an already-compiled plan (used for partial restarts,
// where the reduced plan replaces the submitted graph).
func (c *Coordinator) ExecutePlan(ctx context.Context, p *plan.ExecutionPlan, parameters json.RawMessage, executionMode string) (*workflow.Execution, error) {
	executionID, err := c.createRun(ctx, p, parameters, executionMode)
	if err != nil {
		return nil, err
	}
	return c.runJob(ctx, p, executionID), nil
}

// Cancel transitions a running execution to cancel_requested. The
// scheduler observes the request between steps and chunks and drives the
// run to cancelled.
func (c *Coordinator) Cancel(ctx context.Context, executionID string) error {
	if err := c.repo.RequestCancel(ctx, executionID); err != nil {
		return err
	}
	entry := workflow.NewExecutionLog("INFO", executionID, "", "cancellation requested")
	if err := c.repo.InsertLog(ctx, entry); err != nil {
		c.logger.Error("failed to write cancellation log", "execution_id", executionID, "error", err)
	}
	return nil
}

// RestartFromNode builds a reduced plan rooted at the given node of a
// prior run and executes it as a fresh run.
func (c *Coordinator) RestartFromNode(ctx context.Context, executionID, nodeID string) (*workflow.Execution, error) {
	original, parameters, err := c.recompile(ctx, executionID)
	if err != nil {
		return nil, err
	}
	partial, err := plan.CreatePartialPlan(original, nodeID)
	if err != nil {
		return nil, err
	}
	return c.ExecutePlan(ctx, partial, parameters, "restart")
}

// RestartFromFailed builds a reduced plan covering a prior run's failed
// nodes and their downstream closure, and executes it as a fresh run.
func (c *Coordinator) RestartFromFailed(ctx context.Context, executionID string) (*workflow.Execution, error) {
	original, parameters, err := c.recompile(ctx, executionID)
	if err != nil {
		return nil, err
	}

	nodes, err := c.repo.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]workflow.NodeStatus, len(nodes))
	for _, n := range nodes {
		statuses[n.NodeID] = n.Status
	}

	partial, err := plan.CreatePartialPlanFromFailedNodes(original, statuses)
	if err != nil {
		return nil, err
	}
	return c.ExecutePlan(ctx, partial, parameters, "restart")
}

// recompile reconstructs a prior run's plan from its persisted parameters
func (c *Coordinator) recompile(ctx context.Context, executionID string) (*plan.ExecutionPlan, json.RawMessage, error) {
	if !c.scheduler.Restartable() {
		return nil, nil, fmt.Errorf("restart is disabled by configuration")
	}
	prior, err := c.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if len(prior.Parameters) == 0 {
		return nil, nil, fmt.Errorf("execution %s has no stored parameters to restart from", executionID)
	}
	p, err := c.Prepare(prior.Parameters)
	if err != nil {
		return nil, nil, err
	}
	return p, prior.Parameters, nil
}

// createRun inserts the initial run row
func (c *Coordinator) createRun(ctx context.Context, p *plan.ExecutionPlan, parameters json.RawMessage, executionMode string) (string, error) {
	executionID := uuid.New().String()
	_, err := c.repo.CreateExecution(ctx, executionID, p.WorkflowID, p.WorkflowID, executionMode, p.Size(), parameters)
	if err != nil {
		return "", fmt.Errorf("failed to persist run: %w", err)
	}

	entry := workflow.NewExecutionLog("INFO", executionID, p.WorkflowID,
		fmt.Sprintf("execution accepted with %d nodes", p.Size()))
	if err := c.repo.InsertLog(ctx, entry); err != nil {
		c.logger.Error("failed to write acceptance log", "execution_id", executionID, "error", err)
	}
	return executionID, nil
}

// runJob builds the flow, drives it, and finalizes the run row
func (c *Coordinator) runJob(ctx context.Context, p *plan.ExecutionPlan, executionID string) *workflow.Execution {
	logger := c.logger.With("execution_id", executionID, "workflow_id", p.WorkflowID)
	started := time.Now()

	if c.metrics != nil {
		c.metrics.ExecutionsActive.Inc()
		defer c.metrics.ExecutionsActive.Dec()
	}
	defer c.buffers.ClearExecution(executionID)

	finalize := func(status workflow.ExecutionStatus, errMsg *string) *workflow.Execution {
		if err := c.repo.FinalizeExecution(ctx, executionID, status, errMsg); err != nil {
			logger.Error("failed to finalize execution", "error", err)
		}
		level := "INFO"
		message := "execution finished: " + string(status)
		if status == workflow.ExecutionStatusFailed {
			level = "ERROR"
			if errMsg != nil {
				message = message + ": " + *errMsg
			}
		}
		if err := c.repo.InsertLog(ctx, workflow.NewExecutionLog(level, executionID, p.WorkflowID, message)); err != nil {
			logger.Error("failed to write final log", "error", err)
		}
		if c.metrics != nil {
			c.metrics.ExecutionsTotal.WithLabelValues(p.WorkflowID, string(status)).Inc()
			c.metrics.ExecutionDuration.WithLabelValues(p.WorkflowID).Observe(time.Since(started).Seconds())
		}
		final, err := c.repo.GetExecution(ctx, executionID)
		if err != nil {
			logger.Error("failed to reload execution", "error", err)
			return &workflow.Execution{ExecutionID: executionID, WorkflowID: p.WorkflowID, Status: status}
		}
		return final
	}

	job, err := c.scheduler.BuildJob(p)
	if err != nil {
		logger.Error("failed to build job", "error", err)
		msg := err.Error()
		return finalize(workflow.ExecutionStatusFailed, &msg)
	}

	cancelCheck := func(ctx context.Context) (bool, error) {
		status, err := c.repo.GetExecutionStatus(ctx, executionID)
		if err != nil {
			return false, err
		}
		return status == workflow.ExecutionStatusCancelRequested, nil
	}

	persistence := NewPersistenceListener(c.repo, p.WorkflowID, logger)
	result := c.scheduler.Run(ctx, job, executionID, cancelCheck, persistence)

	switch {
	case result.Stopped:
		return finalize(workflow.ExecutionStatusCancelled, nil)
	case result.Failed:
		msg := "one or more nodes failed"
		if result.Err != nil {
			msg = result.Err.Error()
		} else if len(result.FailedSteps) > 0 {
			msg = fmt.Sprintf("nodes failed: %v", result.FailedSteps)
		}
		return finalize(workflow.ExecutionStatusFailed, &msg)
	default:
		return finalize(workflow.ExecutionStatusSuccess, nil)
	}
}
