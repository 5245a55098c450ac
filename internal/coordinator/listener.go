package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flowplan/flowplan/internal/engine"
	"github.com/flowplan/flowplan/internal/metrics"
	"github.com/flowplan/flowplan/internal/plan"
	"github.com/flowplan/flowplan/internal/workflow"
)

// persistenceListener mirrors step lifecycle events into node_executions
// rows, the run row's aggregate counters, and execution_logs.
type persistenceListener struct {
	repo       *workflow.Repository
	workflowID string
	logger     *slog.Logger
}

// NewPersistenceListener creates the step listener that keeps the
// relational store in sync with the run.
func NewPersistenceListener(repo *workflow.Repository, workflowID string, logger *slog.Logger) engine.StepListener {
	return &persistenceListener{repo: repo, workflowID: workflowID, logger: logger}
}

// BeforeStep implements engine.StepListener
func (l *persistenceListener) BeforeStep(ctx context.Context, executionID string, step *plan.StepNode) {
	if err := l.repo.StartNodeExecution(ctx, executionID, step.NodeID, step.NodeID, step.NodeType); err != nil {
		l.logger.Error("failed to record node start", "node_id", step.NodeID, "error", err)
	}
	entry := workflow.NewExecutionLog("INFO", executionID, l.workflowID,
		"node started: "+step.NodeID).WithNode(step.NodeID)
	if err := l.repo.InsertLog(ctx, entry); err != nil {
		l.logger.Error("failed to write execution log", "error", err)
	}
}

// AfterStep implements engine.StepListener
func (l *persistenceListener) AfterStep(ctx context.Context, executionID string, step *plan.StepNode, result engine.StepResult) {
	status := workflow.NodeStatusSuccess
	level := "INFO"
	message := "node finished: " + step.NodeID
	var errorMessage *string

	switch {
	case result.Status == engine.StepStopped:
		status = workflow.NodeStatusSkipped
		level = "WARN"
		message = "node stopped by cancellation: " + step.NodeID
	case result.Status.IsErrorStatus():
		status = workflow.NodeStatusFailed
		level = "ERROR"
		message = "node failed: " + step.NodeID
		if result.Err != nil {
			msg := result.Err.Error()
			errorMessage = &msg
			message = message + ": " + msg
		}
	}

	if err := l.repo.FinishNodeExecution(ctx, executionID, step.NodeID, status,
		result.RecordsProcessed, result.RetryCount, errorMessage); err != nil {
		l.logger.Error("failed to record node finish", "node_id", step.NodeID, "error", err)
	}
	// Cancelled steps count as neither successful nor failed
	if status != workflow.NodeStatusSkipped {
		if err := l.repo.AccumulateNodeResult(ctx, executionID,
			status == workflow.NodeStatusSuccess, result.RecordsProcessed); err != nil {
			l.logger.Error("failed to accumulate node result", "node_id", step.NodeID, "error", err)
		}
	}

	entry := workflow.NewExecutionLog(level, executionID, l.workflowID, message).WithNode(step.NodeID)
	if err := l.repo.InsertLog(ctx, entry); err != nil {
		l.logger.Error("failed to write execution log", "error", err)
	}
}

// metricsListener feeds step outcomes into the Prometheus collectors
type metricsListener struct {
	metrics *metrics.Metrics
	starts  *startTimes
}

// NewMetricsListener creates the step listener backing the step metrics
func NewMetricsListener(m *metrics.Metrics) engine.StepListener {
	return &metricsListener{metrics: m, starts: newStartTimes()}
}

// BeforeStep implements engine.StepListener
func (l *metricsListener) BeforeStep(ctx context.Context, executionID string, step *plan.StepNode) {
	l.starts.put(executionID+":"+step.NodeID, time.Now())
}

// AfterStep implements engine.StepListener
func (l *metricsListener) AfterStep(ctx context.Context, executionID string, step *plan.StepNode, result engine.StepResult) {
	l.metrics.StepExecutionsTotal.WithLabelValues(step.NodeType, string(result.Status)).Inc()
	l.metrics.RecordsProcessed.WithLabelValues(step.NodeType).Add(float64(result.RecordsProcessed))
	if started, ok := l.starts.take(executionID + ":" + step.NodeID); ok {
		l.metrics.StepDuration.WithLabelValues(step.NodeType).Observe(time.Since(started).Seconds())
	}

	var overflow *engine.BufferOverflowError
	if errors.As(result.Err, &overflow) {
		l.metrics.BufferOverflowsTotal.Inc()
	}
}
