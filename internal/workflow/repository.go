package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound = errors.New("workflow not found")
	// ErrNotCancellable is returned when a cancel request loses the
	// compare-and-set against the run status.
	ErrNotCancellable = errors.New("execution is not in a cancellable state")
)

// Repository handles workflow and execution database operations
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a new workflow repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// CreateWorkflow inserts a new workflow definition
func (r *Repository) CreateWorkflow(ctx context.Context, id, name, description string, data json.RawMessage) (*Workflow, error) {
	now := time.Now()

	query := `
		INSERT INTO workflows (id, name, description, workflow_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query, id, name, description, data, now, now); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	return &Workflow{
		ID:           id,
		Name:         name,
		Description:  description,
		WorkflowData: data,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetWorkflow retrieves a workflow by ID
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	query := `SELECT * FROM workflows WHERE id = $1`

	var wf Workflow
	err := r.db.GetContext(ctx, &wf, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &wf, nil
}

// CreateExecution inserts the initial run row with status running. The
// original submission JSON is stored in parameters so the run can be
// reconstructed for rerun from the row alone.
func (r *Repository) CreateExecution(ctx context.Context, executionID, workflowID, workflowName, executionMode string, totalNodes int, parameters json.RawMessage) (*Execution, error) {
	now := time.Now()

	query := `
		INSERT INTO workflow_executions
			(execution_id, workflow_id, workflow_name, status, start_time, total_nodes,
			 completed_nodes, successful_nodes, failed_nodes, total_records,
			 total_execution_time_ms, execution_mode, parameters)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, 0, 0, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		executionID, workflowID, workflowName, ExecutionStatusRunning, now, totalNodes, executionMode, parameters,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}

	return &Execution{
		ExecutionID:   executionID,
		WorkflowID:    workflowID,
		WorkflowName:  workflowName,
		Status:        ExecutionStatusRunning,
		StartTime:     &now,
		TotalNodes:    totalNodes,
		ExecutionMode: executionMode,
		Parameters:    parameters,
	}, nil
}

// GetExecution retrieves a run by execution ID
func (r *Repository) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	query := `SELECT * FROM workflow_executions WHERE execution_id = $1`

	var exec Execution
	err := r.db.GetContext(ctx, &exec, query, executionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &exec, nil
}

// FinalizeExecution sets the terminal status and end time on a run row
func (r *Repository) FinalizeExecution(ctx context.Context, executionID string, status ExecutionStatus, errorMessage *string) error {
	now := time.Now()
	query := `
		UPDATE workflow_executions
		SET status = $2,
		    end_time = $3,
		    total_execution_time_ms = CAST(EXTRACT(EPOCH FROM ($3 - start_time)) * 1000 AS BIGINT),
		    error_message = $4
		WHERE execution_id = $1
	`
	if r.db.DriverName() == "sqlite3" {
		// ?N binds by number; sqlite3 numbers $N names by first appearance
		query = `
			UPDATE workflow_executions
			SET status = ?2,
			    end_time = ?3,
			    total_execution_time_ms = CAST((julianday(?3) - julianday(start_time)) * 86400000 AS INTEGER),
			    error_message = ?4
			WHERE execution_id = ?1
		`
	}

	result, err := r.db.ExecContext(ctx, query, executionID, status, now, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RequestCancel transitions a run from running to cancel_requested. The
// update wins only if the current status is running.
func (r *Repository) RequestCancel(ctx context.Context, executionID string) error {
	query := `
		UPDATE workflow_executions
		SET status = $2
		WHERE execution_id = $1 AND status = $3
	`
	if r.db.DriverName() == "sqlite3" {
		// ?N binds by number; sqlite3 numbers $N names by first appearance
		query = strings.ReplaceAll(query, "$", "?")
	}
	result, err := r.db.ExecContext(ctx, query, executionID, ExecutionStatusCancelRequested, ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotCancellable
	}
	return nil
}

// GetExecutionStatus reads only the run status, used by the scheduler's
// cooperative cancellation checks between steps and chunks.
func (r *Repository) GetExecutionStatus(ctx context.Context, executionID string) (ExecutionStatus, error) {
	query := `SELECT status FROM workflow_executions WHERE execution_id = $1`

	var status ExecutionStatus
	err := r.db.GetContext(ctx, &status, query, executionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return status, nil
}

// AccumulateNodeResult bumps the aggregate counters on the run row after a
// node finishes. Field-level last-writer-wins is acceptable here; the
// increments themselves are atomic in SQL.
func (r *Repository) AccumulateNodeResult(ctx context.Context, executionID string, succeeded bool, records int64) error {
	query := `
		UPDATE workflow_executions
		SET completed_nodes = completed_nodes + 1,
		    successful_nodes = successful_nodes + $2,
		    failed_nodes = failed_nodes + $3,
		    total_records = total_records + $4
		WHERE execution_id = $1
	`
	if r.db.DriverName() == "sqlite3" {
		// ?N binds by number; sqlite3 numbers $N names by first appearance
		query = strings.ReplaceAll(query, "$", "?")
	}
	succ, fail := 0, 1
	if succeeded {
		succ, fail = 1, 0
	}
	_, err := r.db.ExecContext(ctx, query, executionID, succ, fail, records)
	if err != nil {
		return fmt.Errorf("failed to accumulate node result: %w", err)
	}
	return nil
}

// StartNodeExecution upserts a node row at step start. Rows are keyed by
// (execution_id, node_id); a restart overwrites the previous attempt.
func (r *Repository) StartNodeExecution(ctx context.Context, executionID, nodeID, nodeLabel, nodeType string) error {
	now := time.Now()

	var existing int
	err := r.db.GetContext(ctx, &existing,
		`SELECT COUNT(*) FROM node_executions WHERE execution_id = $1 AND node_id = $2`,
		executionID, nodeID,
	)
	if err != nil {
		return fmt.Errorf("failed to check node execution: %w", err)
	}

	if existing > 0 {
		query := `
			UPDATE node_executions
			SET status = $3, start_time = $4, end_time = NULL,
			    execution_time_ms = 0, records_processed = 0, retry_count = 0, error_message = NULL
			WHERE execution_id = $1 AND node_id = $2
		`
		if r.db.DriverName() == "sqlite3" {
			// ?N binds by number; sqlite3 numbers $N names by first appearance
			query = strings.ReplaceAll(query, "$", "?")
		}
		_, err = r.db.ExecContext(ctx, query, executionID, nodeID, NodeStatusRunning, now)
	} else {
		query := `
			INSERT INTO node_executions
				(execution_id, node_id, node_label, node_type, status, start_time,
				 execution_time_ms, records_processed, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0)
		`
		_, err = r.db.ExecContext(ctx, query, executionID, nodeID, nodeLabel, nodeType, NodeStatusRunning, now)
	}
	if err != nil {
		return fmt.Errorf("failed to start node execution: %w", err)
	}
	return nil
}

// FinishNodeExecution finalizes a node row at step end
func (r *Repository) FinishNodeExecution(ctx context.Context, executionID, nodeID string, status NodeStatus, records int64, retryCount int, errorMessage *string) error {
	now := time.Now()
	query := `
		UPDATE node_executions
		SET status = $3,
		    end_time = $4,
		    execution_time_ms = CAST(EXTRACT(EPOCH FROM ($4 - start_time)) * 1000 AS BIGINT),
		    records_processed = $5,
		    retry_count = $6,
		    error_message = $7
		WHERE execution_id = $1 AND node_id = $2
	`
	if r.db.DriverName() == "sqlite3" {
		// ?N binds by number; sqlite3 numbers $N names by first appearance
		query = `
			UPDATE node_executions
			SET status = ?3,
			    end_time = ?4,
			    execution_time_ms = CAST((julianday(?4) - julianday(start_time)) * 86400000 AS INTEGER),
			    records_processed = ?5,
			    retry_count = ?6,
			    error_message = ?7
			WHERE execution_id = ?1 AND node_id = ?2
		`
	}

	_, err := r.db.ExecContext(ctx, query, executionID, nodeID, status, now, records, retryCount, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finish node execution: %w", err)
	}
	return nil
}

// ListNodeExecutions returns all node rows for a run, in insertion order
func (r *Repository) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	query := `SELECT * FROM node_executions WHERE execution_id = $1 ORDER BY id`

	var nodes []*NodeExecution
	if err := r.db.SelectContext(ctx, &nodes, query, executionID); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ListExecutions returns runs for a workflow, newest first, optionally
// filtered by status.
func (r *Repository) ListExecutions(ctx context.Context, workflowID string, status ExecutionStatus, limit int) ([]*Execution, error) {
	var executions []*Execution
	var err error
	if status == "" {
		query := `
			SELECT * FROM workflow_executions
			WHERE workflow_id = $1
			ORDER BY start_time DESC
			LIMIT $2
		`
		err = r.db.SelectContext(ctx, &executions, query, workflowID, limit)
	} else {
		query := `
			SELECT * FROM workflow_executions
			WHERE workflow_id = $1 AND status = $2
			ORDER BY start_time DESC
			LIMIT $3
		`
		err = r.db.SelectContext(ctx, &executions, query, workflowID, status, limit)
	}
	if err != nil {
		return nil, err
	}
	return executions, nil
}

// ExecutionStatusCounts returns run counts grouped by status for a workflow
func (r *Repository) ExecutionStatusCounts(ctx context.Context, workflowID string) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*) AS count
		FROM workflow_executions
		WHERE workflow_id = $1
		GROUP BY status
	`
	rows, err := r.db.QueryxContext(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// InsertLog writes an execution log row
func (r *Repository) InsertLog(ctx context.Context, entry ExecutionLog) error {
	query := `
		INSERT INTO execution_logs
			(timestamp, datetime, level, execution_id, workflow_id, node_id, message, stack_trace)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.Timestamp, entry.Datetime, entry.Level, entry.ExecutionID,
		entry.WorkflowID, entry.NodeID, entry.Message, entry.StackTrace,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution log: %w", err)
	}
	return nil
}

// DeleteExecutionsBefore removes terminal runs (and their node rows and
// logs) that ended before the cutoff. Used by the retention sweeper.
func (r *Repository) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT execution_id FROM workflow_executions
		WHERE end_time IS NOT NULL AND end_time < $1
		  AND status IN ($2, $3, $4)
	`
	var ids []string
	if err := tx.SelectContext(ctx, &ids, selectQuery,
		cutoff, ExecutionStatusSuccess, ExecutionStatusFailed, ExecutionStatusCancelled); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	for _, table := range []string{"execution_logs", "node_executions", "workflow_executions"} {
		query, args, err := sqlx.In(
			fmt.Sprintf("DELETE FROM %s WHERE execution_id IN (?)", table), ids)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return 0, fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}
