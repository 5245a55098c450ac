package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(sqlx.NewDb(db, "postgres")), mock
}

func TestRepository_CreateExecution(t *testing.T) {
	repo, mock := mockRepo(t)

	params := json.RawMessage(`{"workflow": {}}`)
	mock.ExpectExec("INSERT INTO workflow_executions").
		WithArgs("exec-1", "wf-1", "etl", ExecutionStatusRunning, sqlmock.AnyArg(), 4, "parallel", []byte(params)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	exec, err := repo.CreateExecution(context.Background(), "exec-1", "wf-1", "etl", "parallel", 4, params)
	require.NoError(t, err)

	assert.Equal(t, "exec-1", exec.ExecutionID)
	assert.Equal(t, ExecutionStatusRunning, exec.Status)
	assert.Equal(t, 4, exec.TotalNodes)
	assert.NotNil(t, exec.StartTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RequestCancel(t *testing.T) {
	repo, mock := mockRepo(t)

	mock.ExpectExec("UPDATE workflow_executions").
		WithArgs("exec-1", ExecutionStatusCancelRequested, ExecutionStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RequestCancel(context.Background(), "exec-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_RequestCancel_NotRunning(t *testing.T) {
	repo, mock := mockRepo(t)

	mock.ExpectExec("UPDATE workflow_executions").
		WithArgs("exec-1", ExecutionStatusCancelRequested, ExecutionStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RequestCancel(context.Background(), "exec-1")
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestRepository_GetExecutionStatus(t *testing.T) {
	repo, mock := mockRepo(t)

	mock.ExpectQuery("SELECT status FROM workflow_executions").
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("cancel_requested"))

	status, err := repo.GetExecutionStatus(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCancelRequested, status)
}

func TestRepository_GetExecutionStatus_NotFound(t *testing.T) {
	repo, mock := mockRepo(t)

	mock.ExpectQuery("SELECT status FROM workflow_executions").
		WithArgs("exec-missing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	_, err := repo.GetExecutionStatus(context.Background(), "exec-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_AccumulateNodeResult(t *testing.T) {
	repo, mock := mockRepo(t)

	mock.ExpectExec("UPDATE workflow_executions").
		WithArgs("exec-1", 1, 0, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AccumulateNodeResult(context.Background(), "exec-1", true, 42))

	mock.ExpectExec("UPDATE workflow_executions").
		WithArgs("exec-1", 0, 1, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.AccumulateNodeResult(context.Background(), "exec-1", false, 0))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_StartNodeExecution_Insert(t *testing.T) {
	repo, mock := mockRepo(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("exec-1", "n1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO node_executions").
		WithArgs("exec-1", "n1", "n1", "Filter", NodeStatusRunning, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.StartNodeExecution(context.Background(), "exec-1", "n1", "n1", "Filter"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_StartNodeExecution_UpsertOnRestart(t *testing.T) {
	repo, mock := mockRepo(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("exec-1", "n1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec("UPDATE node_executions").
		WithArgs("exec-1", "n1", NodeStatusRunning, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.StartNodeExecution(context.Background(), "exec-1", "n1", "n1", "Filter"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FinishNodeExecution(t *testing.T) {
	repo, mock := mockRepo(t)

	errMsg := "boom"
	mock.ExpectExec("UPDATE node_executions").
		WithArgs("exec-1", "n1", NodeStatusFailed, sqlmock.AnyArg(), int64(10), 2, &errMsg).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.FinishNodeExecution(context.Background(), "exec-1", "n1", NodeStatusFailed, 10, 2, &errMsg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_FinalizeExecution_NotFound(t *testing.T) {
	repo, mock := mockRepo(t)

	mock.ExpectExec("UPDATE workflow_executions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.FinalizeExecution(context.Background(), "exec-missing", ExecutionStatusSuccess, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_InsertLog(t *testing.T) {
	repo, mock := mockRepo(t)

	entry := NewExecutionLog("INFO", "exec-1", "wf-1", "hello").WithNode("n1")
	mock.ExpectExec("INSERT INTO execution_logs").
		WithArgs(entry.Timestamp, entry.Datetime, "INFO", "exec-1", "wf-1", entry.NodeID, "hello", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.InsertLog(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListNodeExecutions(t *testing.T) {
	repo, mock := mockRepo(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "execution_id", "node_id", "node_label", "node_type", "status",
		"start_time", "end_time", "execution_time_ms", "records_processed",
		"retry_count", "error_message",
	}).
		AddRow(1, "exec-1", "A", "A", "FileSource", "success", now, now, 12, 100, 0, nil).
		AddRow(2, "exec-1", "B", "B", "Filter", "failed", now, now, 5, 0, 3, "boom")

	mock.ExpectQuery("SELECT \\* FROM node_executions").
		WithArgs("exec-1").
		WillReturnRows(rows)

	nodes, err := repo.ListNodeExecutions(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, NodeStatusSuccess, nodes[0].Status)
	assert.Equal(t, NodeStatusFailed, nodes[1].Status)
	assert.Equal(t, 3, nodes[1].RetryCount)
}
