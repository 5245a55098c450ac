package workflow

import (
	"encoding/json"
	"time"
)

// Workflow represents a stored workflow definition
type Workflow struct {
	ID           string          `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	Description  string          `db:"description" json:"description"`
	WorkflowData json.RawMessage `db:"workflow_data" json:"workflow_data"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// Definition represents the full workflow structure submitted for execution
type Definition struct {
	ID    string           `json:"id,omitempty"`
	Name  string           `json:"name"`
	Nodes []NodeDefinition `json:"nodes"`
	Edges []Edge           `json:"edges"`
}

// NodeDefinition represents a node in the workflow graph
type NodeDefinition struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Config         json.RawMessage `json:"config,omitempty"`
	Metrics        bool            `json:"metrics,omitempty"`
	OnFailure      *FailurePolicy  `json:"onFailure,omitempty"`
	ExecutionHints *ExecutionHints `json:"executionHints,omitempty"`
}

// Edge represents a connection between nodes. Control edges carry ordering
// only; data edges carry records.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	IsControl    bool   `json:"isControl,omitempty"`
}

// SourcePort returns the edge's source handle, defaulting to "out"
func (e Edge) SourcePort() string {
	if e.SourceHandle == "" {
		return "out"
	}
	return e.SourceHandle
}

// TargetPort returns the edge's target handle, defaulting to "in"
func (e Edge) TargetPort() string {
	if e.TargetHandle == "" {
		return "in"
	}
	return e.TargetHandle
}

// ExecutionMode selects serial or parallel downstream dispatch for a node
type ExecutionMode string

const (
	ModeSerial   ExecutionMode = "SERIAL"
	ModeParallel ExecutionMode = "PARALLEL"
)

// ExecutionHints carries per-node scheduling hints
type ExecutionHints struct {
	Mode       ExecutionMode `json:"mode,omitempty"`
	ChunkSize  int           `json:"chunkSize,omitempty"`
	JoinNodeID string        `json:"joinNodeId,omitempty"`
}

// FailureAction selects what happens when a record exhausts its retries
type FailureAction string

const (
	FailureActionFail       FailureAction = "FAIL"
	FailureActionSkipRecord FailureAction = "SKIP_RECORD"
)

// FailurePolicy carries per-node retry and skip semantics
type FailurePolicy struct {
	MaxRetries  int           `json:"maxRetries,omitempty"`
	Action      FailureAction `json:"action,omitempty"`
	SkipOnError bool          `json:"skipOnError,omitempty"`
}

// NodeTypeStart is the single entry node every workflow must have. It is
// never executed; its outgoing control edges name the plan's entry steps.
const NodeTypeStart = "Start"

// ExecutionStatus represents run status
type ExecutionStatus string

const (
	ExecutionStatusRunning         ExecutionStatus = "running"
	ExecutionStatusSuccess         ExecutionStatus = "success"
	ExecutionStatusFailed          ExecutionStatus = "failed"
	ExecutionStatusCancelRequested ExecutionStatus = "cancel_requested"
	ExecutionStatusCancelled       ExecutionStatus = "cancelled"
)

// NodeStatus represents per-node execution status
type NodeStatus string

const (
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusFailed  NodeStatus = "failed"
	NodeStatusSkipped NodeStatus = "skipped"
)

// Execution represents a workflow run
type Execution struct {
	ID                   int64           `db:"id" json:"id"`
	ExecutionID          string          `db:"execution_id" json:"execution_id"`
	WorkflowID           string          `db:"workflow_id" json:"workflow_id"`
	WorkflowName         string          `db:"workflow_name" json:"workflow_name"`
	Status               ExecutionStatus `db:"status" json:"status"`
	StartTime            *time.Time      `db:"start_time" json:"start_time,omitempty"`
	EndTime              *time.Time      `db:"end_time" json:"end_time,omitempty"`
	TotalNodes           int             `db:"total_nodes" json:"total_nodes"`
	CompletedNodes       int             `db:"completed_nodes" json:"completed_nodes"`
	SuccessfulNodes      int             `db:"successful_nodes" json:"successful_nodes"`
	FailedNodes          int             `db:"failed_nodes" json:"failed_nodes"`
	TotalRecords         int64           `db:"total_records" json:"total_records"`
	TotalExecutionTimeMs int64           `db:"total_execution_time_ms" json:"total_execution_time_ms"`
	ExecutionMode        string          `db:"execution_mode" json:"execution_mode"`
	Parameters           json.RawMessage `db:"parameters" json:"parameters,omitempty"`
	ErrorMessage         *string         `db:"error_message" json:"error_message,omitempty"`
}

// NodeExecution represents a single node run within an execution
type NodeExecution struct {
	ID               int64      `db:"id" json:"id"`
	ExecutionID      string     `db:"execution_id" json:"execution_id"`
	NodeID           string     `db:"node_id" json:"node_id"`
	NodeLabel        string     `db:"node_label" json:"node_label"`
	NodeType         string     `db:"node_type" json:"node_type"`
	Status           NodeStatus `db:"status" json:"status"`
	StartTime        *time.Time `db:"start_time" json:"start_time,omitempty"`
	EndTime          *time.Time `db:"end_time" json:"end_time,omitempty"`
	ExecutionTimeMs  int64      `db:"execution_time_ms" json:"execution_time_ms"`
	RecordsProcessed int64      `db:"records_processed" json:"records_processed"`
	RetryCount       int        `db:"retry_count" json:"retry_count"`
	ErrorMessage     *string    `db:"error_message" json:"error_message,omitempty"`
}

// ExecutionLog represents one persisted log line for an execution
type ExecutionLog struct {
	Timestamp   int64   `db:"timestamp" json:"timestamp"`
	Datetime    string  `db:"datetime" json:"datetime"`
	Level       string  `db:"level" json:"level"`
	ExecutionID string  `db:"execution_id" json:"execution_id"`
	WorkflowID  string  `db:"workflow_id" json:"workflow_id"`
	NodeID      *string `db:"node_id" json:"node_id,omitempty"`
	Message     string  `db:"message" json:"message"`
	StackTrace  *string `db:"stack_trace" json:"stack_trace,omitempty"`
}

// LogDatetimeLayout is the ISO-8601 UTC format used for the datetime column
const LogDatetimeLayout = "2006-01-02T15:04:05.000Z"

// NewExecutionLog builds a log row stamped with the current time
func NewExecutionLog(level, executionID, workflowID, message string) ExecutionLog {
	now := time.Now().UTC()
	return ExecutionLog{
		Timestamp:   now.UnixMilli(),
		Datetime:    now.Format(LogDatetimeLayout),
		Level:       level,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Message:     message,
	}
}

// WithNode attaches a node id to the log row
func (l ExecutionLog) WithNode(nodeID string) ExecutionLog {
	l.NodeID = &nodeID
	return l
}

// IsTerminal reports whether the status admits no further transitions
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}
