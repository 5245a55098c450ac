package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// schema creates the engine's tables. Apart from the surrogate key
// column, the statements stick to the subset of SQL that both postgres
// and sqlite3 accept; %s is the driver-specific auto-assigned key.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		workflow_data TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		%s,
		execution_id TEXT NOT NULL UNIQUE,
		workflow_id TEXT NOT NULL,
		workflow_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		start_time TIMESTAMP,
		end_time TIMESTAMP,
		total_nodes INTEGER NOT NULL DEFAULT 0,
		completed_nodes INTEGER NOT NULL DEFAULT 0,
		successful_nodes INTEGER NOT NULL DEFAULT 0,
		failed_nodes INTEGER NOT NULL DEFAULT 0,
		total_records BIGINT NOT NULL DEFAULT 0,
		total_execution_time_ms BIGINT NOT NULL DEFAULT 0,
		execution_mode TEXT NOT NULL DEFAULT '',
		parameters TEXT,
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS node_executions (
		%s,
		execution_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		node_label TEXT NOT NULL DEFAULT '',
		node_type TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time TIMESTAMP,
		end_time TIMESTAMP,
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		records_processed BIGINT NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS execution_logs (
		timestamp BIGINT NOT NULL,
		datetime TEXT NOT NULL,
		level TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL DEFAULT '',
		node_id TEXT,
		message TEXT NOT NULL,
		stack_trace TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_workflow_id
		ON workflow_executions (workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_node_executions_execution_id
		ON node_executions (execution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_execution_logs_execution_id
		ON execution_logs (execution_id)`,
}

// Migrate applies the schema
func Migrate(ctx context.Context, db *sqlx.DB) error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	if db.DriverName() == "sqlite3" {
		idColumn = "id INTEGER PRIMARY KEY"
	}
	for _, stmt := range schema {
		if strings.Contains(stmt, "%s") {
			stmt = fmt.Sprintf(stmt, idColumn)
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
