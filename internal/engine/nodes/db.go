package nodes

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/flowplan/flowplan/internal/engine"
)

// DBSourceExecutor reads rows from a SQL query into records
type DBSourceExecutor struct{}

// NodeType implements engine.NodeExecutor
func (DBSourceExecutor) NodeType() string { return "DBSource" }

// Validate implements engine.NodeExecutor
func (DBSourceExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	if ctx.DB == nil {
		return fmt.Errorf("DBSource requires a database connection")
	}
	query := ctx.ConfigString("query")
	if query == "" {
		return fmt.Errorf("DBSource requires a 'query' config entry")
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("DBSource query must be a SELECT statement")
	}
	return nil
}

// CreateReader implements engine.NodeExecutor
func (DBSourceExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return &dbReader{db: ctx.DB, query: ctx.ConfigString("query")}, nil
}

// CreateProcessor implements engine.NodeExecutor
func (DBSourceExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (DBSourceExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}

// SupportsMetrics implements engine.NodeExecutor
func (DBSourceExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (DBSourceExecutor) SupportsFailureHandling() bool { return true }

type dbReader struct {
	db    *sqlx.DB
	query string
	rows  *sqlx.Rows
}

func (r *dbReader) Read(ctx context.Context) (engine.Record, error) {
	if r.rows == nil {
		rows, err := r.db.QueryxContext(ctx, r.query)
		if err != nil {
			return nil, fmt.Errorf("source query failed: %w", err)
		}
		r.rows = rows
	}

	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			r.rows.Close()
			return nil, err
		}
		r.rows.Close()
		return nil, io.EOF
	}

	row := make(map[string]any)
	if err := r.rows.MapScan(row); err != nil {
		r.rows.Close()
		return nil, err
	}
	// Normalize driver byte slices to strings
	for key, value := range row {
		if b, ok := value.([]byte); ok {
			row[key] = string(b)
		}
	}
	return engine.Record(row), nil
}

// DBSinkExecutor inserts records into a table in chunk-sized batches
type DBSinkExecutor struct{}

// NodeType implements engine.NodeExecutor
func (DBSinkExecutor) NodeType() string { return "DBSink" }

// Validate implements engine.NodeExecutor
func (DBSinkExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	if ctx.DB == nil {
		return fmt.Errorf("DBSink requires a database connection")
	}
	if ctx.ConfigString("table") == "" {
		return fmt.Errorf("DBSink requires a 'table' config entry")
	}
	if len(ctx.ConfigStringSlice("columnFields")) == 0 {
		return fmt.Errorf("DBSink requires a 'columnFields' config entry")
	}
	return nil
}

// CreateReader implements engine.NodeExecutor
func (DBSinkExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}

// CreateProcessor implements engine.NodeExecutor
func (DBSinkExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (DBSinkExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	table := ctx.ConfigString("table")
	columns := ctx.ConfigStringSlice("columnFields")
	db := ctx.DB

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = "?"
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "),
	)
	query = db.Rebind(query)

	return engine.WriterFunc(func(ctx context.Context, records []engine.Record) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, record := range records {
			args := make([]any, len(columns))
			for i, col := range columns {
				args[i] = record[col]
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("sink insert failed: %w", err)
			}
		}
		return tx.Commit()
	}), nil
}

// SupportsMetrics implements engine.NodeExecutor
func (DBSinkExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (DBSinkExecutor) SupportsFailureHandling() bool { return true }
