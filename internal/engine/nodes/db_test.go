package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplan/flowplan/internal/engine"
	"github.com/flowplan/flowplan/internal/plan"
)

// dbNodeContext builds a NodeExecutionContext backed by a mocked database
func dbNodeContext(t *testing.T, nodeType string, config map[string]any) (*engine.NodeExecutionContext, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	raw, err := json.Marshal(config)
	require.NoError(t, err)

	return &engine.NodeExecutionContext{
		ExecutionID: "exec",
		WorkflowID:  "wf",
		Step: &plan.StepNode{
			NodeID:   "N",
			NodeType: nodeType,
			Config:   raw,
		},
		Buffers: engine.NewEdgeBufferStore(100),
		DB:      sqlx.NewDb(db, "postgres"),
		Logger:  slog.Default(),
	}, mock
}

func TestDBSource_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		noDB    bool
		wantErr string
	}{
		{
			name:    "missing connection",
			config:  map[string]any{"query": "SELECT 1"},
			noDB:    true,
			wantErr: "database connection",
		},
		{
			name:    "missing query",
			config:  map[string]any{},
			wantErr: "'query'",
		},
		{
			name:    "non-select statement",
			config:  map[string]any{"query": "DELETE FROM items"},
			wantErr: "SELECT statement",
		},
		{
			name:   "lowercase select with whitespace",
			config: map[string]any{"query": "  select id from items"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, _ := dbNodeContext(t, "DBSource", tt.config)
			if tt.noDB {
				ctx.DB = nil
			}
			err := DBSourceExecutor{}.Validate(ctx)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDBSource_ReaderMapsRows(t *testing.T) {
	ctx, mock := dbNodeContext(t, "DBSource", map[string]any{
		"query": "SELECT id, name FROM items",
	})

	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow(int64(1), []byte("alice")).
		AddRow(int64(2), "bob")
	mock.ExpectQuery("SELECT id, name FROM items").WillReturnRows(rows)

	reader, err := DBSourceExecutor{}.CreateReader(ctx)
	require.NoError(t, err)

	records := drain(t, reader)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0]["id"])
	assert.Equal(t, "alice", records[0]["name"], "driver byte slices normalize to strings")
	assert.Equal(t, "bob", records[1]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSource_ReaderQueryError(t *testing.T) {
	ctx, mock := dbNodeContext(t, "DBSource", map[string]any{
		"query": "SELECT id FROM missing",
	})
	mock.ExpectQuery("SELECT id FROM missing").WillReturnError(errors.New("relation does not exist"))

	reader, err := DBSourceExecutor{}.CreateReader(ctx)
	require.NoError(t, err)

	_, err = reader.Read(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source query failed")
}

func TestDBSink_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr string
	}{
		{
			name:    "missing table",
			config:  map[string]any{"columnFields": []any{"id"}},
			wantErr: "'table'",
		},
		{
			name:    "missing columns",
			config:  map[string]any{"table": "items"},
			wantErr: "'columnFields'",
		},
		{
			name:   "complete",
			config: map[string]any{"table": "items", "columnFields": []any{"id", "name"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, _ := dbNodeContext(t, "DBSink", tt.config)
			err := DBSinkExecutor{}.Validate(ctx)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDBSink_WriterBatchesInTransaction(t *testing.T) {
	ctx, mock := dbNodeContext(t, "DBSink", map[string]any{
		"table":        "items",
		"columnFields": []any{"id", "name"},
	})

	mock.ExpectBegin()
	// Rebind turns the ? placeholders into postgres ordinals
	mock.ExpectExec(`INSERT INTO items \(id, name\) VALUES \(\$1, \$2\)`).
		WithArgs(1, "alice").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO items \(id, name\) VALUES \(\$1, \$2\)`).
		WithArgs(2, "bob").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	writer, err := DBSinkExecutor{}.CreateWriter(ctx)
	require.NoError(t, err)

	require.NoError(t, writer.Write(context.Background(), []engine.Record{
		{"id": 1, "name": "alice"},
		{"id": 2, "name": "bob"},
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDBSink_WriterRollsBackOnError(t *testing.T) {
	ctx, mock := dbNodeContext(t, "DBSink", map[string]any{
		"table":        "items",
		"columnFields": []any{"id"},
	})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO items").
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO items").
		WithArgs(2).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	writer, err := DBSinkExecutor{}.CreateWriter(ctx)
	require.NoError(t, err)

	err = writer.Write(context.Background(), []engine.Record{{"id": 1}, {"id": 2}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink insert failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
