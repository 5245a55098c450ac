package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowplan/flowplan/internal/engine"
	"github.com/flowplan/flowplan/internal/metrics"
	"github.com/flowplan/flowplan/internal/plan"
	"github.com/flowplan/flowplan/internal/workflow"
)

// memSource produces a fixed set of records
type memSource struct {
	records []engine.Record
}

func (s *memSource) NodeType() string                                   { return "TestSource" }
func (s *memSource) Validate(ctx *engine.NodeExecutionContext) error    { return nil }
func (s *memSource) SupportsMetrics() bool                              { return false }
func (s *memSource) SupportsFailureHandling() bool                      { return false }
func (s *memSource) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}
func (s *memSource) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}
func (s *memSource) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	pos := 0
	return engine.ReaderFunc(func(ctx context.Context) (engine.Record, error) {
		if pos >= len(s.records) {
			return nil, io.EOF
		}
		record := s.records[pos]
		pos++
		return record, nil
	}), nil
}

// memSink captures everything written to it
type memSink struct {
	mu      sync.Mutex
	written []engine.Record
}

func (s *memSink) NodeType() string                                { return "TestSink" }
func (s *memSink) Validate(ctx *engine.NodeExecutionContext) error { return nil }
func (s *memSink) SupportsMetrics() bool                           { return false }
func (s *memSink) SupportsFailureHandling() bool                   { return false }
func (s *memSink) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}
func (s *memSink) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}
func (s *memSink) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return engine.WriterFunc(func(ctx context.Context, records []engine.Record) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.written = append(s.written, records...)
		return nil
	}), nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

// flakyTransform fails every record until healed
type flakyTransform struct {
	mu     sync.Mutex
	broken bool
}

func (f *flakyTransform) NodeType() string                                { return "TestFlaky" }
func (f *flakyTransform) Validate(ctx *engine.NodeExecutionContext) error { return nil }
func (f *flakyTransform) SupportsMetrics() bool                           { return false }
func (f *flakyTransform) SupportsFailureHandling() bool                   { return true }
func (f *flakyTransform) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}
func (f *flakyTransform) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}
func (f *flakyTransform) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return engine.ProcessorFunc(func(ctx context.Context, record engine.Record) (engine.Record, error) {
		f.mu.Lock()
		broken := f.broken
		f.mu.Unlock()
		if broken {
			return nil, errors.New("transform is malformed")
		}
		return record, nil
	}), nil
}

func (f *flakyTransform) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = false
}

type fixture struct {
	coord   *Coordinator
	repo    *workflow.Repository
	buffers *engine.EdgeBufferStore
	sink    *memSink
	flaky   *flakyTransform
	db      *sqlx.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, workflow.Migrate(context.Background(), db))

	logger := slog.Default()
	sink := &memSink{}
	flaky := &flakyTransform{}

	registry := engine.NewRegistry()
	registry.Register(&memSource{records: []engine.Record{
		{"id": 1}, {"id": 2}, {"id": 3},
	}})
	registry.Register(sink)
	registry.Register(flaky)

	buffers := engine.NewEdgeBufferStore(1000)
	pool := engine.NewWorkerPool(2, 4, 16)
	t.Cleanup(pool.Shutdown)

	scheduler := engine.NewScheduler(registry, buffers, pool, db, engine.SchedulerOptions{
		Restartable: true,
	}, logger)

	compiler := plan.NewCompiler(plan.CompilerOptions{StrictJoins: true}, registry, logger)
	repo := workflow.NewRepository(db)

	coord := New(repo, compiler, plan.ValidatorOptions{}, scheduler, buffers, metrics.New(), logger)
	return &fixture{
		coord:   coord,
		repo:    repo,
		buffers: buffers,
		sink:    sink,
		flaky:   flaky,
		db:      db,
	}
}

const linearPayload = `{
	"workflow": {
		"id": "wf-linear",
		"name": "linear etl",
		"nodes": [
			{"id": "Start", "type": "Start"},
			{"id": "Source", "type": "TestSource"},
			{"id": "Xform", "type": "TestFlaky"},
			{"id": "Sink", "type": "TestSink"}
		],
		"edges": [
			{"source": "Start", "target": "Source", "isControl": true},
			{"source": "Source", "target": "Xform"},
			{"source": "Xform", "target": "Sink"}
		]
	}
}`

func TestCoordinator_ExecuteLinearWorkflow(t *testing.T) {
	f := newFixture(t)

	execution, err := f.coord.Execute(context.Background(), []byte(linearPayload), "parallel")
	require.NoError(t, err)

	assert.Equal(t, workflow.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, "wf-linear", execution.WorkflowID)
	assert.Equal(t, 3, execution.TotalNodes)
	assert.Equal(t, 3, execution.CompletedNodes)
	assert.Equal(t, 3, execution.SuccessfulNodes)
	assert.Equal(t, 0, execution.FailedNodes)
	assert.Equal(t, "parallel", execution.ExecutionMode)
	assert.NotNil(t, execution.EndTime)
	assert.JSONEq(t, linearPayload, string(execution.Parameters),
		"the run row alone reconstructs the submission for rerun")

	assert.Equal(t, 3, f.sink.count())
	assert.Equal(t, 0, f.buffers.Total(), "edge buffers are cleared at job end")

	nodes, err := f.repo.ListNodeExecutions(context.Background(), execution.ExecutionID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		assert.Equal(t, workflow.NodeStatusSuccess, n.Status, "node %s", n.NodeID)
	}

	var logCount int
	require.NoError(t, f.db.Get(&logCount,
		"SELECT COUNT(*) FROM execution_logs WHERE execution_id = $1", execution.ExecutionID))
	assert.Greater(t, logCount, 0)
}

func TestCoordinator_RejectsInvalidGraphWithoutRunRow(t *testing.T) {
	f := newFixture(t)

	payload := `{"workflow": {"id": "wf-bad", "name": "bad", "nodes": [{"id": "A", "type": "TestSource"}], "edges": []}}`
	_, err := f.coord.Execute(context.Background(), []byte(payload), "parallel")
	require.Error(t, err)

	var gve *plan.GraphValidationError
	assert.ErrorAs(t, err, &gve)

	var count int
	require.NoError(t, f.db.Get(&count, "SELECT COUNT(*) FROM workflow_executions"))
	assert.Equal(t, 0, count, "rejected submissions create no run row")
}

func TestCoordinator_RejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.Execute(context.Background(), []byte(`{broken`), "parallel")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse workflow payload")
}

func TestCoordinator_FailedRunRecordsError(t *testing.T) {
	f := newFixture(t)
	f.flaky.broken = true

	execution, err := f.coord.Execute(context.Background(), []byte(linearPayload), "parallel")
	require.NoError(t, err)

	assert.Equal(t, workflow.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, 1, execution.FailedNodes)
	require.NotNil(t, execution.ErrorMessage)
	assert.Contains(t, *execution.ErrorMessage, "Xform")

	nodes, err := f.repo.ListNodeExecutions(context.Background(), execution.ExecutionID)
	require.NoError(t, err)
	statuses := make(map[string]workflow.NodeStatus)
	for _, n := range nodes {
		statuses[n.NodeID] = n.Status
	}
	assert.Equal(t, workflow.NodeStatusSuccess, statuses["Source"])
	assert.Equal(t, workflow.NodeStatusFailed, statuses["Xform"])
	_, sinkRan := statuses["Sink"]
	assert.False(t, sinkRan, "steps after a failure do not run")
}

func TestCoordinator_RestartFromFailed(t *testing.T) {
	f := newFixture(t)
	f.flaky.broken = true

	failed, err := f.coord.Execute(context.Background(), []byte(linearPayload), "parallel")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionStatusFailed, failed.Status)

	f.flaky.heal()

	restarted, err := f.coord.RestartFromFailed(context.Background(), failed.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, workflow.ExecutionStatusSuccess, restarted.Status)
	assert.Equal(t, "wf-linear_restart", restarted.WorkflowID)
	assert.Equal(t, 2, restarted.TotalNodes, "only the failed node and its downstream rerun")

	nodes, err := f.repo.ListNodeExecutions(context.Background(), restarted.ExecutionID)
	require.NoError(t, err)
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.NodeID)
	}
	assert.ElementsMatch(t, []string{"Xform", "Sink"}, ids)
}

func TestCoordinator_RestartFromNode(t *testing.T) {
	f := newFixture(t)

	first, err := f.coord.Execute(context.Background(), []byte(linearPayload), "parallel")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionStatusSuccess, first.Status)

	restarted, err := f.coord.RestartFromNode(context.Background(), first.ExecutionID, "Xform")
	require.NoError(t, err)

	assert.Equal(t, workflow.ExecutionStatusSuccess, restarted.Status)
	assert.Equal(t, 2, restarted.TotalNodes)
	assert.Equal(t, "restart", restarted.ExecutionMode)
}

func TestCoordinator_CancelMonotonicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.CreateExecution(ctx, "exec-c", "wf-1", "wf-1", "parallel", 1, nil)
	require.NoError(t, err)

	// running -> cancel_requested succeeds exactly once
	require.NoError(t, f.coord.Cancel(ctx, "exec-c"))
	assert.ErrorIs(t, f.coord.Cancel(ctx, "exec-c"), workflow.ErrNotCancellable)

	status, err := f.repo.GetExecutionStatus(ctx, "exec-c")
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionStatusCancelRequested, status)

	// cancel_requested -> cancelled is terminal
	require.NoError(t, f.repo.FinalizeExecution(ctx, "exec-c", workflow.ExecutionStatusCancelled, nil))
	assert.ErrorIs(t, f.coord.Cancel(ctx, "exec-c"), workflow.ErrNotCancellable)
}

func TestCoordinator_SubmitRunsAsynchronously(t *testing.T) {
	f := newFixture(t)

	executionID, done, err := f.coord.Submit(context.Background(), []byte(linearPayload), "parallel")
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	final := <-done
	require.NotNil(t, final)
	assert.Equal(t, executionID, final.ExecutionID)
	assert.Equal(t, workflow.ExecutionStatusSuccess, final.Status)
}
