package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowplan/flowplan/internal/config"
	"github.com/flowplan/flowplan/internal/coordinator"
	"github.com/flowplan/flowplan/internal/engine"
	"github.com/flowplan/flowplan/internal/engine/nodes"
	"github.com/flowplan/flowplan/internal/metrics"
	"github.com/flowplan/flowplan/internal/plan"
	"github.com/flowplan/flowplan/internal/workflow"
)

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	var (
		mode        = flag.String("mode", "parallel", "execution mode recorded on the run")
		metricsAddr = flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint (empty disables)")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: engine [flags] <workflow.json>")
		os.Exit(2)
	}
	payloadPath := flag.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		logger.Error("failed to read workflow payload", "path", payloadPath, "error", err)
		os.Exit(1)
	}

	db, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.ConnectionString())
	if err != nil {
		logger.Error("failed to connect to database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := workflow.Migrate(ctx, db); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	registry := engine.NewRegistry()
	nodes.RegisterBuiltins(registry)

	buffers := engine.NewEdgeBufferStore(cfg.EdgeBuffer.MaxRecords)
	pool := engine.NewWorkerPool(cfg.Scheduler.CorePoolSize, cfg.Scheduler.MaxPoolSize, cfg.Scheduler.QueueCapacity)
	defer pool.Shutdown()

	m := metrics.New()
	if *metricsAddr != "" {
		promRegistry := prometheus.NewRegistry()
		if err := m.Register(promRegistry); err != nil {
			logger.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		// Sample the buffer and pool gauges while the engine runs
		go func() {
			ticker := time.NewTicker(5 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.BufferedRecords.Set(float64(buffers.Total()))
					m.ActiveWorkers.Set(float64(pool.ActiveWorkers()))
				}
			}
		}()
	}

	repo := workflow.NewRepository(db)
	scheduler := engine.NewScheduler(registry, buffers, pool, db, engine.SchedulerOptions{
		Restartable:           cfg.Job.Restartable,
		RequireWorkflowID:     cfg.Job.RequireWorkflowID,
		FailJoinOnBranchError: true,
	}, logger)
	scheduler.AddListener(coordinator.NewMetricsListener(m))

	compiler := plan.NewCompiler(plan.CompilerOptions{
		StrictJoins:        cfg.Compiler.StrictJoins,
		AllowJoinInference: cfg.Compiler.AllowJoinInference,
	}, registry, logger)

	coord := coordinator.New(repo, compiler, plan.ValidatorOptions{
		StrictJoins:         cfg.Validation.StrictJoins,
		StrictJoinUpstreams: cfg.Validation.StrictJoinUpstreams,
		RequireExplicitJoin: cfg.Validation.RequireExplicitJoin,
	}, scheduler, buffers, m, logger)

	sweeper := coordinator.NewRetentionSweeper(repo, cfg.Retention, logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Error("failed to start retention sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	execution, err := coord.Execute(ctx, payload, *mode)
	if err != nil {
		logger.Error("submission rejected", "error", err)
		os.Exit(1)
	}

	logger.Info("execution finished",
		"execution_id", execution.ExecutionID,
		"status", execution.Status,
		"total_nodes", execution.TotalNodes,
		"successful_nodes", execution.SuccessfulNodes,
		"failed_nodes", execution.FailedNodes,
		"total_records", execution.TotalRecords,
	)

	if execution.Status != workflow.ExecutionStatusSuccess {
		os.Exit(1)
	}
}
