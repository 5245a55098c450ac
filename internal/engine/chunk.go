package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/flowplan/flowplan/internal/workflow"
)

// DefaultChunkSize is the number of records per commit when a step does
// not override it.
const DefaultChunkSize = 1000

// StepStatus is the terminal status of one runtime step
type StepStatus string

const (
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepStopped   StepStatus = "STOPPED"
	StepUnknown   StepStatus = "UNKNOWN"
)

// IsErrorStatus reports whether the status routes into a step's error flow
func (s StepStatus) IsErrorStatus() bool {
	return s == StepFailed || s == StepStopped || s == StepUnknown
}

// StepResult is the outcome of one runtime step
type StepResult struct {
	Status           StepStatus
	RecordsProcessed int64
	SkippedRecords   int64
	RetryCount       int
	Err              error
}

// CancelCheck reports whether the run has been asked to cancel. It is
// polled between steps and between chunks; the in-flight chunk always
// commits before cancellation is observed.
type CancelCheck func(ctx context.Context) (bool, error)

// chunkRunner drives one chunk-oriented step: read a chunk, process each
// item, write the chunk, repeat until the reader is exhausted.
type chunkRunner struct {
	reader      ItemReader
	processor   ItemProcessor
	writer      ItemWriter
	chunkSize   int
	policy      workflow.FailurePolicy
	retry       *RetryStrategy
	cancelCheck CancelCheck
	logger      *slog.Logger
}

func newChunkRunner(reader ItemReader, processor ItemProcessor, writer ItemWriter, chunkSize int, policy *workflow.FailurePolicy, cancelCheck CancelCheck, logger *slog.Logger) *chunkRunner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	effective := workflow.FailurePolicy{Action: workflow.FailureActionFail}
	if policy != nil {
		effective = *policy
	}
	retryConfig := DefaultRetryConfig()
	retryConfig.MaxRetries = effective.MaxRetries

	return &chunkRunner{
		reader:      reader,
		processor:   processor,
		writer:      writer,
		chunkSize:   chunkSize,
		policy:      effective,
		retry:       NewRetryStrategy(retryConfig, logger),
		cancelCheck: cancelCheck,
		logger:      logger,
	}
}

// skippable reports whether the policy allows dropping a record whose
// retries are exhausted.
func (c *chunkRunner) skippable() bool {
	return c.policy.Action == workflow.FailureActionSkipRecord || c.policy.SkipOnError
}

// run executes the chunk loop and returns the step result
func (c *chunkRunner) run(ctx context.Context) StepResult {
	var result StepResult
	result.Status = StepCompleted

	for {
		if c.cancelCheck != nil {
			cancelled, err := c.cancelCheck(ctx)
			if err != nil {
				c.logger.Warn("cancellation check failed", "error", err)
			} else if cancelled {
				result.Status = StepStopped
				return result
			}
		}

		chunk, done, err := c.readChunk(ctx, &result)
		if err != nil {
			result.Status = StepFailed
			result.Err = err
			return result
		}

		if len(chunk) > 0 {
			if err := c.writeChunk(ctx, chunk, &result); err != nil {
				result.Status = StepFailed
				result.Err = err
				return result
			}
			result.RecordsProcessed += int64(len(chunk))
		}

		if done {
			return result
		}
	}
}

// readChunk fills one chunk, processing items as they are read. Processor
// errors are retried per policy, then skipped or escalated.
func (c *chunkRunner) readChunk(ctx context.Context, result *StepResult) ([]Record, bool, error) {
	chunk := make([]Record, 0, c.chunkSize)
	for len(chunk) < c.chunkSize {
		record, err := c.reader.Read(ctx)
		if errors.Is(err, io.EOF) {
			return chunk, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		if record == nil {
			continue
		}

		processed, err := c.processItem(ctx, record, result)
		if err != nil {
			if c.skippable() {
				result.SkippedRecords++
				c.logger.Warn("record skipped after retries exhausted", "error", err)
				continue
			}
			return nil, false, err
		}
		if processed != nil {
			chunk = append(chunk, processed)
		}
	}
	return chunk, false, nil
}

func (c *chunkRunner) processItem(ctx context.Context, record Record, result *StepResult) (Record, error) {
	if c.processor == nil {
		return record, nil
	}

	var processed Record
	err := c.retry.Execute(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			result.RetryCount++
		}
		var procErr error
		processed, procErr = c.processor.Process(ctx, record)
		return procErr
	})
	if err != nil {
		return nil, err
	}
	return processed, nil
}

func (c *chunkRunner) writeChunk(ctx context.Context, chunk []Record, result *StepResult) error {
	return c.retry.Execute(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			result.RetryCount++
		}
		return c.writer.Write(ctx, chunk)
	})
}

// discardWriter drops records; used for terminal steps with no data ports
// and no executor writer.
type discardWriter struct{}

func (discardWriter) Write(ctx context.Context, records []Record) error { return nil }
