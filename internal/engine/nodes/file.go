package nodes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/flowplan/flowplan/internal/engine"
)

// FileSourceExecutor reads JSON-lines files into records
type FileSourceExecutor struct{}

// NodeType implements engine.NodeExecutor
func (FileSourceExecutor) NodeType() string { return "FileSource" }

// Validate implements engine.NodeExecutor
func (FileSourceExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	if ctx.ConfigString("path") == "" {
		return fmt.Errorf("FileSource requires a 'path' config entry")
	}
	return nil
}

// CreateReader implements engine.NodeExecutor
func (FileSourceExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return &fileReader{path: ctx.ConfigString("path")}, nil
}

// CreateProcessor implements engine.NodeExecutor
func (FileSourceExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (FileSourceExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	return nil, nil
}

// SupportsMetrics implements engine.NodeExecutor
func (FileSourceExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (FileSourceExecutor) SupportsFailureHandling() bool { return true }

// fileReader lazily opens its file on first read, so a fresh reader from
// the executor restarts the sequence.
type fileReader struct {
	path    string
	file    *os.File
	scanner *bufio.Scanner
}

func (r *fileReader) Read(ctx context.Context) (engine.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.file == nil {
		file, err := os.Open(r.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open source file: %w", err)
		}
		r.file = file
		r.scanner = bufio.NewScanner(file)
	}

	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record engine.Record
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("malformed JSON line in %s: %w", r.path, err)
		}
		return record, nil
	}

	if err := r.scanner.Err(); err != nil {
		r.file.Close()
		return nil, err
	}
	r.file.Close()
	return nil, io.EOF
}

// FileSinkExecutor appends records to a JSON-lines file
type FileSinkExecutor struct{}

// NodeType implements engine.NodeExecutor
func (FileSinkExecutor) NodeType() string { return "FileSink" }

// Validate implements engine.NodeExecutor
func (FileSinkExecutor) Validate(ctx *engine.NodeExecutionContext) error {
	if ctx.ConfigString("path") == "" {
		return fmt.Errorf("FileSink requires a 'path' config entry")
	}
	return nil
}

// CreateReader implements engine.NodeExecutor
func (FileSinkExecutor) CreateReader(ctx *engine.NodeExecutionContext) (engine.ItemReader, error) {
	return nil, nil
}

// CreateProcessor implements engine.NodeExecutor
func (FileSinkExecutor) CreateProcessor(ctx *engine.NodeExecutionContext) (engine.ItemProcessor, error) {
	return nil, nil
}

// CreateWriter implements engine.NodeExecutor
func (FileSinkExecutor) CreateWriter(ctx *engine.NodeExecutionContext) (engine.ItemWriter, error) {
	path := ctx.ConfigString("path")
	return engine.WriterFunc(func(ctx context.Context, records []engine.Record) error {
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open sink file: %w", err)
		}
		defer file.Close()

		w := bufio.NewWriter(file)
		for _, record := range records {
			line, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				return err
			}
		}
		return w.Flush()
	}), nil
}

// SupportsMetrics implements engine.NodeExecutor
func (FileSinkExecutor) SupportsMetrics() bool { return true }

// SupportsFailureHandling implements engine.NodeExecutor
func (FileSinkExecutor) SupportsFailureHandling() bool { return true }
