package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// BranchRecord captures one completed fork branch at a join point
type BranchRecord struct {
	Success        bool
	CompletionTime time.Time
}

// JoinSynchronizationError is raised when a join observes failed branches
type JoinSynchronizationError struct {
	JoinNodeID     string
	FailedBranches []string
}

// Error implements the error interface
func (e *JoinSynchronizationError) Error() string {
	return fmt.Sprintf("join '%s' synchronization failed: branches [%s] did not complete successfully",
		e.JoinNodeID, strings.Join(e.FailedBranches, ", "))
}

// ExecutionState is the per-run runtime bag shared across steps: join
// metadata and branch completion records.
type ExecutionState struct {
	ExecutionID string
	WorkflowID  string

	mu       sync.Mutex
	metadata map[string]any
	branches map[string]BranchRecord
}

// NewExecutionState creates the runtime state for one run
func NewExecutionState(executionID, workflowID string) *ExecutionState {
	return &ExecutionState{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		metadata:    make(map[string]any),
		branches:    make(map[string]BranchRecord),
	}
}

// PutMetadata stores one execution-scoped metadata entry
func (s *ExecutionState) PutMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

// Metadata returns one execution-scoped metadata entry
func (s *ExecutionState) Metadata(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metadata[key]
	return v, ok
}

// RecordBranch registers a fork branch's terminal state
func (s *ExecutionState) RecordBranch(branchID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[branchID] = BranchRecord{Success: success, CompletionTime: time.Now()}
}

// FailedBranches returns the branch ids recorded as failed, out of the
// given set.
func (s *ExecutionState) FailedBranches(branchIDs []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []string
	for _, id := range branchIDs {
		if record, ok := s.branches[id]; ok && !record.Success {
			failed = append(failed, id)
		}
	}
	return failed
}

// AllBranchesComplete reports whether every given branch has a record
func (s *ExecutionState) AllBranchesComplete(branchIDs []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range branchIDs {
		if _, ok := s.branches[id]; !ok {
			return false
		}
	}
	return true
}

// JoinBarrierMetadataKey names the metadata entry a barrier writes
func JoinBarrierMetadataKey(joinNodeID string) string {
	return "join:" + joinNodeID
}

// JoinBarrierEvent is the metadata payload written when a barrier fires
type JoinBarrierEvent struct {
	JoinNodeID       string    `json:"joinNodeId"`
	UpstreamBranches []string  `json:"upstreamBranches"`
	CompletionTime   time.Time `json:"completionTime"`
	DurationMs       int64     `json:"durationMs"`
}

// JoinBarrier is the tasklet executed once per join. By the time it runs,
// all upstream branches have completed: the parallel split is structurally
// awaited before control reaches the join.
type JoinBarrier struct {
	JoinNodeID       string
	UpstreamBranches []string
	// FailOnBranchError makes the barrier raise when a recorded branch failed
	FailOnBranchError bool
}

// Execute records the synchronization event and optionally asserts branch
// success.
func (b *JoinBarrier) Execute(state *ExecutionState, startedAt time.Time) error {
	event := JoinBarrierEvent{
		JoinNodeID:       b.JoinNodeID,
		UpstreamBranches: b.UpstreamBranches,
		CompletionTime:   time.Now(),
		DurationMs:       time.Since(startedAt).Milliseconds(),
	}
	state.PutMetadata(JoinBarrierMetadataKey(b.JoinNodeID), event)

	if b.FailOnBranchError {
		if failed := state.FailedBranches(b.UpstreamBranches); len(failed) > 0 {
			return &JoinSynchronizationError{
				JoinNodeID:     b.JoinNodeID,
				FailedBranches: failed,
			}
		}
	}
	return nil
}
