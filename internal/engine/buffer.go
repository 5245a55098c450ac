package engine

import (
	"fmt"
	"strings"
	"sync"
)

// Record is one unit of data flowing between nodes
type Record map[string]any

// DefaultMaxBufferSize caps total buffered records across all executions
const DefaultMaxBufferSize = 50000

// BufferOverflowError is returned when an add would exceed the global cap
type BufferOverflowError struct {
	ExecutionID string
	NodeID      string
	Port        string
	Limit       int
}

// Error implements the error interface
func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("Edge buffer overflow: execution %s edge %s:%s exceeds limit=%d",
		e.ExecutionID, e.NodeID, e.Port, e.Limit)
}

// EdgeBufferStore holds per-execution record queues between nodes, keyed by
// (execution id, target node, target port). One global counter bounds the
// total across all keys and all executions.
type EdgeBufferStore struct {
	mu      sync.Mutex
	buffers map[string][]Record
	total   int
	maxSize int
}

// NewEdgeBufferStore creates a store with the given global record cap
func NewEdgeBufferStore(maxSize int) *EdgeBufferStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	return &EdgeBufferStore{
		buffers: make(map[string][]Record),
		maxSize: maxSize,
	}
}

func bufferKey(executionID, nodeID, port string) string {
	return executionID + ":" + nodeID + ":" + port
}

// Add appends a record to the (node, port) buffer of an execution. The
// overflow check happens before appending, so a rejected add leaves the
// total unchanged.
func (s *EdgeBufferStore) Add(executionID, targetNodeID, targetPort string, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.total+1 > s.maxSize {
		return &BufferOverflowError{
			ExecutionID: executionID,
			NodeID:      targetNodeID,
			Port:        targetPort,
			Limit:       s.maxSize,
		}
	}

	key := bufferKey(executionID, targetNodeID, targetPort)
	s.buffers[key] = append(s.buffers[key], record)
	s.total++
	return nil
}

// Get returns a read view of the buffered records for one key
func (s *EdgeBufferStore) Get(executionID, targetNodeID, targetPort string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bufferKey(executionID, targetNodeID, targetPort)
	records := s.buffers[key]
	view := make([]Record, len(records))
	copy(view, records)
	return view
}

// HasRecords reports whether the key holds any records
func (s *EdgeBufferStore) HasRecords(executionID, targetNodeID, targetPort string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.buffers[bufferKey(executionID, targetNodeID, targetPort)]) > 0
}

// ClearBuffer drops one key and releases its records from the global count
func (s *EdgeBufferStore) ClearBuffer(executionID, nodeID, port string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bufferKey(executionID, nodeID, port)
	s.total -= len(s.buffers[key])
	delete(s.buffers, key)
}

// ClearExecution drops every key belonging to an execution
func (s *EdgeBufferStore) ClearExecution(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := executionID + ":"
	for key, records := range s.buffers {
		if strings.HasPrefix(key, prefix) {
			s.total -= len(records)
			delete(s.buffers, key)
		}
	}
}

// Total returns the current global buffered-record count
func (s *EdgeBufferStore) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
