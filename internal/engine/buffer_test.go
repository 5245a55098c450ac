package engine

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdgeBufferStore_AddAndGet(t *testing.T) {
	store := NewEdgeBufferStore(100)

	require.NoError(t, store.Add("exec1", "N1", "in", Record{"v": 1}))
	require.NoError(t, store.Add("exec1", "N1", "in", Record{"v": 2}))
	require.NoError(t, store.Add("exec1", "N2", "in", Record{"v": 3}))

	records := store.Get("exec1", "N1", "in")
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0]["v"])
	assert.Equal(t, 2, records[1]["v"])

	assert.True(t, store.HasRecords("exec1", "N1", "in"))
	assert.False(t, store.HasRecords("exec1", "N1", "other"))
	assert.Equal(t, 3, store.Total())
}

func TestEdgeBufferStore_Overflow(t *testing.T) {
	store := NewEdgeBufferStore(5)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Add("exec", "N1", "out", Record{"i": i}))
	}

	err := store.Add("exec", "N1", "out", Record{"i": 5})
	require.Error(t, err)

	var overflow *BufferOverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Contains(t, err.Error(), "Edge buffer overflow")
	assert.Contains(t, err.Error(), "exec")
	assert.Contains(t, err.Error(), "N1:out")
	assert.Contains(t, err.Error(), "limit=5")

	// The rejected add must not change the total
	assert.Equal(t, 5, store.Total())
	assert.Len(t, store.Get("exec", "N1", "out"), 5)
}

func TestEdgeBufferStore_CapCountsAcrossExecutions(t *testing.T) {
	store := NewEdgeBufferStore(2)

	require.NoError(t, store.Add("exec1", "N1", "in", Record{}))
	require.NoError(t, store.Add("exec2", "N2", "in", Record{}))
	require.Error(t, store.Add("exec3", "N3", "in", Record{}))
}

func TestEdgeBufferStore_ClearBuffer(t *testing.T) {
	store := NewEdgeBufferStore(10)

	require.NoError(t, store.Add("exec", "N1", "in", Record{}))
	require.NoError(t, store.Add("exec", "N2", "in", Record{}))

	store.ClearBuffer("exec", "N1", "in")
	assert.False(t, store.HasRecords("exec", "N1", "in"))
	assert.True(t, store.HasRecords("exec", "N2", "in"))
	assert.Equal(t, 1, store.Total())
}

func TestEdgeBufferStore_ClearExecution(t *testing.T) {
	store := NewEdgeBufferStore(10)

	require.NoError(t, store.Add("exec1", "N1", "in", Record{}))
	require.NoError(t, store.Add("exec1", "N2", "in", Record{}))
	require.NoError(t, store.Add("exec2", "N1", "in", Record{}))

	store.ClearExecution("exec1")
	assert.False(t, store.HasRecords("exec1", "N1", "in"))
	assert.False(t, store.HasRecords("exec1", "N2", "in"))
	assert.True(t, store.HasRecords("exec2", "N1", "in"))
	assert.Equal(t, 1, store.Total())

	// Freed capacity is usable again
	for i := 0; i < 9; i++ {
		require.NoError(t, store.Add("exec2", "N1", "in", Record{"i": i}))
	}
	require.Error(t, store.Add("exec2", "N1", "in", Record{}))
}

func TestEdgeBufferStore_GetReturnsReadView(t *testing.T) {
	store := NewEdgeBufferStore(10)
	require.NoError(t, store.Add("exec", "N1", "in", Record{"v": 1}))

	view := store.Get("exec", "N1", "in")
	view[0] = Record{"v": 99}

	fresh := store.Get("exec", "N1", "in")
	assert.Equal(t, 1, fresh[0]["v"], "mutating the view must not touch the buffer")
}

func TestEdgeBufferStore_ConcurrentProducers(t *testing.T) {
	store := NewEdgeBufferStore(1000)

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				target := fmt.Sprintf("N%d", p%3)
				assert.NoError(t, store.Add("exec", target, "in", Record{"p": p, "i": i}))
			}
		}(p)
	}
	wg.Wait()

	assert.Equal(t, 500, store.Total())
}
