package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderingWithinPriority(t *testing.T) {
	q := New(Options{MaxInRAM: 100, PagingBufferSize: 50})
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("cmd-%d", i), 5, "job"))
	}
	var lastSeq uint64
	for i := 0; i < 20; i++ {
		item, ok := q.Dequeue(context.Background())
		require.True(t, ok)
		require.Equal(t, 5, item.Priority)
		require.Greater(t, item.SequenceID, lastSeq)
		lastSeq = item.SequenceID
	}
}

func TestPriorityOrdersBeforeSequence(t *testing.T) {
	q := New(Options{MaxInRAM: 100, PagingBufferSize: 50})
	require.NoError(t, q.Enqueue("low-priority-first", 9, ""))
	require.NoError(t, q.Enqueue("high-priority-second", 1, ""))
	item, ok := q.Dequeue(context.Background())
	require.True(t, ok)
	require.Equal(t, "high-priority-second", item.Text)
}

func TestSizeAccounting(t *testing.T) {
	q := New(Options{MaxInRAM: 100, PagingBufferSize: 50})
	for i := 0; i < 37; i++ {
		require.NoError(t, q.Enqueue("x", 1, ""))
	}
	require.Equal(t, 37, q.Size())
	stats := q.Stats()
	require.EqualValues(t, 37, stats.TotalEnqueued)
	require.Equal(t, 37, stats.CurrentQueueSize)
}

func TestOverflowToDiskPreservesTotalOrder(t *testing.T) {
	dir := t.TempDir()
	q := New(Options{MaxInRAM: 100, PagingBufferSize: 50, DiskDir: dir})
	const total = 2000
	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("cmd-%d", i), 5, "job"))
	}
	require.Equal(t, total, q.Size())

	var lastPriority = -1
	var lastSeq uint64
	count := 0
	for {
		item, ok := q.Dequeue(context.Background())
		if !ok {
			break
		}
		count++
		if item.Priority == lastPriority {
			require.Greater(t, item.SequenceID, lastSeq)
		}
		lastPriority = item.Priority
		lastSeq = item.SequenceID
		if count == total {
			break
		}
	}
	require.Equal(t, total, count)
	require.Equal(t, 0, q.Size())
}

func TestRejectsBeyondCapacityWithoutDisk(t *testing.T) {
	q := New(Options{MaxInRAM: 10, PagingBufferSize: 10})
	for i := 0; i < 20; i++ {
		_ = q.Enqueue("x", 1, "")
	}
	// Without a disk backing, growth is bounded by spill heap also
	// capping at PagingBufferSize once hot is paged down; further
	// enqueues past (maxInRAM + spillLimit) capacity must fail.
	for i := 0; i < 100; i++ {
		if err := q.Enqueue("y", 1, ""); err != nil {
			return
		}
	}
	t.Fatal("expected an eventual capacity rejection without disk overflow")
}

func TestClearDropsResidentAndPagedItems(t *testing.T) {
	dir := t.TempDir()
	q := New(Options{MaxInRAM: 10, PagingBufferSize: 10, DiskDir: dir})
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Enqueue("x", 1, ""))
	}
	require.Greater(t, q.Size(), 0)
	q.Clear()
	require.Equal(t, 0, q.Size())
}
