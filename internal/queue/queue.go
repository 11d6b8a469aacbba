// Package queue implements a three-tier prioritised command queue: a hot
// in-memory heap feeding the executor, a spill heap absorbing producer
// bursts, and an append-only disk segment for cold overflow. Ordering is
// a total order over (priority asc, sequence_id asc), preserved across
// paging.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxInRAM is MAX_COMMANDS_IN_RAM.
	DefaultMaxInRAM = 10000
	// DefaultPagingBufferSize is PAGING_BUFFER_SIZE.
	DefaultPagingBufferSize = 5000
	// refillBatch is how many records a refill reads back from disk.
	refillBatch = 1000
)

// Item is a queued command,
type Item struct {
	Text       string
	Priority   int
	JobID      string
	SequenceID uint64
}

// Stats mirrors its statistics block.
type Stats struct {
	TotalEnqueued     uint64
	TotalExecuted     uint64
	TotalErrors       uint64
	CurrentQueueSize  int
	DiskPagedCommands uint64
	DiskOperations    uint64
}

// Queue is the three-tier priority queue described above.
type Queue struct {
	log *logrus.Entry

	maxInRAM   int
	spillLimit int

	mu   sync.Mutex
	cond *sync.Cond

	hot   itemHeap
	spill itemHeap
	disk  *diskSegment

	nextSeq uint64

	closed bool

	totalEnqueued     atomic.Uint64
	totalExecuted     atomic.Uint64
	totalErrors       atomic.Uint64
	diskPagedCommands atomic.Uint64
	diskOperations    atomic.Uint64
}

// Options configures a new Queue.
type Options struct {
	MaxInRAM         int
	PagingBufferSize int
	DiskDir          string
	Log              *logrus.Entry
}

// New creates a Queue backed by a disk segment file under opts.DiskDir.
// If DiskDir is empty or the disk file cannot be opened, disk paging is
// disabled: once the hot and spill heaps are full, Enqueue rejects further
// items by returning an error.
func New(opts Options) *Queue {
	if opts.MaxInRAM <= 0 {
		opts.MaxInRAM = DefaultMaxInRAM
	}
	if opts.PagingBufferSize <= 0 {
		opts.PagingBufferSize = DefaultPagingBufferSize
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	q := &Queue{
		log:        log.WithField("component", "queue"),
		maxInRAM:   opts.MaxInRAM,
		spillLimit: opts.PagingBufferSize,
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.hot)
	heap.Init(&q.spill)

	if opts.DiskDir != "" {
		path := filepath.Join(opts.DiskDir, "command_queue.dat")
		seg, err := openDiskSegment(path)
		if err != nil {
			q.log.WithError(err).Warn("failed to open disk overflow segment; paging disabled")
		} else {
			q.disk = seg
		}
	}
	return q
}

// Enqueue assigns a sequence_id and pushes text into the hot heap,
// paging down to spill/disk as needed to respect capacity.
func (q *Queue) Enqueue(text string, priority int, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue: closed")
	}
	q.nextSeq++
	item := &Item{Text: text, Priority: priority, JobID: jobID, SequenceID: q.nextSeq}

	if q.hot.Len() >= q.maxInRAM {
		if q.disk == nil && q.spill.Len() >= q.spillLimit {
			q.nextSeq--
			return fmt.Errorf("queue: at capacity (%d in RAM, no disk overflow available)", q.maxInRAM)
		}
		q.pageHotToSpillLocked()
	}
	heap.Push(&q.hot, item)
	q.totalEnqueued.Add(1)
	q.cond.Signal()
	return nil
}

// pageHotToSpillLocked moves elements from hot down to a target of
// maxInRAM/2, spilling spill to disk en masse once it reaches its limit.
func (q *Queue) pageHotToSpillLocked() {
	target := q.maxInRAM / 2
	for q.hot.Len() > target {
		item := heap.Pop(&q.hot).(*Item)
		heap.Push(&q.spill, item)
		if q.spill.Len() >= q.spillLimit {
			q.flushSpillToDiskLocked()
		}
	}
}

func (q *Queue) flushSpillToDiskLocked() {
	if q.disk == nil {
		// No disk backing: let the spill heap grow past its nominal limit
		// rather than drop data; capacity checks in Enqueue already guard
		// against unbounded growth when disk is unavailable.
		return
	}
	items := make([]*Item, 0, q.spill.Len())
	for q.spill.Len() > 0 {
		items = append(items, heap.Pop(&q.spill).(*Item))
	}
	if err := q.disk.Append(items); err != nil {
		q.log.WithError(err).Error("failed to flush spill heap to disk; re-queuing in memory")
		for _, it := range items {
			heap.Push(&q.spill, it)
		}
		return
	}
	q.diskPagedCommands.Add(uint64(len(items)))
	q.diskOperations.Add(1)
}

// Dequeue blocks until an item is available or the queue is closed, then
// pops and returns the minimum element. If ctx is already done when
// called, Dequeue returns immediately without blocking; a context that is
// cancelled while already waiting is observed the next time Enqueue,
// Shutdown, or Clear wakes the condition variable (the executor's ctx is
// long-lived and only cancelled at shutdown, which also calls Shutdown).
func (q *Queue) Dequeue(ctx context.Context) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.hot.Len() == 0 && q.spill.Len() > 0 {
			q.refillFromSpillLocked()
		}
		if q.hot.Len() == 0 && q.spill.Len() == 0 && q.diskLenLocked() > 0 {
			q.refillFromDiskLocked()
		}
		if q.hot.Len() > 0 {
			item := heap.Pop(&q.hot).(*Item)
			q.totalExecuted.Add(1)
			return item, true
		}
		if q.closed {
			return nil, false
		}
		if ctx != nil && ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
}

func (q *Queue) refillFromSpillLocked() {
	n := refillBatch
	for n > 0 && q.spill.Len() > 0 {
		heap.Push(&q.hot, heap.Pop(&q.spill).(*Item))
		n--
	}
}

func (q *Queue) diskLenLocked() int {
	if q.disk == nil {
		return 0
	}
	return q.disk.Len()
}

func (q *Queue) refillFromDiskLocked() {
	if q.disk == nil {
		return
	}
	items, err := q.disk.ReadBack(refillBatch)
	if err != nil {
		q.log.WithError(err).Error("failed to read back from disk overflow segment")
		return
	}
	q.diskOperations.Add(1)
	for _, it := range items {
		heap.Push(&q.hot, it)
	}
}

// RecordError increments the error counter; the queue never stops on a
// single command's failure.
func (q *Queue) RecordError() {
	q.totalErrors.Add(1)
}

// Size reports hot+spill+disk, the queue's total reported size.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hot.Len() + q.spill.Len() + q.diskLenLocked()
}

// Stats returns a snapshot of the queue's statistics.
func (q *Queue) Stats() Stats {
	return Stats{
		TotalEnqueued:     q.totalEnqueued.Load(),
		TotalExecuted:     q.totalExecuted.Load(),
		TotalErrors:       q.totalErrors.Load(),
		CurrentQueueSize:  q.Size(),
		DiskPagedCommands: q.diskPagedCommands.Load(),
		DiskOperations:    q.diskOperations.Load(),
	}
}

// Clear drops all resident and paged items, used by job cancellation.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hot = itemHeap{}
	q.spill = itemHeap{}
	heap.Init(&q.hot)
	heap.Init(&q.spill)
	if q.disk != nil {
		q.disk.Truncate()
	}
	q.cond.Broadcast()
}

// Shutdown drains the condition variable waiters and closes the disk
// segment, removing its backing file
func (q *Queue) Shutdown() error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	disk := q.disk
	q.mu.Unlock()
	if disk != nil {
		return disk.Close(true /*remove*/)
	}
	return nil
}
