// Package queue defines the contract for enqueuing and consuming jobs.
//
// The in-memory implementation is a bounded channel with two submit modes:
// Enqueue drops the job when the buffer is full, EnqueueWait blocks until
// there is room.
package queue

import (
	"context"
	"sync"

	"github.com/okian/alpharank/pkg/metrics"
)

const defaultQueueCapacity = 10_000

// Job is one unit of work. Fn receives the worker's context. Done, when
// set, is called exactly once with Fn's result, or with an error if the job
// is discarded without running.
type Job struct {
	Key  string
	Fn   func(ctx context.Context) error
	Done func(err error)
}

// Finish reports err to the job's Done callback, if any.
func (j Job) Finish(err error) {
	if j.Done != nil {
		j.Done(err)
	}
}

// Queue provides bounded enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a job without blocking.
	// Returns false if the queue is full or closed.
	Enqueue(ctx context.Context, j Job) bool

	// EnqueueWait adds a job, blocking while the queue is full.
	EnqueueWait(ctx context.Context, j Job) error

	// Dequeue returns the channel jobs are delivered on.
	// The channel is closed when the queue is closed.
	Dequeue(ctx context.Context) <-chan Job

	Len(ctx context.Context) int

	// Close stops accepting jobs. Buffered jobs remain readable.
	Close() error

	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	jobs     chan Job
	capacity int

	// stop unblocks EnqueueWait callers before jobs is closed.
	stop     chan struct{}
	stopOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan Job, q.capacity)
	q.stop = make(chan struct{})

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	return q
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError("closed")
		return false
	}

	select {
	case q.jobs <- j:
		metrics.RecordQueueEnqueue()
		metrics.UpdateQueueSize(len(q.jobs))
		return true
	case <-ctx.Done():
		metrics.RecordQueueEnqueueError("context_cancelled")
		return false
	default:
		metrics.RecordQueueEnqueueError("queue_full")
		return false
	}
}

func (q *InMemoryQueue) EnqueueWait(ctx context.Context, j Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		metrics.RecordQueueEnqueueError("closed")
		return ErrClosed
	}
	// select picks among ready cases at random, so a cancelled ctx must be
	// checked before offering the job.
	if err := ctx.Err(); err != nil {
		metrics.RecordQueueEnqueueError("context_cancelled")
		return err
	}

	select {
	case q.jobs <- j:
		metrics.RecordQueueEnqueue()
		metrics.UpdateQueueSize(len(q.jobs))
		return nil
	case <-q.stop:
		metrics.RecordQueueEnqueueError("closed")
		return ErrClosed
	case <-ctx.Done():
		metrics.RecordQueueEnqueueError("context_cancelled")
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Dequeue(_ context.Context) <-chan Job {
	return q.jobs
}

func (q *InMemoryQueue) Len(_ context.Context) int {
	size := len(q.jobs)
	metrics.UpdateQueueSize(size)
	return size
}

func (q *InMemoryQueue) Close() error {
	q.stopOnce.Do(func() { close(q.stop) })

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.jobs)
	q.closed = true
	return nil
}

func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
