// Package worker runs queued jobs on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/okian/alpharank/internal/adapters/mq/queue"
	"github.com/okian/alpharank/pkg/logger"
	"github.com/okian/alpharank/pkg/metrics"
)

const (
	defaultWorkerMultiplier = 2 // multiplier for runtime.NumCPU()
	poolShutdownTimeout     = 30 * time.Second
)

// ErrStopped is reported to jobs discarded by a shutdown.
var ErrStopped = errors.New("worker stopped")

// Queue defines how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan queue.Job
}

// Worker processes jobs until stopped.
type Worker interface {
	// Run starts the worker loop until ctx is canceled.
	Run(ctx context.Context)

	// Shutdown stops the worker. Jobs still buffered are finished with
	// ErrStopped so nobody waits on them forever.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker.
type InMemoryWorker struct {
	queue Queue
	name  string

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    q,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named("worker")
	}
	if w.name != "worker" {
		w.logger = w.logger.Named(w.name)
	}
	return w
}

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			w.drain(jobs)
			return
		case <-w.shutdown:
			w.discard(jobs)
			return
		case j, ok := <-jobs:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				j.Finish(ErrStopped)
				w.drain(jobs)
				return
			}
			w.execute(ctx, j)
		}
	}
}

// drain finishes every job with ErrStopped until the queue is closed or the
// worker is shut down. A cancelled worker stays on the queue so that jobs a
// producer slips in after the cancel are still finished.
func (w *InMemoryWorker) drain(jobs <-chan queue.Job) {
	for {
		select {
		case j, ok := <-jobs:
			if !ok {
				return
			}
			j.Finish(ErrStopped)
		case <-w.shutdown:
			w.discard(jobs)
			return
		}
	}
}

// discard finishes every job still buffered without running it.
func (w *InMemoryWorker) discard(jobs <-chan queue.Job) {
	for {
		select {
		case j, ok := <-jobs:
			if !ok {
				return
			}
			j.Finish(ErrStopped)
		default:
			return
		}
	}
}

func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (w *InMemoryWorker) execute(ctx context.Context, j queue.Job) {
	start := time.Now()
	err := w.call(ctx, j)
	metrics.RecordWorkerJob(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.RecordErrorByComponent("worker", "job_error")
		w.logger.Debug(ctx, "job failed", logger.String("key", j.Key), logger.Error(err))
	}
	j.Finish(err)
}

func (w *InMemoryWorker) call(ctx context.Context, j queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Key, r)
		}
	}()
	if j.Fn == nil {
		return nil
	}
	return j.Fn(ctx)
}

// Submitter is the part of a queue the pool feeds.
type Submitter interface {
	Queue
	EnqueueWait(ctx context.Context, j queue.Job) error
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Submitter
	logger  logger.Logger
}

// NewPool creates a worker pool. workerCount < 1 picks a CPU-based default.
func NewPool(workerCount int, q Submitter, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}

	pool := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
	}
	tmpl := &InMemoryWorker{}
	for _, opt := range opts {
		opt(tmpl)
	}
	pool.logger = tmpl.logger
	if pool.logger == nil {
		pool.logger = logger.Get().Named("worker-pool")
	}

	for i := 0; i < workerCount; i++ {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		pool.workers[i] = NewInMemoryWorker(q, wopts...)
	}
	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	metrics.UpdateWorkerActive(len(p.workers))
}

// Process submits jobs and blocks until every one of them has finished.
// The returned slice holds each job's error at the job's index. Jobs that
// could not be submitted carry the submit error.
func (p *Pool) Process(ctx context.Context, jobs []queue.Job) []error {
	errs := make([]error, len(jobs))
	var wg sync.WaitGroup

	for i := range jobs {
		j := jobs[i]
		idx := i
		done := j.Done
		j.Done = func(err error) {
			errs[idx] = err
			if done != nil {
				done(err)
			}
			wg.Done()
		}

		wg.Add(1)
		if err := p.queue.EnqueueWait(ctx, j); err != nil {
			j.Done(err)
			for k := i + 1; k < len(jobs); k++ {
				errs[k] = err
				jobs[k].Finish(err)
			}
			break
		}
	}

	wg.Wait()
	return errs
}

// Shutdown closes the queue and waits for the workers to stop.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var failed int
	for i, w := range p.workers {
		if err := w.Shutdown(shutdownCtx); err != nil {
			failed++
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	metrics.UpdateWorkerActive(0)
	if failed > 0 {
		return fmt.Errorf("%d workers did not stop in time", failed)
	}
	return nil
}
