// Package queue defers provider calls that were denied admission. Jobs run
// FIFO per worker; a worker sends the job to the provider unconditionally
// once dequeued, on the expectation that the rate window has rolled over by
// then. The result is handed back through a single-use slot that tolerates
// the waiter having given up.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/provider"
)

// ExecuteFunc performs the deferred provider call for one job.
type ExecuteFunc func(ctx context.Context, cred domain.Credential, req domain.ChatRequest) *provider.Outcome

// Job is one unit of deferred work. Its result slot is written exactly once
// by the executing worker and observed at most once by the waiter.
type Job struct {
	Credential domain.Credential
	Request    domain.ChatRequest
	EnqueuedAt time.Time

	result chan *provider.Outcome
}

// Wait blocks for the job's result up to timeout. A timeout does not cancel
// the job; the worker completes it and the result is discarded.
func (j *Job) Wait(ctx context.Context, timeout time.Duration) (*provider.Outcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-j.result:
		return outcome, nil
	case <-timer.C:
		return nil, domain.ErrDeferTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Overflow is a bounded in-process work queue with a fixed worker pool.
type Overflow struct {
	jobs    chan *Job
	execute ExecuteFunc
	workers int
	wg      sync.WaitGroup
}

func NewOverflow(depth, workers int, execute ExecuteFunc) *Overflow {
	if workers < 1 {
		workers = 1
	}
	return &Overflow{
		jobs:    make(chan *Job, depth),
		execute: execute,
		workers: workers,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// in-flight jobs finish first.
func (q *Overflow) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

func (q *Overflow) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			outcome := q.execute(ctx, job.Credential, job.Request)
			// Buffered slot: never blocks even if the waiter is gone.
			job.result <- outcome
		}
	}
}

// Enqueue submits a job without blocking. Returns ErrQueueFull when the
// queue is at depth; the caller surfaces that as overload, not as silent
// unbounded growth.
func (q *Overflow) Enqueue(cred domain.Credential, req domain.ChatRequest) (*Job, error) {
	job := &Job{
		Credential: cred,
		Request:    req,
		EnqueuedAt: time.Now(),
		result:     make(chan *provider.Outcome, 1),
	}

	select {
	case q.jobs <- job:
		return job, nil
	default:
		return nil, domain.ErrQueueFull
	}
}

// Depth reports the number of jobs currently waiting.
func (q *Overflow) Depth() int {
	return len(q.jobs)
}

// Wait blocks until all workers have exited. Call after cancelling the
// Start context.
func (q *Overflow) Wait() {
	q.wg.Wait()
}
