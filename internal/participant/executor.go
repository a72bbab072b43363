package participant

import (
	"context"
	"fmt"
	"sync"
)

// Executor runs element lifecycle callbacks on a fixed pool of workers so
// a slow or stuck callback cannot stall the bus goroutine. Jobs for
// different elements run concurrently; ordering between jobs is not
// guaranteed beyond submission order into the shared queue.
type Executor struct {
	workers int
	jobs    chan job
	logger  Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

type job struct {
	name string
	run  func(ctx context.Context) error
	done func(err error)
}

// NewExecutor creates an executor with the given number of workers. The
// queue is bounded; Submit fails rather than blocking forever when it
// fills up.
func NewExecutor(workers int, logger Logger) *Executor {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Executor{
		workers: workers,
		jobs:    make(chan job, workers*8),
		logger:  logger,
	}
}

// Start launches the worker pool. Workers run until Stop is called or the
// context is cancelled.
func (e *Executor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
}

// Submit queues a lifecycle callback. run executes on a worker; done is
// always invoked afterwards with the callback's error (nil on success,
// including a recovered panic converted to an error). Returns
// ErrExecutorStopped once Stop has been called or the queue is full.
func (e *Executor) Submit(name string, run func(ctx context.Context) error, done func(err error)) error {
	// The stopped check and the send must be atomic: Stop closes the jobs
	// channel under the same lock, so a concurrent Submit can never send on
	// a closed channel.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrExecutorStopped
	}

	select {
	case e.jobs <- job{name: name, run: run, done: done}:
		return nil
	default:
		return fmt.Errorf("%w: queue full", ErrExecutorStopped)
	}
}

// Stop prevents further submissions, cancels running callbacks and waits
// for workers to drain.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	close(e.jobs)
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for j := range e.jobs {
		if ctx.Err() != nil {
			j.done(ctx.Err())
			continue
		}
		err := e.execute(ctx, j)
		j.done(err)
	}
}

// execute runs one job, converting a panic in application code into an
// error so a misbehaving element handler cannot take the process down.
func (e *Executor) execute(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("element handler panicked", "operation", j.name, "panic", fmt.Sprint(r))
			err = fmt.Errorf("element handler panic in %s: %v", j.name, r)
		}
	}()
	return j.run(ctx)
}
