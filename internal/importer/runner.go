package importer

import (
	"context"
	"errors"
	"sync"
)

// worker drains the run queue. Exits when the queue is closed.
type worker struct {
	queue chan job
}

func (w *worker) run() {
	for item := range w.queue {
		item.execute(item.ctx)
	}
}

type job struct {
	ctx     context.Context
	execute func(context.Context)
}

// Runner executes queued import runs on a fixed pool of workers.
type Runner struct {
	queue      chan job
	numWorkers int
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewRunner creates a Runner with the given number of workers.
func NewRunner(numWorkers int) *Runner {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Runner{
		queue:      make(chan job, 1000),
		numWorkers: numWorkers,
	}
}

// Start launches the workers.
func (r *Runner) Start() {
	for i := 0; i < r.numWorkers; i++ {
		w := &worker{queue: r.queue}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.run()
		}()
	}
}

// Stop closes the queue and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.queue)
		r.wg.Wait()
	})
}

// Submit queues fn for execution. It fails instead of blocking when the
// queue is full.
func (r *Runner) Submit(ctx context.Context, fn func(context.Context)) error {
	select {
	case r.queue <- job{ctx: ctx, execute: fn}:
		return nil
	default:
		return errors.New("run queue is full")
	}
}
