// Package dispatcher runs a fixed pool of workers over the task queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
	"github.com/JakeFAU/kb-ingest/internal/worker"
)

// Dispatcher fans queued tasks out to workers.
type Dispatcher struct {
	queue   ingest.Queue
	workers []*worker.Worker
}

// New creates a Dispatcher over existing workers.
func New(queue ingest.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{queue: queue, workers: workers}
}

// NewPool builds size workers sharing runner and reporter.
func NewPool(
	size int,
	queue ingest.Queue,
	runner worker.SourceRunner,
	reporter worker.CrawlReporter,
	logger *zap.Logger,
) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	workers := make([]*worker.Worker, size)
	for i := range workers {
		workers[i] = worker.New(i, queue, runner, reporter, logger)
	}
	return New(queue, workers)
}

// Size returns the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts every worker and blocks until all of them return.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

// Enqueue submits a task.
func (d *Dispatcher) Enqueue(ctx context.Context, task ingest.Task) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
