// Package memory provides the bounded in-process task queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = ingest.ErrQueueClosed

// Queue is a bounded FIFO of tasks. Enqueue blocks while the queue is full.
type Queue struct {
	ch     chan ingest.Task
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// NewQueue constructs a queue holding up to capacity tasks.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan ingest.Task, capacity), done: make(chan struct{})}
}

// Enqueue adds task, waiting for room until ctx ends or the queue closes.
func (q *Queue) Enqueue(ctx context.Context, task ingest.Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	}
}

// Dequeue returns the next task. After Close it drains what is left and then
// returns ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (ingest.Task, error) {
	select {
	case <-ctx.Done():
		return ingest.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return ingest.Task{}, ErrClosed
		}
		return task, nil
	}
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close rejects further tasks. Safe to call more than once.
func (q *Queue) Close() {
	q.once.Do(func() {
		// Wake blocked senders before taking the write lock they hold shared.
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
		q.closed = true
		close(q.ch)
	})
}
