// Package worker executes queued ingestion tasks.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
	"github.com/JakeFAU/kb-ingest/internal/metrics"
)

// SourceRunner drives a source to a terminal state.
type SourceRunner interface {
	Process(ctx context.Context, sourceID string, retry bool) (ingest.SourceStatus, error)
}

// CrawlReporter receives per-URL outcomes of crawl tasks.
type CrawlReporter interface {
	RecordResult(ctx context.Context, crawlID string, succeeded bool) error
}

// Worker consumes tasks from a queue one at a time.
type Worker struct {
	id       int
	queue    ingest.Queue
	runner   SourceRunner
	reporter CrawlReporter
	logger   *zap.Logger
}

// New constructs a Worker. reporter may be nil when no crawl tasks are queued.
func New(id int, queue ingest.Queue, runner SourceRunner, reporter CrawlReporter, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		runner:   runner,
		reporter: reporter,
		logger:   logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, handling tasks until ctx ends or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ingest.ErrQueueClosed) {
				w.logger.Debug("queue closed; worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.Handle(ctx, task)
	}
}

// Handle runs one task. A crawl task reports its outcome exactly once per
// successful claim, even when the outcome could not be recorded on the source;
// a task whose source could not be claimed is dropped without a report.
func (w *Worker) Handle(ctx context.Context, task ingest.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("kind", string(task.Kind)), zap.String("source_id", task.SourceID))
	status, err := w.runner.Process(ctx, task.SourceID, task.Retry)
	switch {
	case errors.Is(err, ingest.ErrNotClaimed):
		logger.Debug("source not claimable; skipping", zap.Error(err))
		metrics.ObserveTask(string(task.Kind), "skipped")
		return
	case err != nil:
		logger.Error("source task failed", zap.Error(err))
		metrics.ObserveTask(string(task.Kind), "error")
	default:
		logger.Debug("source task finished", zap.String("status", string(status)))
		metrics.ObserveTask(string(task.Kind), string(status))
	}

	if task.Kind != ingest.TaskKindCrawlURL || task.CrawlID == "" || w.reporter == nil {
		return
	}
	succeeded := err == nil && status == ingest.SourceStatusCompleted
	if rerr := w.reporter.RecordResult(context.WithoutCancel(ctx), task.CrawlID, succeeded); rerr != nil {
		logger.Error("record crawl result failed", zap.String("crawl_id", task.CrawlID), zap.Error(rerr))
	}
}
