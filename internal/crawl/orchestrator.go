// Package crawl orchestrates bulk crawls: one active crawl per bot, a
// synthetic URL source per page, and counters that complete the crawl once
// every URL has reported.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
	"github.com/JakeFAU/kb-ingest/internal/progress"
)

// DefaultStaleAfter is the heartbeat lease after which an active crawl or an
// unfinished source is considered abandoned.
const DefaultStaleAfter = 15 * time.Minute

// SitemapResolver expands a sitemap URL into page URLs.
type SitemapResolver interface {
	Resolve(ctx context.Context, rootURL string) ([]string, error)
}

// Config tunes an Orchestrator.
type Config struct {
	StaleAfter time.Duration
}

// Deps holds the collaborators of an Orchestrator.
type Deps struct {
	Crawls   ingest.CrawlStore
	Sources  ingest.SourceStore
	Queue    ingest.Queue
	Resolver SitemapResolver
	IDs      ingest.IDGenerator
	Clock    ingest.Clock
	Progress progress.Emitter
	Logger   *zap.Logger
}

// Orchestrator creates crawls and feeds their URLs to the task queue.
type Orchestrator struct {
	crawls     ingest.CrawlStore
	sources    ingest.SourceStore
	queue      ingest.Queue
	resolver   SitemapResolver
	ids        ingest.IDGenerator
	clock      ingest.Clock
	progress   progress.Emitter
	staleAfter time.Duration
	logger     *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Orchestrator. Background feeding runs until Close.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		crawls:     deps.Crawls,
		sources:    deps.Sources,
		queue:      deps.Queue,
		resolver:   deps.Resolver,
		ids:        deps.IDs,
		clock:      deps.Clock,
		progress:   deps.Progress,
		staleAfter: cfg.StaleAfter,
		logger:     deps.Logger.Named("crawl"),
		base:       base,
		cancel:     cancel,
	}
}

// Close stops background feeders and waits for them or for ctx.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for crawl feeders: %w", ctx.Err())
	}
}

// Start creates a crawl over urls. Blank and duplicate URLs are dropped first;
// an empty result is a *ingest.SetupError and nothing is created. The call
// returns once the pending crawl is stored; sources are created and queued in
// the background.
func (o *Orchestrator) Start(ctx context.Context, botID string, urls []string, sitemapURL string) (ingest.SitemapCrawl, error) {
	if strings.TrimSpace(botID) == "" {
		return ingest.SitemapCrawl{}, ingest.NewSetupError("bot id is required")
	}
	urls = NormalizeURLs(urls)
	if len(urls) == 0 {
		return ingest.SitemapCrawl{}, ingest.NewSetupError("no URLs to crawl")
	}
	crawl, err := o.create(ctx, botID, strings.TrimSpace(sitemapURL), len(urls))
	if err != nil {
		return ingest.SitemapCrawl{}, err
	}
	o.background(func(ctx context.Context) {
		o.feed(ctx, crawl, urls)
	})
	return crawl, nil
}

// StartFromSitemap creates a pending crawl and resolves the sitemap in the
// background. A resolution failure or an empty sitemap fails the crawl before
// any URL is attempted.
func (o *Orchestrator) StartFromSitemap(ctx context.Context, botID, sitemapURL string) (ingest.SitemapCrawl, error) {
	sitemapURL = strings.TrimSpace(sitemapURL)
	if strings.TrimSpace(botID) == "" {
		return ingest.SitemapCrawl{}, ingest.NewSetupError("bot id is required")
	}
	if sitemapURL == "" {
		return ingest.SitemapCrawl{}, ingest.NewSetupError("sitemap url is required")
	}
	if o.resolver == nil {
		return ingest.SitemapCrawl{}, errors.New("no sitemap resolver configured")
	}
	crawl, err := o.create(ctx, botID, sitemapURL, 0)
	if err != nil {
		return ingest.SitemapCrawl{}, err
	}
	o.background(func(ctx context.Context) {
		urls, err := o.resolver.Resolve(ctx, sitemapURL)
		urls = NormalizeURLs(urls)
		if err == nil && len(urls) == 0 {
			err = ingest.NewSetupError("sitemap %s lists no crawlable URLs", sitemapURL)
		}
		if err != nil {
			o.failCrawl(ctx, crawl, err)
			return
		}
		crawl.TotalURLs = len(urls)
		o.feed(ctx, crawl, urls)
	})
	return crawl, nil
}

func (o *Orchestrator) create(ctx context.Context, botID, sitemapURL string, total int) (ingest.SitemapCrawl, error) {
	id, err := o.ids.NewID()
	if err != nil {
		return ingest.SitemapCrawl{}, fmt.Errorf("crawl id: %w", err)
	}
	now := o.clock.Now()
	crawl := ingest.SitemapCrawl{
		ID:          id,
		BotID:       botID,
		SitemapURL:  sitemapURL,
		Status:      ingest.CrawlStatusPending,
		TotalURLs:   total,
		CreatedAt:   now,
		UpdatedAt:   now,
		HeartbeatAt: now,
	}
	if err := o.crawls.CreateCrawl(ctx, crawl); err != nil {
		if errors.Is(err, ingest.ErrActiveCrawlExists) {
			return ingest.SitemapCrawl{}, err
		}
		return ingest.SitemapCrawl{}, fmt.Errorf("create crawl: %w", err)
	}
	o.logger.Info("crawl created",
		zap.String("crawl_id", id),
		zap.String("bot_id", botID),
		zap.Int("total_urls", total),
	)
	return crawl, nil
}

func (o *Orchestrator) background(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.base)
	}()
}

// feed moves the crawl to processing and queues one task per URL. A URL whose
// source cannot be created or queued is counted as failed so the crawl still
// converges.
func (o *Orchestrator) feed(ctx context.Context, crawl ingest.SitemapCrawl, urls []string) {
	logger := o.logger.With(zap.String("crawl_id", crawl.ID), zap.String("bot_id", crawl.BotID))
	if _, err := o.crawls.UpdateCrawl(ctx, crawl.ID, ingest.CrawlStatusProcessing, len(urls), ""); err != nil {
		logger.Error("start crawl failed", zap.Error(err))
		return
	}
	o.emit(crawl, progress.StageCrawlStarted, fmt.Sprintf("%d urls", len(urls)), false)
	for _, u := range urls {
		if ctx.Err() != nil {
			logger.Warn("crawl feed interrupted", zap.Error(ctx.Err()))
			return
		}
		if err := o.enqueueURL(ctx, crawl, u); err != nil {
			logger.Warn("queue crawl url failed", zap.String("url", u), zap.Error(err))
			if rerr := o.RecordResult(ctx, crawl.ID, false); rerr != nil {
				logger.Error("record crawl url failure", zap.String("url", u), zap.Error(rerr))
			}
		}
	}
	logger.Debug("crawl fully queued", zap.Int("urls", len(urls)))
}

func (o *Orchestrator) enqueueURL(ctx context.Context, crawl ingest.SitemapCrawl, rawURL string) error {
	id, err := o.ids.NewID()
	if err != nil {
		return fmt.Errorf("source id: %w", err)
	}
	now := o.clock.Now()
	src := ingest.TrainingSource{
		ID:        id,
		BotID:     crawl.BotID,
		CrawlID:   crawl.ID,
		Kind:      ingest.SourceKindURL,
		Title:     rawURL,
		Content:   rawURL,
		Status:    ingest.SourceStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.sources.CreateSource(ctx, src); err != nil {
		return fmt.Errorf("create crawl source: %w", err)
	}
	task := ingest.Task{
		Kind:     ingest.TaskKindCrawlURL,
		SourceID: id,
		CrawlID:  crawl.ID,
		BotID:    crawl.BotID,
		URL:      rawURL,
		Enqueued: now,
	}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue crawl url: %w", err)
	}
	return nil
}

func (o *Orchestrator) failCrawl(ctx context.Context, crawl ingest.SitemapCrawl, cause error) {
	updated, err := o.crawls.UpdateCrawl(ctx, crawl.ID, ingest.CrawlStatusFailed, crawl.TotalURLs, cause.Error())
	if err != nil {
		o.logger.Error("fail crawl", zap.String("crawl_id", crawl.ID), zap.Error(err))
		return
	}
	o.logger.Warn("crawl failed during setup", zap.String("crawl_id", crawl.ID), zap.Error(cause))
	o.emit(updated, progress.StageCrawlFailed, cause.Error(), false)
}

// RecordResult counts one URL outcome. It is the only path that advances a
// crawl's counters; individual failures never fail the crawl.
func (o *Orchestrator) RecordResult(ctx context.Context, crawlID string, succeeded bool) error {
	crawl, err := o.crawls.RecordURLResult(ctx, crawlID, succeeded)
	if err != nil {
		return fmt.Errorf("record crawl result: %w", err)
	}
	o.emit(crawl, progress.StageCrawlURLDone, "", succeeded)
	if crawl.Status == ingest.CrawlStatusCompleted {
		o.logger.Info("crawl completed",
			zap.String("crawl_id", crawl.ID),
			zap.Int("processed_urls", crawl.ProcessedURLs),
			zap.Int("failed_urls", crawl.FailedURLs),
		)
		o.emit(crawl, progress.StageCrawlCompleted, "", false)
	}
	return nil
}

// Status returns the bot's most recent crawl in any state.
func (o *Orchestrator) Status(ctx context.Context, botID string) (ingest.SitemapCrawl, error) {
	crawl, err := o.crawls.LatestCrawl(ctx, botID)
	if err != nil {
		return ingest.SitemapCrawl{}, fmt.Errorf("latest crawl for bot %s: %w", botID, err)
	}
	return crawl, nil
}

// Reconcile fails crawls and sources whose lease expired, typically after a
// process restart lost their queued tasks. Pending sources of crawls that are
// still active stay queued; the crawl heartbeat covers them.
func (o *Orchestrator) Reconcile(ctx context.Context) (crawls int, sources int, err error) {
	cutoff := o.clock.Now().Add(-o.staleAfter)
	msg := "crawl abandoned: no progress since " + cutoff.Format(time.RFC3339)
	crawls, err = o.crawls.FailStaleCrawls(ctx, cutoff, msg)
	if err != nil {
		return 0, 0, fmt.Errorf("fail stale crawls: %w", err)
	}
	active, err := o.crawls.ActiveCrawlIDs(ctx)
	if err != nil {
		return crawls, 0, fmt.Errorf("list active crawls: %w", err)
	}
	sources, err = o.sources.FailStaleSources(ctx, cutoff, active, "processing interrupted")
	if err != nil {
		return crawls, 0, fmt.Errorf("fail stale sources: %w", err)
	}
	if crawls > 0 || sources > 0 {
		o.logger.Warn("reconciled abandoned work", zap.Int("crawls", crawls), zap.Int("sources", sources))
	}
	return crawls, sources, nil
}

// RunReconciler calls Reconcile immediately and then every interval until ctx
// ends.
func (o *Orchestrator) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, _, err := o.Reconcile(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("reconcile failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) emit(crawl ingest.SitemapCrawl, stage progress.Stage, note string, succeeded bool) {
	o.progress.Emit(progress.Event{
		TS:        o.clock.Now(),
		Stage:     stage,
		BotID:     crawl.BotID,
		CrawlID:   crawl.ID,
		URL:       crawl.SitemapURL,
		Succeeded: succeeded,
		Note:      note,
	})
}

// NormalizeURLs trims entries and drops blanks and repeats, keeping the first
// occurrence's position.
func NormalizeURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
