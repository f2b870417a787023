// Package source drives a single training source through its state machine:
// claim, obtain text, bill, embed and record the outcome.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/extract"
	"github.com/JakeFAU/kb-ingest/internal/ingest"
	"github.com/JakeFAU/kb-ingest/internal/progress"
)

const (
	// finalizeTimeout bounds the terminal status write, which still runs after
	// the caller's context is canceled.
	finalizeTimeout = 10 * time.Second
	// DefaultHeartbeat is how often a claimed source refreshes its lease.
	DefaultHeartbeat = time.Minute
)

// Indexer persists the embeddings of a source's text.
type Indexer interface {
	Store(ctx context.Context, botID, sourceID, text string) (int, error)
}

// PageBiller charges for crawled pages.
type PageBiller interface {
	AccountFor(botID string) string
	ChargeForCrawledPage(ctx context.Context, accountID string) error
}

// CrawlHeartbeat keeps a crawl's lease alive while one of its URLs runs.
type CrawlHeartbeat interface {
	TouchCrawl(ctx context.Context, id string) error
}

// Deps holds the collaborators of a Processor. Blobs and Extractor are only
// needed for file sources; Crawls is optional.
type Deps struct {
	Sources   ingest.SourceStore
	Crawls    CrawlHeartbeat
	Fetcher   ingest.PageFetcher
	Blobs     ingest.BlobStore
	Extractor *extract.Extractor
	Indexer   Indexer
	Biller    PageBiller
	Clock     ingest.Clock
	Progress  progress.Emitter
	Logger    *zap.Logger
	Heartbeat time.Duration
}

// Processor runs the per-source pipeline.
type Processor struct {
	sources   ingest.SourceStore
	crawls    CrawlHeartbeat
	fetcher   ingest.PageFetcher
	blobs     ingest.BlobStore
	extractor *extract.Extractor
	indexer   Indexer
	biller    PageBiller
	clock     ingest.Clock
	progress  progress.Emitter
	logger    *zap.Logger
	heartbeat time.Duration
}

// New builds a Processor.
func New(deps Deps) *Processor {
	if deps.Extractor == nil {
		deps.Extractor = extract.New(extract.DefaultMaxChars)
	}
	if deps.Progress == nil {
		deps.Progress = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = DefaultHeartbeat
	}
	return &Processor{
		sources:   deps.Sources,
		crawls:    deps.Crawls,
		fetcher:   deps.Fetcher,
		blobs:     deps.Blobs,
		extractor: deps.Extractor,
		indexer:   deps.Indexer,
		biller:    deps.Biller,
		clock:     deps.Clock,
		progress:  deps.Progress,
		logger:    deps.Logger.Named("source"),
		heartbeat: deps.Heartbeat,
	}
}

// Process claims the source and runs it to a terminal state. A pending source
// is claimed normally; with retry set only a failed source is claimed. A source
// in any other state yields an error wrapping ingest.ErrNotClaimed. Once the
// claim succeeds, pipeline failures end in ingest.SourceStatusFailed with the
// message stored on the source; an error then means only that the outcome
// could not be recorded.
func (p *Processor) Process(ctx context.Context, sourceID string, retry bool) (ingest.SourceStatus, error) {
	from := []ingest.SourceStatus{ingest.SourceStatusPending}
	if retry {
		from = []ingest.SourceStatus{ingest.SourceStatusFailed}
	}
	src, err := p.sources.TransitionSource(ctx, sourceID, from, ingest.SourceUpdate{Status: ingest.SourceStatusProcessing})
	if errors.Is(err, ingest.ErrInvalidTransition) {
		return src.Status, fmt.Errorf("claim source %s in status %s: %w", sourceID, src.Status, ingest.ErrNotClaimed)
	}
	if err != nil {
		return "", fmt.Errorf("claim source %s: %w", sourceID, err)
	}
	started := p.clock.Now()
	p.emit(src, progress.StageSourceClaimed, func(evt *progress.Event) {
		evt.Note = fmt.Sprintf("attempt %d", src.Attempts)
	})
	logger := p.logger.With(
		zap.String("source_id", src.ID),
		zap.String("bot_id", src.BotID),
		zap.String("kind", string(src.Kind)),
	)

	stop := p.keepAlive(ctx, src, logger)
	chunks, cause := p.run(ctx, src, logger)
	stop()
	return p.finish(ctx, src, started, chunks, cause)
}

func (p *Processor) run(ctx context.Context, src ingest.TrainingSource, logger *zap.Logger) (int, error) {
	text, err := p.textFor(ctx, src)
	if err != nil {
		logger.Info("source failed before embedding", zap.Error(err))
		return 0, err
	}
	chunks, err := p.indexer.Store(ctx, src.BotID, src.ID, text)
	if err != nil {
		logger.Warn("embedding failed", zap.Error(err))
		return 0, fmt.Errorf("embed: %w", err)
	}
	logger.Debug("source embedded", zap.Int("chunks", chunks))
	return chunks, nil
}

// keepAlive refreshes the source lease, and the crawl heartbeat for crawl
// URLs, until the returned stop func is called.
func (p *Processor) keepAlive(ctx context.Context, src ingest.TrainingSource, logger *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := p.sources.TouchSource(ctx, src.ID); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("source heartbeat failed", zap.Error(err))
				if errors.Is(err, ingest.ErrInvalidTransition) || errors.Is(err, ingest.ErrNotFound) {
					return
				}
			}
			if src.CrawlID != "" && p.crawls != nil {
				if err := p.crawls.TouchCrawl(ctx, src.CrawlID); err != nil && ctx.Err() == nil {
					logger.Debug("crawl heartbeat failed", zap.String("crawl_id", src.CrawlID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// textFor produces the text to embed. URL sources are fetched and billed
// before any embedding call.
func (p *Processor) textFor(ctx context.Context, src ingest.TrainingSource) (string, error) {
	switch src.Kind {
	case ingest.SourceKindURL:
		page, err := p.fetcher.Fetch(ctx, src.Content)
		p.emitFetch(src, page, err)
		if err != nil {
			return "", err
		}
		if p.biller != nil {
			if err := p.biller.ChargeForCrawledPage(ctx, p.biller.AccountFor(src.BotID)); err != nil {
				return "", err
			}
		}
		return page.Text, nil
	case ingest.SourceKindFile:
		if p.blobs == nil {
			return "", errors.New("no blob store configured")
		}
		data, err := p.blobs.GetObject(ctx, src.Content)
		if err != nil {
			return "", fmt.Errorf("read upload: %w", err)
		}
		doc, err := p.extractor.Extract("", src.Title, data)
		if err != nil {
			return "", err
		}
		return doc.Text, nil
	case ingest.SourceKindText, ingest.SourceKindQA, ingest.SourceKindInfo:
		if strings.TrimSpace(src.Content) == "" {
			return "", ingest.ErrNoText
		}
		return src.Content, nil
	default:
		return "", fmt.Errorf("unsupported source kind %q", src.Kind)
	}
}

// finish records the terminal state. The write uses a context detached from
// ctx so a shutdown mid-pipeline still leaves the source failed, not stuck.
func (p *Processor) finish(
	ctx context.Context,
	src ingest.TrainingSource,
	started time.Time,
	chunks int,
	cause error,
) (ingest.SourceStatus, error) {
	update := ingest.SourceUpdate{Status: ingest.SourceStatusCompleted, Chunks: chunks}
	stage := progress.StageSourceCompleted
	if cause != nil {
		update = ingest.SourceUpdate{Status: ingest.SourceStatusFailed, Error: failureText(cause)}
		stage = progress.StageSourceFailed
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	final, err := p.sources.TransitionSource(
		writeCtx, src.ID, []ingest.SourceStatus{ingest.SourceStatusProcessing}, update,
	)
	if err != nil {
		// The lease was reclaimed, or the row vanished, while the pipeline ran.
		return final.Status, fmt.Errorf("record source %s outcome: %w", src.ID, err)
	}
	p.emit(final, stage, func(evt *progress.Event) {
		evt.Chunks = final.Chunks
		evt.Note = final.Error
		evt.Dur = p.clock.Now().Sub(started)
	})
	return final.Status, nil
}

// failureText is the message stored on a failed source.
func failureText(err error) string {
	switch {
	case errors.Is(err, ingest.ErrInsufficientCredits):
		return ingest.ErrInsufficientCredits.Error()
	case errors.Is(err, context.Canceled):
		return "processing interrupted"
	default:
		return err.Error()
	}
}

func (p *Processor) emit(src ingest.TrainingSource, stage progress.Stage, fill func(*progress.Event)) {
	evt := progress.Event{
		TS:       p.clock.Now(),
		Stage:    stage,
		BotID:    src.BotID,
		SourceID: src.ID,
		CrawlID:  src.CrawlID,
		Kind:     string(src.Kind),
	}
	if fill != nil {
		fill(&evt)
	}
	p.progress.Emit(evt)
}

func (p *Processor) emitFetch(src ingest.TrainingSource, page ingest.Page, err error) {
	code := page.StatusCode
	var fe *ingest.FetchError
	if errors.As(err, &fe) {
		code = fe.StatusCode
	}
	p.emit(src, progress.StageSourceFetched, func(evt *progress.Event) {
		evt.URL = src.Content
		evt.StatusClass = progress.ClassifyStatus(code)
		evt.Bytes = int64(page.Bytes)
		if err != nil {
			evt.Note = err.Error()
		}
	})
}
