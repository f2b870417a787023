// Package service is the operator-facing facade of the ingestion pipeline. It
// validates requests, persists new sources and hands work to the task queue;
// everything slow happens asynchronously in the workers.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/fetcher"
	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

const (
	// DefaultMaxUploadBytes caps uploaded documents.
	DefaultMaxUploadBytes int64 = 20 << 20
	enqueueTimeout              = 5 * time.Second
)

// Crawler starts and reports bulk crawls.
type Crawler interface {
	Start(ctx context.Context, botID string, urls []string, sitemapURL string) (ingest.SitemapCrawl, error)
	StartFromSitemap(ctx context.Context, botID, sitemapURL string) (ingest.SitemapCrawl, error)
	Status(ctx context.Context, botID string) (ingest.SitemapCrawl, error)
}

// SitemapResolver expands sitemaps given by URL or inline document.
type SitemapResolver interface {
	Resolve(ctx context.Context, rootURL string) ([]string, error)
	ResolveDocument(ctx context.Context, body []byte) ([]string, error)
}

// Index removes and queries stored embeddings.
type Index interface {
	Delete(ctx context.Context, sourceID string) error
	Search(ctx context.Context, botID, query string, limit int) ([]ingest.SearchHit, error)
}

// Ledger is the credit ledger surface exposed to operators.
type Ledger interface {
	Balance(ctx context.Context, accountID string) (int64, error)
	ChargeForMessage(ctx context.Context, accountID string) error
	ChargeForCrawledPage(ctx context.Context, accountID string) error
	TopUp(ctx context.Context, accountID string, amount int64, typ ingest.CreditType, description string) (int64, error)
	History(ctx context.Context, accountID string, limit int) ([]ingest.CreditHistory, error)
}

// Config tunes the facade.
type Config struct {
	MaxUploadBytes int64
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Sources  ingest.SourceStore
	Blobs    ingest.BlobStore
	Queue    ingest.Queue
	Crawler  Crawler
	Sitemaps SitemapResolver
	Index    Index
	Ledger   Ledger
	IDs      ingest.IDGenerator
	Clock    ingest.Clock
	Logger   *zap.Logger
}

// Service implements the external operations of the pipeline.
type Service struct {
	sources        ingest.SourceStore
	blobs          ingest.BlobStore
	queue          ingest.Queue
	crawler        Crawler
	sitemaps       SitemapResolver
	index          Index
	ledger         Ledger
	ids            ingest.IDGenerator
	clock          ingest.Clock
	maxUploadBytes int64
	logger         *zap.Logger
}

// New builds a Service.
func New(cfg Config, deps Deps) *Service {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		sources:        deps.Sources,
		blobs:          deps.Blobs,
		queue:          deps.Queue,
		crawler:        deps.Crawler,
		sitemaps:       deps.Sitemaps,
		index:          deps.Index,
		ledger:         deps.Ledger,
		ids:            deps.IDs,
		clock:          deps.Clock,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         deps.Logger.Named("service"),
	}
}

// SubmitSource stores a pending source and queues it for processing.
func (s *Service) SubmitSource(ctx context.Context, botID string, kind ingest.SourceKind, content string) (string, error) {
	if err := requireBot(botID); err != nil {
		return "", err
	}
	if !kind.Valid() {
		return "", ingest.NewSetupError("unknown source kind %q", kind)
	}
	if kind == ingest.SourceKindFile {
		return "", ingest.NewSetupError("file sources must be uploaded")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ingest.NewSetupError("content is required")
	}
	if kind == ingest.SourceKindURL {
		if err := fetcher.ValidateURL(content); err != nil {
			return "", ingest.NewSetupError("%v", err)
		}
	}
	return s.create(ctx, ingest.TrainingSource{BotID: botID, Kind: kind, Content: content})
}

// SubmitFile stores an uploaded document in the blob store and queues a file
// source pointing at it.
func (s *Service) SubmitFile(
	ctx context.Context,
	botID string,
	filename string,
	contentType string,
	data io.Reader,
) (string, error) {
	if err := requireBot(botID); err != nil {
		return "", err
	}
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "", ingest.NewSetupError("filename is required")
	}
	if s.blobs == nil {
		return "", errors.New("uploads are not configured")
	}
	body, err := io.ReadAll(io.LimitReader(data, s.maxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if len(body) == 0 {
		return "", ingest.NewSetupError("uploaded file is empty")
	}
	if int64(len(body)) > s.maxUploadBytes {
		return "", ingest.NewSetupError("uploaded file exceeds %d bytes", s.maxUploadBytes)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate source id: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, path.Join(botID, id, name), contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	created, err := s.create(ctx, ingest.TrainingSource{
		ID:      id,
		BotID:   botID,
		Kind:    ingest.SourceKindFile,
		Title:   name,
		Content: uri,
	})
	if err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
		defer cancel()
		if derr := s.blobs.DeleteObject(cleanupCtx, uri); derr != nil {
			s.logger.Error("remove orphaned upload", zap.String("uri", uri), zap.Error(derr))
		}
		return "", err
	}
	return created, nil
}

func (s *Service) create(ctx context.Context, src ingest.TrainingSource) (string, error) {
	if src.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate source id: %w", err)
		}
		src.ID = id
	}
	src.Status = ingest.SourceStatusPending
	src.CreatedAt = s.clock.Now()
	if err := s.sources.CreateSource(ctx, src); err != nil {
		return "", fmt.Errorf("create source: %w", err)
	}
	if err := s.enqueue(ctx, ingest.Task{Kind: ingest.TaskKindSource, SourceID: src.ID, BotID: src.BotID}); err != nil {
		// Nothing will ever claim the row, so the submission is undone.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
		defer cancel()
		if derr := s.sources.DeleteSource(cleanupCtx, src.ID); derr != nil {
			s.logger.Error("remove unqueued source", zap.String("source_id", src.ID), zap.Error(derr))
		}
		return "", err
	}
	s.logger.Info("source submitted",
		zap.String("source_id", src.ID),
		zap.String("bot_id", src.BotID),
		zap.String("kind", string(src.Kind)),
	)
	return src.ID, nil
}

// GetSource returns one source.
func (s *Service) GetSource(ctx context.Context, id string) (ingest.TrainingSource, error) {
	src, err := s.sources.GetSource(ctx, id)
	if err != nil {
		return ingest.TrainingSource{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListSources returns every source of the bot, oldest first.
func (s *Service) ListSources(ctx context.Context, botID string) ([]ingest.TrainingSource, error) {
	if err := requireBot(botID); err != nil {
		return nil, err
	}
	out, err := s.sources.ListSources(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// DeleteSource removes a source with its embeddings and uploaded blob. A
// source that is being processed cannot be deleted.
func (s *Service) DeleteSource(ctx context.Context, id string) error {
	src, err := s.sources.GetSource(ctx, id)
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}
	if src.Status == ingest.SourceStatusProcessing {
		return fmt.Errorf("delete source %s while processing: %w", id, ingest.ErrInvalidTransition)
	}
	if err := s.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	if src.Kind == ingest.SourceKindFile && s.blobs != nil {
		if err := s.blobs.DeleteObject(ctx, src.Content); err != nil {
			return fmt.Errorf("delete upload: %w", err)
		}
	}
	if err := s.sources.DeleteSource(ctx, id); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	s.logger.Info("source deleted", zap.String("source_id", id), zap.String("bot_id", src.BotID))
	return nil
}

// RetrySource queues a failed source for another attempt.
func (s *Service) RetrySource(ctx context.Context, id string) error {
	src, err := s.sources.GetSource(ctx, id)
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}
	if src.Status != ingest.SourceStatusFailed {
		return fmt.Errorf("retry source in status %s: %w", src.Status, ingest.ErrInvalidTransition)
	}
	return s.enqueue(ctx, ingest.Task{
		Kind:     ingest.TaskKindSource,
		SourceID: src.ID,
		BotID:    src.BotID,
		Retry:    true,
	})
}

// StartCrawl starts a crawl over an explicit URL list.
func (s *Service) StartCrawl(ctx context.Context, botID string, urls []string, sitemapURL string) (string, error) {
	crawl, err := s.crawler.Start(ctx, botID, urls, sitemapURL)
	if err != nil {
		return "", err
	}
	return crawl.ID, nil
}

// StartSitemapCrawl starts a crawl whose URLs are resolved from sitemapURL.
func (s *Service) StartSitemapCrawl(ctx context.Context, botID, sitemapURL string) (string, error) {
	if err := requireBot(botID); err != nil {
		return "", err
	}
	if err := fetcher.ValidateURL(strings.TrimSpace(sitemapURL)); err != nil {
		return "", ingest.NewSetupError("%v", err)
	}
	crawl, err := s.crawler.StartFromSitemap(ctx, botID, strings.TrimSpace(sitemapURL))
	if err != nil {
		return "", err
	}
	return crawl.ID, nil
}

// GetCrawlStatus returns the bot's most recent crawl.
func (s *Service) GetCrawlStatus(ctx context.Context, botID string) (ingest.SitemapCrawl, error) {
	if err := requireBot(botID); err != nil {
		return ingest.SitemapCrawl{}, err
	}
	return s.crawler.Status(ctx, botID)
}

// ResolveSitemap lists page URLs. Input starting with '<' is parsed as a
// sitemap document; anything else is fetched as a URL.
func (s *Service) ResolveSitemap(ctx context.Context, input string) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ingest.NewSetupError("sitemap URL or document is required")
	}
	if strings.HasPrefix(input, "<") {
		return s.sitemaps.ResolveDocument(ctx, []byte(input))
	}
	return s.sitemaps.Resolve(ctx, input)
}

// GetBalance returns the account balance.
func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	return s.ledger.Balance(ctx, accountID)
}

// ChargeForMessage bills one bot reply.
func (s *Service) ChargeForMessage(ctx context.Context, accountID string) error {
	return s.ledger.ChargeForMessage(ctx, accountID)
}

// ChargeForCrawledPage bills one crawled page.
func (s *Service) ChargeForCrawledPage(ctx context.Context, accountID string) error {
	return s.ledger.ChargeForCrawledPage(ctx, accountID)
}

// TopUp credits the account and returns the new balance.
func (s *Service) TopUp(
	ctx context.Context,
	accountID string,
	amount int64,
	typ ingest.CreditType,
	description string,
) (int64, error) {
	return s.ledger.TopUp(ctx, accountID, amount, typ, description)
}

// CreditHistory returns the newest ledger rows first.
func (s *Service) CreditHistory(ctx context.Context, accountID string, limit int) ([]ingest.CreditHistory, error) {
	return s.ledger.History(ctx, accountID, limit)
}

// Search returns the bot's chunks nearest to query.
func (s *Service) Search(ctx context.Context, botID, query string, limit int) ([]ingest.SearchHit, error) {
	if err := requireBot(botID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, ingest.NewSetupError("query is required")
	}
	hits, err := s.index.Search(ctx, botID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}

func (s *Service) enqueue(ctx context.Context, task ingest.Task) error {
	task.Enqueued = s.clock.Now()
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(queueCtx, task); err != nil {
		return fmt.Errorf("enqueue source %s: %w", task.SourceID, err)
	}
	return nil
}

func requireBot(botID string) error {
	if strings.TrimSpace(botID) == "" {
		return ingest.NewSetupError("bot id is required")
	}
	return nil
}
