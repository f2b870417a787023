package ingest

import (
	"context"
	"io"
	"time"
)

// SourceStore persists training sources.
type SourceStore interface {
	CreateSource(ctx context.Context, src TrainingSource) error
	GetSource(ctx context.Context, id string) (TrainingSource, error)
	ListSources(ctx context.Context, botID string) ([]TrainingSource, error)
	// TransitionSource applies update only when the current status is one of from;
	// otherwise it returns ErrInvalidTransition.
	TransitionSource(ctx context.Context, id string, from []SourceStatus, update SourceUpdate) (TrainingSource, error)
	DeleteSource(ctx context.Context, id string) error
	// TouchSource refreshes the lease of a processing source. It returns
	// ErrInvalidTransition once the source has left processing.
	TouchSource(ctx context.Context, id string) error
	// FailStaleSources fails processing and pending sources not updated since
	// cutoff. Pending sources of the crawls in activeCrawls are left alone.
	FailStaleSources(ctx context.Context, cutoff time.Time, activeCrawls []string, errText string) (int, error)
}

// CrawlStore persists sitemap crawl jobs.
type CrawlStore interface {
	// CreateCrawl inserts a crawl, returning ErrActiveCrawlExists when the bot
	// already has a pending or processing crawl.
	CreateCrawl(ctx context.Context, crawl SitemapCrawl) error
	GetCrawl(ctx context.Context, id string) (SitemapCrawl, error)
	LatestCrawl(ctx context.Context, botID string) (SitemapCrawl, error)
	UpdateCrawl(ctx context.Context, id string, status CrawlStatus, totalURLs int, errText string) (SitemapCrawl, error)
	// RecordURLResult atomically bumps one counter and completes the crawl once
	// every URL has reported.
	RecordURLResult(ctx context.Context, id string, succeeded bool) (SitemapCrawl, error)
	// TouchCrawl refreshes the heartbeat of an active crawl.
	TouchCrawl(ctx context.Context, id string) error
	ActiveCrawlIDs(ctx context.Context) ([]string, error)
	FailStaleCrawls(ctx context.Context, cutoff time.Time, errText string) (int, error)
}

// LedgerStore persists credit balances and history. Every method is atomic.
type LedgerStore interface {
	Balance(ctx context.Context, accountID string) (int64, error)
	Deduct(ctx context.Context, accountID string, amount int64, description string) (int64, error)
	Credit(ctx context.Context, accountID string, amount int64, typ CreditType, description string) (int64, error)
	// MeterPage advances the account's page meter, deducting one credit at the
	// first page of every block of pagesPerCredit pages.
	MeterPage(ctx context.Context, accountID string, pagesPerCredit int64, description string) (bool, error)
	History(ctx context.Context, accountID string, limit int) ([]CreditHistory, error)
}

// VectorStore persists chunk embeddings.
type VectorStore interface {
	// ReplaceSource deletes every row of the source and inserts rows in one step.
	ReplaceSource(ctx context.Context, sourceID string, rows []Embedding) error
	DeleteSource(ctx context.Context, sourceID string) error
	Search(ctx context.Context, botID string, vector []float32, limit int) ([]SearchHit, error)
}

// BlobStore keeps uploaded documents.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
	DeleteObject(ctx context.Context, uri string) error
}

// PageFetcher retrieves a URL and returns its extracted text.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Embedder turns text into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Queue provides enqueue/dequeue semantics for tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces entity IDs.
type IDGenerator interface {
	NewID() (string, error)
}
