package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

// CrawlStore keeps sitemap crawls in a map. The single mutex serializes the
// one-active-crawl check with the insert and every counter update.
type CrawlStore struct {
	mu     sync.Mutex
	crawls map[string]ingest.SitemapCrawl
	order  []string
}

// NewCrawlStore constructs a CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{crawls: make(map[string]ingest.SitemapCrawl)}
}

// CreateCrawl inserts crawl unless the bot already has an active one.
func (s *CrawlStore) CreateCrawl(_ context.Context, crawl ingest.SitemapCrawl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.crawls[crawl.ID]; exists {
		return errors.New("crawl already exists")
	}
	for _, existing := range s.crawls {
		if existing.BotID == crawl.BotID && existing.Status.Active() {
			return ingest.ErrActiveCrawlExists
		}
	}
	now := time.Now().UTC()
	if crawl.CreatedAt.IsZero() {
		crawl.CreatedAt = now
	}
	crawl.UpdatedAt = now
	crawl.HeartbeatAt = now
	s.crawls[crawl.ID] = crawl
	s.order = append(s.order, crawl.ID)
	return nil
}

// GetCrawl fetches a crawl by ID.
func (s *CrawlStore) GetCrawl(_ context.Context, id string) (ingest.SitemapCrawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return ingest.SitemapCrawl{}, ingest.ErrNotFound
	}
	return crawl, nil
}

// LatestCrawl returns the most recently created crawl for the bot.
func (s *CrawlStore) LatestCrawl(_ context.Context, botID string) (ingest.SitemapCrawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		if crawl := s.crawls[s.order[i]]; crawl.BotID == botID {
			return crawl, nil
		}
	}
	return ingest.SitemapCrawl{}, ingest.ErrNotFound
}

// UpdateCrawl overwrites status, total and error text.
func (s *CrawlStore) UpdateCrawl(
	_ context.Context,
	id string,
	status ingest.CrawlStatus,
	totalURLs int,
	errText string,
) (ingest.SitemapCrawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return ingest.SitemapCrawl{}, ingest.ErrNotFound
	}
	if !crawl.Status.Active() {
		return crawl, ingest.ErrInvalidTransition
	}
	now := time.Now().UTC()
	crawl.Status = status
	crawl.TotalURLs = totalURLs
	crawl.Error = errText
	crawl.UpdatedAt = now
	crawl.HeartbeatAt = now
	if status == ingest.CrawlStatusProcessing && crawl.Done() {
		crawl.Status = ingest.CrawlStatusCompleted
	}
	if !crawl.Status.Active() {
		crawl.FinishedAt = pointerTime(now)
	}
	s.crawls[id] = crawl
	return crawl, nil
}

// RecordURLResult increments one counter and completes the crawl when every
// URL has reported. Reports beyond the total are ignored.
func (s *CrawlStore) RecordURLResult(_ context.Context, id string, succeeded bool) (ingest.SitemapCrawl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return ingest.SitemapCrawl{}, ingest.ErrNotFound
	}
	if crawl.Status != ingest.CrawlStatusProcessing || crawl.Done() {
		return crawl, nil
	}
	if succeeded {
		crawl.ProcessedURLs++
	} else {
		crawl.FailedURLs++
	}
	now := time.Now().UTC()
	crawl.UpdatedAt = now
	crawl.HeartbeatAt = now
	if crawl.Done() {
		crawl.Status = ingest.CrawlStatusCompleted
		crawl.FinishedAt = pointerTime(now)
	}
	s.crawls[id] = crawl
	return crawl, nil
}

// TouchCrawl bumps HeartbeatAt of an active crawl.
func (s *CrawlStore) TouchCrawl(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl, ok := s.crawls[id]
	if !ok {
		return ingest.ErrNotFound
	}
	if !crawl.Status.Active() {
		return ingest.ErrInvalidTransition
	}
	crawl.HeartbeatAt = time.Now().UTC()
	s.crawls[id] = crawl
	return nil
}

// ActiveCrawlIDs lists crawls that are pending or processing.
func (s *CrawlStore) ActiveCrawlIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if s.crawls[id].Status.Active() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// FailStaleCrawls fails active crawls whose heartbeat is older than cutoff.
func (s *CrawlStore) FailStaleCrawls(_ context.Context, cutoff time.Time, errText string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for id, crawl := range s.crawls {
		if !crawl.Status.Active() || !crawl.HeartbeatAt.Before(cutoff) {
			continue
		}
		crawl.Status = ingest.CrawlStatusFailed
		crawl.Error = errText
		crawl.UpdatedAt = now
		crawl.FinishedAt = pointerTime(now)
		s.crawls[id] = crawl
		count++
	}
	return count, nil
}
