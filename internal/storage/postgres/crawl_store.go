package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

const (
	crawlColumns = `id, bot_id, sitemap_url, status, total_urls, processed_urls, failed_urls, error,
	created_at, updated_at, heartbeat_at, finished_at`
	oneActiveCrawlIndex = "sitemap_crawls_one_active"
	uniqueViolation     = "23505"
)

// CrawlStore persists sitemap crawls. The one-active-crawl rule is enforced by
// a partial unique index on bot_id.
type CrawlStore struct {
	pool Pool
}

// NewCrawlStore constructs a CrawlStore on an existing pool.
func NewCrawlStore(pool Pool) (*CrawlStore, error) {
	if err := requirePool(pool); err != nil {
		return nil, err
	}
	return &CrawlStore{pool: pool}, nil
}

// CreateCrawl inserts crawl, mapping the partial index violation to
// ingest.ErrActiveCrawlExists.
func (s *CrawlStore) CreateCrawl(ctx context.Context, crawl ingest.SitemapCrawl) error {
	now := utcNow()
	created := crawl.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO sitemap_crawls (
	id, bot_id, sitemap_url, status, total_urls, created_at, updated_at, heartbeat_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		crawl.ID,
		crawl.BotID,
		crawl.SitemapURL,
		string(crawl.Status),
		crawl.TotalURLs,
		created,
		now,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == oneActiveCrawlIndex {
		return ingest.ErrActiveCrawlExists
	}
	if err != nil {
		return fmt.Errorf("insert crawl: %w", err)
	}
	return nil
}

// GetCrawl fetches a crawl by ID.
func (s *CrawlStore) GetCrawl(ctx context.Context, id string) (ingest.SitemapCrawl, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+crawlColumns+` FROM sitemap_crawls WHERE id = $1`, id)
	crawl, err := scanCrawl(row)
	if err != nil {
		return ingest.SitemapCrawl{}, fmt.Errorf("get crawl %s: %w", id, err)
	}
	return crawl, nil
}

// LatestCrawl returns the most recently created crawl for the bot.
func (s *CrawlStore) LatestCrawl(ctx context.Context, botID string) (ingest.SitemapCrawl, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+crawlColumns+` FROM sitemap_crawls
WHERE bot_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, botID)
	crawl, err := scanCrawl(row)
	if err != nil {
		return ingest.SitemapCrawl{}, fmt.Errorf("latest crawl: %w", err)
	}
	return crawl, nil
}

// UpdateCrawl overwrites status, total and error text of an active crawl. A
// processing crawl whose counters already cover the total completes at once.
func (s *CrawlStore) UpdateCrawl(
	ctx context.Context,
	id string,
	status ingest.CrawlStatus,
	totalURLs int,
	errText string,
) (ingest.SitemapCrawl, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE sitemap_crawls SET
	status = CASE
		WHEN $2::text = 'processing' AND processed_urls + failed_urls >= $3 THEN 'completed'
		ELSE $2::text
	END,
	total_urls = $3,
	error = $4,
	updated_at = now(),
	heartbeat_at = now(),
	finished_at = CASE
		WHEN $2::text IN ('completed', 'failed') THEN now()
		WHEN $2::text = 'processing' AND processed_urls + failed_urls >= $3 THEN now()
		ELSE NULL
	END
WHERE id = $1 AND status IN ('pending', 'processing')
RETURNING `+crawlColumns,
		id, string(status), totalURLs, errText)
	crawl, err := scanCrawl(row)
	if err == nil {
		return crawl, nil
	}
	if !errors.Is(err, ingest.ErrNotFound) {
		return ingest.SitemapCrawl{}, fmt.Errorf("update crawl %s: %w", id, err)
	}
	current, err := s.GetCrawl(ctx, id)
	if err != nil {
		return ingest.SitemapCrawl{}, err
	}
	return current, ingest.ErrInvalidTransition
}

// RecordURLResult bumps one counter in a single UPDATE and completes the crawl
// when the report is the last one. Reports beyond the total are ignored.
func (s *CrawlStore) RecordURLResult(ctx context.Context, id string, succeeded bool) (ingest.SitemapCrawl, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE sitemap_crawls SET
	processed_urls = processed_urls + CASE WHEN $2 THEN 1 ELSE 0 END,
	failed_urls = failed_urls + CASE WHEN $2 THEN 0 ELSE 1 END,
	status = CASE WHEN processed_urls + failed_urls + 1 >= total_urls THEN 'completed' ELSE status END,
	finished_at = CASE WHEN processed_urls + failed_urls + 1 >= total_urls THEN now() ELSE finished_at END,
	updated_at = now(),
	heartbeat_at = now()
WHERE id = $1 AND status = 'processing' AND processed_urls + failed_urls < total_urls
RETURNING `+crawlColumns,
		id, succeeded)
	crawl, err := scanCrawl(row)
	if err == nil {
		return crawl, nil
	}
	if !errors.Is(err, ingest.ErrNotFound) {
		return ingest.SitemapCrawl{}, fmt.Errorf("record url result %s: %w", id, err)
	}
	return s.GetCrawl(ctx, id)
}

// TouchCrawl bumps heartbeat_at of an active crawl.
func (s *CrawlStore) TouchCrawl(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE sitemap_crawls SET heartbeat_at = now()
WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return fmt.Errorf("touch crawl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrInvalidTransition
	}
	return nil
}

// ActiveCrawlIDs lists crawls that are pending or processing.
func (s *CrawlStore) ActiveCrawlIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sitemap_crawls WHERE status IN ('pending', 'processing')`)
	if err != nil {
		return nil, fmt.Errorf("active crawls: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("active crawls: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("active crawls: %w", err)
	}
	return ids, nil
}

// FailStaleCrawls fails active crawls whose heartbeat is older than cutoff.
func (s *CrawlStore) FailStaleCrawls(ctx context.Context, cutoff time.Time, errText string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE sitemap_crawls
SET status = 'failed', error = $2, updated_at = now(), finished_at = now()
WHERE status IN ('pending', 'processing') AND heartbeat_at < $1`, cutoff, errText)
	if err != nil {
		return 0, fmt.Errorf("fail stale crawls: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanCrawl(row rowScanner) (ingest.SitemapCrawl, error) {
	var (
		crawl  ingest.SitemapCrawl
		status string
	)
	err := row.Scan(
		&crawl.ID,
		&crawl.BotID,
		&crawl.SitemapURL,
		&status,
		&crawl.TotalURLs,
		&crawl.ProcessedURLs,
		&crawl.FailedURLs,
		&crawl.Error,
		&crawl.CreatedAt,
		&crawl.UpdatedAt,
		&crawl.HeartbeatAt,
		&crawl.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.SitemapCrawl{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.SitemapCrawl{}, err
	}
	crawl.Status = ingest.CrawlStatus(status)
	return crawl, nil
}
