package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

var crawlCols = []string{
	"id", "bot_id", "sitemap_url", "status", "total_urls", "processed_urls", "failed_urls", "error",
	"created_at", "updated_at", "heartbeat_at", "finished_at",
}

func crawlRows(mock pgxmock.PgxPoolIface, status string, total, processed, failed int) *pgxmock.Rows {
	var finished any
	if status == "completed" || status == "failed" {
		ts := fixedTime
		finished = &ts
	}
	return mock.NewRows(crawlCols).AddRow(
		"crawl-1", "bot-1", "https://example.com/sitemap.xml", status, total, processed, failed, "",
		fixedTime, fixedTime, fixedTime, finished,
	)
}

func newCrawlStore(t *testing.T) (*CrawlStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewCrawlStore(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCrawlStoreCreateMapsActiveIndexViolation(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	mock.ExpectExec("INSERT INTO sitemap_crawls").
		WithArgs("crawl-2", "bot-1", "", "pending", 0, fixedTime, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "sitemap_crawls_one_active"})

	err := store.CreateCrawl(context.Background(), ingest.SitemapCrawl{
		ID:        "crawl-2",
		BotID:     "bot-1",
		Status:    ingest.CrawlStatusPending,
		CreatedAt: fixedTime,
	})
	require.ErrorIs(t, err, ingest.ErrActiveCrawlExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlStoreCreateKeepsOtherViolations(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	mock.ExpectExec("INSERT INTO sitemap_crawls").
		WithArgs("crawl-1", "bot-1", "", "pending", 0, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "sitemap_crawls_pkey"})

	err := store.CreateCrawl(context.Background(), ingest.SitemapCrawl{
		ID:     "crawl-1",
		BotID:  "bot-1",
		Status: ingest.CrawlStatusPending,
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, ingest.ErrActiveCrawlExists)
}

func TestCrawlStoreRecordURLResultCompletes(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	mock.ExpectQuery("UPDATE sitemap_crawls SET").
		WithArgs("crawl-1", false).
		WillReturnRows(crawlRows(mock, "completed", 2, 1, 1))

	crawl, err := store.RecordURLResult(context.Background(), "crawl-1", false)
	require.NoError(t, err)
	require.Equal(t, ingest.CrawlStatusCompleted, crawl.Status)
	require.Equal(t, 1, crawl.FailedURLs)
	require.NotNil(t, crawl.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlStoreRecordURLResultIgnoresExtraReports(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	mock.ExpectQuery("UPDATE sitemap_crawls SET").
		WithArgs("crawl-1", true).
		WillReturnRows(mock.NewRows(crawlCols))
	mock.ExpectQuery(`FROM sitemap_crawls WHERE id = \$1`).
		WithArgs("crawl-1").
		WillReturnRows(crawlRows(mock, "completed", 2, 2, 0))

	crawl, err := store.RecordURLResult(context.Background(), "crawl-1", true)
	require.NoError(t, err)
	require.Equal(t, 2, crawl.ProcessedURLs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlStoreUpdateRejectsFinishedCrawl(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	mock.ExpectQuery("UPDATE sitemap_crawls SET").
		WithArgs("crawl-1", "processing", 5, "").
		WillReturnRows(mock.NewRows(crawlCols))
	mock.ExpectQuery(`FROM sitemap_crawls WHERE id = \$1`).
		WithArgs("crawl-1").
		WillReturnRows(crawlRows(mock, "failed", 5, 0, 0))

	crawl, err := store.UpdateCrawl(context.Background(), "crawl-1", ingest.CrawlStatusProcessing, 5, "")
	require.ErrorIs(t, err, ingest.ErrInvalidTransition)
	require.Equal(t, ingest.CrawlStatusFailed, crawl.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlStoreLatestMissing(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	mock.ExpectQuery(`FROM sitemap_crawls\s+WHERE bot_id = \$1`).
		WithArgs("bot-9").
		WillReturnRows(mock.NewRows(crawlCols))

	_, err := store.LatestCrawl(context.Background(), "bot-9")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestCrawlStoreFailStale(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	mock.ExpectExec("UPDATE sitemap_crawls").
		WithArgs(fixedTime, "crawl abandoned").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := store.FailStaleCrawls(context.Background(), fixedTime, "crawl abandoned")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlStoreTouch(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	mock.ExpectExec(`UPDATE sitemap_crawls SET heartbeat_at = now\(\)`).
		WithArgs("crawl-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE sitemap_crawls SET heartbeat_at = now\(\)`).
		WithArgs("crawl-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.TouchCrawl(context.Background(), "crawl-1"))
	require.ErrorIs(t, store.TouchCrawl(context.Background(), "crawl-2"), ingest.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlStoreActiveCrawlIDs(t *testing.T) {
	t.Parallel()

	store, mock := newCrawlStore(t)
	mock.ExpectQuery(`SELECT id FROM sitemap_crawls WHERE status IN`).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("crawl-1").AddRow("crawl-2"))

	ids, err := store.ActiveCrawlIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"crawl-1", "crawl-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
