package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

func TestCrawlStoreOneActiveCrawlPerBot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCrawlStore()
	require.NoError(t, store.CreateCrawl(ctx, ingest.SitemapCrawl{
		ID: "c1", BotID: "bot", Status: ingest.CrawlStatusPending, TotalURLs: 1,
	}))
	err := store.CreateCrawl(ctx, ingest.SitemapCrawl{ID: "c2", BotID: "bot", Status: ingest.CrawlStatusPending})
	require.ErrorIs(t, err, ingest.ErrActiveCrawlExists)

	// Another bot is unaffected.
	require.NoError(t, store.CreateCrawl(ctx, ingest.SitemapCrawl{
		ID: "c3", BotID: "other", Status: ingest.CrawlStatusPending,
	}))

	_, err = store.UpdateCrawl(ctx, "c1", ingest.CrawlStatusFailed, 1, "boom")
	require.NoError(t, err)
	require.NoError(t, store.CreateCrawl(ctx, ingest.SitemapCrawl{
		ID: "c4", BotID: "bot", Status: ingest.CrawlStatusPending,
	}))

	latest, err := store.LatestCrawl(ctx, "bot")
	require.NoError(t, err)
	require.Equal(t, "c4", latest.ID)
}

func TestCrawlStoreConcurrentCreateAdmitsOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCrawlStore()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := store.CreateCrawl(ctx, ingest.SitemapCrawl{
				ID: string(rune('a' + n)), BotID: "bot", Status: ingest.CrawlStatusPending,
			})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, accepted)
}

func TestCrawlStoreRecordURLResultCompletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCrawlStore()
	require.NoError(t, store.CreateCrawl(ctx, ingest.SitemapCrawl{ID: "c", BotID: "bot", Status: ingest.CrawlStatusPending}))
	_, err := store.UpdateCrawl(ctx, "c", ingest.CrawlStatusProcessing, 20, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, recErr := store.RecordURLResult(ctx, "c", n%4 != 0); recErr != nil {
				t.Errorf("RecordURLResult() error = %v", recErr)
			}
		}(i)
	}
	wg.Wait()

	crawl, err := store.GetCrawl(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 15, crawl.ProcessedURLs)
	require.Equal(t, 5, crawl.FailedURLs)
	require.Equal(t, ingest.CrawlStatusCompleted, crawl.Status)
	require.NotNil(t, crawl.FinishedAt)

	// Late reports never push counters past the total.
	crawl, err = store.RecordURLResult(ctx, "c", true)
	require.NoError(t, err)
	require.Equal(t, 20, crawl.ProcessedURLs+crawl.FailedURLs)
}

func TestCrawlStoreFailStaleCrawls(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCrawlStore()
	require.NoError(t, store.CreateCrawl(ctx, ingest.SitemapCrawl{ID: "c", BotID: "bot", Status: ingest.CrawlStatusPending}))

	n, err := store.FailStaleCrawls(ctx, time.Now().Add(-time.Hour), "abandoned")
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = store.FailStaleCrawls(ctx, time.Now().Add(time.Hour), "abandoned")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	crawl, err := store.GetCrawl(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, ingest.CrawlStatusFailed, crawl.Status)
	require.Equal(t, "abandoned", crawl.Error)
}

func TestCrawlStoreTouchAndActiveIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCrawlStore()
	require.NoError(t, store.CreateCrawl(ctx, ingest.SitemapCrawl{ID: "old", BotID: "bot-1", Status: ingest.CrawlStatusPending}))
	require.NoError(t, store.CreateCrawl(ctx, ingest.SitemapCrawl{ID: "live", BotID: "bot-2", Status: ingest.CrawlStatusPending}))
	_, err := store.UpdateCrawl(ctx, "old", ingest.CrawlStatusFailed, 0, "boom")
	require.NoError(t, err)

	ids, err := store.ActiveCrawlIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"live"}, ids)

	before, err := store.GetCrawl(ctx, "live")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.TouchCrawl(ctx, "live"))
	after, err := store.GetCrawl(ctx, "live")
	require.NoError(t, err)
	require.True(t, after.HeartbeatAt.After(before.HeartbeatAt))

	require.ErrorIs(t, store.TouchCrawl(ctx, "old"), ingest.ErrInvalidTransition)
	require.ErrorIs(t, store.TouchCrawl(ctx, "missing"), ingest.ErrNotFound)
}
