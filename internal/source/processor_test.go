package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
	"github.com/JakeFAU/kb-ingest/internal/ledger"
	"github.com/JakeFAU/kb-ingest/internal/progress"
	"github.com/JakeFAU/kb-ingest/internal/storage/memory"
)

type fakeFetcher struct {
	pages map[string]ingest.Page
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (ingest.Page, error) {
	f.calls++
	if f.err != nil {
		return ingest.Page{}, f.err
	}
	page, ok := f.pages[url]
	if !ok {
		return ingest.Page{}, &ingest.FetchError{URL: url, StatusCode: 404}
	}
	return page, nil
}

type fakeIndexer struct {
	mu    sync.Mutex
	texts map[string]string
	err   error
}

func (f *fakeIndexer) Store(_ context.Context, _, sourceID, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.texts == nil {
		f.texts = map[string]string{}
	}
	f.texts[sourceID] = text
	return 2, nil
}

func (f *fakeIndexer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

type captureEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages = append(c.stages, evt.Stage)
}

type harness struct {
	sources *memory.SourceStore
	ledger  *ledger.Ledger
	fetcher *fakeFetcher
	indexer *fakeIndexer
	blobs   *memory.BlobStore
	events  *captureEmitter
	proc    *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sources: memory.NewSourceStore(),
		ledger:  ledger.New(memory.NewLedgerStore(), ledger.Pricing{PagesPerCredit: 2}, nil, nil),
		fetcher: &fakeFetcher{pages: map[string]ingest.Page{
			"https://example.com/faq": {URL: "https://example.com/faq", StatusCode: 200, Text: "Refunds within 30 days."},
		}},
		indexer: &fakeIndexer{},
		blobs:   memory.NewBlobStore(),
		events:  &captureEmitter{},
	}
	h.proc = New(Deps{
		Sources:  h.sources,
		Fetcher:  h.fetcher,
		Blobs:    h.blobs,
		Indexer:  h.indexer,
		Biller:   h.ledger,
		Clock:    fixedClock{},
		Progress: h.events,
	})
	return h
}

func (h *harness) add(t *testing.T, id string, kind ingest.SourceKind, content string) {
	t.Helper()
	require.NoError(t, h.sources.CreateSource(context.Background(), ingest.TrainingSource{
		ID: id, BotID: "bot-1", Kind: kind, Content: content, Status: ingest.SourceStatusPending,
	}))
}

func TestProcessTextSourceCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.add(t, "s1", ingest.SourceKindQA, "Q: hours?\nA: 9-5")

	status, err := h.proc.Process(context.Background(), "s1", false)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusCompleted, status)

	src, err := h.sources.GetSource(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, 2, src.Chunks)
	require.Equal(t, 1, src.Attempts)
	require.NotNil(t, src.FinishedAt)
	require.Equal(t, "Q: hours?\nA: 9-5", h.indexer.texts["s1"])
	require.Equal(t, []progress.Stage{progress.StageSourceClaimed, progress.StageSourceCompleted}, h.events.stages)
}

func TestProcessURLChargesPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.TopUp(ctx, "bot-1", 5, ingest.CreditTypePurchase, "")
	require.NoError(t, err)
	h.add(t, "s1", ingest.SourceKindURL, "https://example.com/faq")

	status, err := h.proc.Process(ctx, "s1", false)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusCompleted, status)
	balance, err := h.ledger.Balance(ctx, "bot-1")
	require.NoError(t, err)
	require.EqualValues(t, 4, balance)
	require.Equal(t, "Refunds within 30 days.", h.indexer.texts["s1"])
}

func TestProcessURLFetchFailureSkipsChargeAndEmbedding(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, err := h.ledger.TopUp(ctx, "bot-1", 5, ingest.CreditTypePurchase, "")
	require.NoError(t, err)
	h.add(t, "s1", ingest.SourceKindURL, "https://example.com/missing")

	status, err := h.proc.Process(ctx, "s1", false)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusFailed, status)

	src, _ := h.sources.GetSource(ctx, "s1")
	require.Contains(t, src.Error, "http status 404")
	require.Zero(t, h.indexer.calls())
	balance, _ := h.ledger.Balance(ctx, "bot-1")
	require.EqualValues(t, 5, balance)
}

func TestProcessURLInsufficientCredits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.add(t, "s1", ingest.SourceKindURL, "https://example.com/faq")

	status, err := h.proc.Process(context.Background(), "s1", false)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusFailed, status)
	src, _ := h.sources.GetSource(context.Background(), "s1")
	require.Equal(t, "insufficient credits", src.Error)
	require.Zero(t, h.indexer.calls())
}

func TestProcessFileSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	uri, err := h.blobs.PutObject(ctx, "bot-1/notes.txt", "text/plain", stringsReader("shipping takes two days"))
	require.NoError(t, err)
	require.NoError(t, h.sources.CreateSource(ctx, ingest.TrainingSource{
		ID: "f1", BotID: "bot-1", Kind: ingest.SourceKindFile, Title: "notes.txt", Content: uri,
		Status: ingest.SourceStatusPending,
	}))

	status, err := h.proc.Process(ctx, "f1", false)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusCompleted, status)
	require.Equal(t, "shipping takes two days", h.indexer.texts["f1"])
}

func TestProcessEmbeddingFailureThenRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.add(t, "s1", ingest.SourceKindText, "some text")
	h.indexer.err = errors.New("provider unavailable")

	status, err := h.proc.Process(ctx, "s1", false)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusFailed, status)
	src, _ := h.sources.GetSource(ctx, "s1")
	require.Contains(t, src.Error, "provider unavailable")

	_, err = h.proc.Process(ctx, "s1", false)
	require.ErrorIs(t, err, ingest.ErrNotClaimed)

	h.indexer.err = nil
	status, err = h.proc.Process(ctx, "s1", true)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusCompleted, status)
	src, _ = h.sources.GetSource(ctx, "s1")
	require.Equal(t, 2, src.Attempts)
	require.Empty(t, src.Error)
}

func TestProcessEmptyTextFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.add(t, "s1", ingest.SourceKindInfo, "   ")

	status, err := h.proc.Process(context.Background(), "s1", false)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusFailed, status)
	require.Zero(t, h.indexer.calls())
}

func TestProcessMissingSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.proc.Process(context.Background(), "nope", false)
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestProcessCanceledContextStillRecordsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.add(t, "s1", ingest.SourceKindURL, "https://example.com/faq")
	ctx, cancel := context.WithCancel(context.Background())
	h.fetcher.err = &ingest.FetchError{URL: "https://example.com/faq", Err: context.Canceled}
	cancel()

	_, err := h.proc.Process(ctx, "s1", false)
	require.NoError(t, err)
	src, _ := h.sources.GetSource(context.Background(), "s1")
	require.Equal(t, ingest.SourceStatusFailed, src.Status)
	require.Equal(t, "processing interrupted", src.Error)
}

type gatedFetcher struct {
	started chan struct{}
	release chan struct{}
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedFetcher) Fetch(_ context.Context, url string) (ingest.Page, error) {
	close(g.started)
	<-g.release
	return ingest.Page{URL: url, StatusCode: 200, Text: "late page"}, nil
}

type touchCounter struct {
	mu     sync.Mutex
	crawls map[string]int
}

func (c *touchCounter) TouchCrawl(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crawls == nil {
		c.crawls = map[string]int{}
	}
	c.crawls[id]++
	return nil
}

func (c *touchCounter) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crawls[id]
}

func TestProcessReportsOutcomeLostToReconciler(t *testing.T) {
	t.Parallel()

	sources := memory.NewSourceStore()
	fetch := newGatedFetcher()
	indexer := &fakeIndexer{}
	proc := New(Deps{Sources: sources, Fetcher: fetch, Indexer: indexer, Clock: fixedClock{}})
	ctx := context.Background()
	require.NoError(t, sources.CreateSource(ctx, ingest.TrainingSource{
		ID: "u1", BotID: "bot-1", CrawlID: "c1", Kind: ingest.SourceKindURL,
		Content: "https://example.com/slow", Status: ingest.SourceStatusPending,
	}))

	type result struct {
		status ingest.SourceStatus
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, err := proc.Process(ctx, "u1", false)
		done <- result{status, err}
	}()

	<-fetch.started
	n, err := sources.FailStaleSources(ctx, time.Now().Add(time.Minute), nil, "processing interrupted")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	close(fetch.release)

	got := <-done
	require.ErrorIs(t, got.err, ingest.ErrInvalidTransition)
	require.NotErrorIs(t, got.err, ingest.ErrNotClaimed)
	require.Equal(t, ingest.SourceStatusFailed, got.status)

	src, err := sources.GetSource(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "processing interrupted", src.Error)
}

func TestProcessHeartbeatKeepsLeaseAlive(t *testing.T) {
	t.Parallel()

	sources := memory.NewSourceStore()
	crawls := &touchCounter{}
	fetch := newGatedFetcher()
	proc := New(Deps{
		Sources:   sources,
		Crawls:    crawls,
		Fetcher:   fetch,
		Indexer:   &fakeIndexer{},
		Clock:     fixedClock{},
		Heartbeat: 5 * time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, sources.CreateSource(ctx, ingest.TrainingSource{
		ID: "u1", BotID: "bot-1", CrawlID: "c1", Kind: ingest.SourceKindURL,
		Content: "https://example.com/slow", Status: ingest.SourceStatusPending,
	}))

	done := make(chan error, 1)
	go func() {
		_, err := proc.Process(ctx, "u1", false)
		done <- err
	}()

	<-fetch.started
	claimed, err := sources.GetSource(ctx, "u1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		src, err := sources.GetSource(ctx, "u1")
		return err == nil && src.UpdatedAt.After(claimed.UpdatedAt) && crawls.count("c1") > 0
	}, time.Second, 5*time.Millisecond)

	n, err := sources.FailStaleSources(ctx, claimed.UpdatedAt.Add(time.Nanosecond), nil, "processing interrupted")
	require.NoError(t, err)
	require.Zero(t, n)

	close(fetch.release)
	require.NoError(t, <-done)
	src, err := sources.GetSource(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusCompleted, src.Status)
}
