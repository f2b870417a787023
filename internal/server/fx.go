// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/api"
	"github.com/JakeFAU/kb-ingest/internal/clock/system"
	"github.com/JakeFAU/kb-ingest/internal/config"
	"github.com/JakeFAU/kb-ingest/internal/crawl"
	"github.com/JakeFAU/kb-ingest/internal/dispatcher"
	"github.com/JakeFAU/kb-ingest/internal/embedding"
	"github.com/JakeFAU/kb-ingest/internal/extract"
	"github.com/JakeFAU/kb-ingest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/kb-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/kb-ingest/internal/hash/sha256"
	"github.com/JakeFAU/kb-ingest/internal/id/uuid"
	"github.com/JakeFAU/kb-ingest/internal/ingest"
	"github.com/JakeFAU/kb-ingest/internal/ledger"
	"github.com/JakeFAU/kb-ingest/internal/logging"
	"github.com/JakeFAU/kb-ingest/internal/metrics"
	"github.com/JakeFAU/kb-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/kb-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/kb-ingest/internal/progress/sinks"
	queuememory "github.com/JakeFAU/kb-ingest/internal/queue/memory"
	"github.com/JakeFAU/kb-ingest/internal/service"
	"github.com/JakeFAU/kb-ingest/internal/sitemap"
	"github.com/JakeFAU/kb-ingest/internal/source"
	gcsstorage "github.com/JakeFAU/kb-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/kb-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/kb-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/kb-ingest/internal/storage/postgres"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	orchestrator *crawl.Orchestrator
	index        *embedding.Store
	progressHub  *progress.Hub
	queue        *queuememory.Queue
	storage      *storage.Client
	pool         *pgxpool.Pool
}

// stores groups the persistence backends selected by storage.backend.
type stores struct {
	sources ingest.SourceStore
	crawls  ingest.CrawlStore
	ledger  ingest.LedgerStore
	vectors ingest.VectorStore
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()
	go a.orchestrator.RunReconciler(ctx, a.cfg.Crawler.ReconcileInterval())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.orchestrator.Close(shutdownCtx); err != nil {
		a.logger.Warn("crawl feeders did not stop in time", zap.Error(err))
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop in time")
	}

	return a.Close(shutdownCtx)
}

// Close releases infrastructure held by the application.
func (a *App) Close(ctx context.Context) error {
	if a.index != nil {
		a.index.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("blob_backend", cfg.Storage.Blob),
		zap.String("embedding_provider", cfg.Embedding.Provider),
	)

	st, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}
	blobs, err := setupBlobs(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	embedder, err := setupEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	app.index, err = embedding.New(embedding.Config{
		ChunkSize:    cfg.Embedding.ChunkSize,
		ChunkOverlap: cfg.Embedding.ChunkOverlap,
		BatchSize:    cfg.Embedding.BatchSize,
		Workers:      cfg.Embedding.Workers,
	}, embedding.Deps{
		Vectors:  st.vectors,
		Embedder: embedder,
		IDs:      ids,
		Hasher:   sha256.New(),
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding store init failed: %w", err)
	}

	raw := setupFetcher(app)
	extractor := extract.New(cfg.Extract.MaxChars)
	resolver := sitemapResolver(app, raw)

	credits := ledger.New(st.ledger, ledger.Pricing{
		MessageCost:    cfg.Ledger.MessageCost,
		PagesPerCredit: cfg.Ledger.PagesPerCredit,
	}, cfg.Ledger.Accounts, logger.Named("ledger"))

	app.queue = queuememory.NewQueue(cfg.Crawler.QueueDepth)

	processor := source.New(source.Deps{
		Sources:   st.sources,
		Crawls:    st.crawls,
		Fetcher:   fetcher.NewTextFetcher(raw, extractor),
		Blobs:     blobs,
		Extractor: extractor,
		Indexer:   app.index,
		Biller:    credits,
		Clock:     clock,
		Progress:  emitter,
		Logger:    logger,
		Heartbeat: cfg.Crawler.StaleAfter() / 4,
	})

	app.orchestrator = crawl.New(crawl.Config{StaleAfter: cfg.Crawler.StaleAfter()}, crawl.Deps{
		Crawls:   st.crawls,
		Sources:  st.sources,
		Queue:    app.queue,
		Resolver: resolver,
		IDs:      ids,
		Clock:    clock,
		Progress: emitter,
		Logger:   logger,
	})

	app.dispatch = dispatcher.NewPool(cfg.Crawler.Concurrency, app.queue, processor, app.orchestrator, logger)

	svc := service.New(service.Config{MaxUploadBytes: cfg.Storage.MaxUploadBytes}, service.Deps{
		Sources:  st.sources,
		Blobs:    blobs,
		Queue:    app.queue,
		Crawler:  app.orchestrator,
		Sitemaps: resolver,
		Index:    app.index,
		Ledger:   credits,
		IDs:      ids,
		Clock:    clock,
		Logger:   logger,
	})

	var ready func(context.Context) error
	if app.pool != nil {
		ready = app.pool.Ping
	}
	app.apiServer = api.NewServer(svc, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout(),
		Logger:         logger,
		Ready:          ready,
	})

	return app, nil
}

func setupStores(ctx context.Context, app *App) (stores, error) {
	if app.cfg.Storage.Backend != config.BackendPostgres {
		app.logger.Info("using in-memory stores")
		return stores{
			sources: memorystorage.NewSourceStore(),
			crawls:  memorystorage.NewCrawlStore(),
			ledger:  memorystorage.NewLedgerStore(),
			vectors: memorystorage.NewVectorStore(),
		}, nil
	}

	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             app.cfg.DB.DSN,
		MaxConns:        app.cfg.DB.MaxConns,
		MinConns:        app.cfg.DB.MinConns,
		MaxConnLifetime: app.cfg.DB.MaxConnLifetime(),
		Migrate:         app.cfg.DB.Migrate,
	})
	if err != nil {
		return stores{}, fmt.Errorf("postgres init failed: %w", err)
	}
	app.pool = pool
	app.logger.Info("postgres stores initialized", zap.Bool("migrated", app.cfg.DB.Migrate))

	var st stores
	if st.sources, err = pgstore.NewSourceStore(pool); err != nil {
		return stores{}, fmt.Errorf("source store init failed: %w", err)
	}
	if st.crawls, err = pgstore.NewCrawlStore(pool); err != nil {
		return stores{}, fmt.Errorf("crawl store init failed: %w", err)
	}
	if st.ledger, err = pgstore.NewLedgerStore(pool); err != nil {
		return stores{}, fmt.Errorf("ledger store init failed: %w", err)
	}
	if st.vectors, err = pgstore.NewVectorStore(pool); err != nil {
		return stores{}, fmt.Errorf("vector store init failed: %w", err)
	}
	return st, nil
}

func setupBlobs(ctx context.Context, app *App) (ingest.BlobStore, error) {
	switch app.cfg.Storage.Blob {
	case config.BlobGCS:
		app.logger.Info("using GCS upload backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case config.BlobLocal:
		app.logger.Info("using local upload backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory upload backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupProgress(app *App) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.cfg.Progress.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupEmbedder(cfg config.EmbeddingConfig) (ingest.Embedder, error) {
	if cfg.Provider != config.EmbedderOpenAI {
		return embedding.NewHashEmbedder(cfg.Dimension), nil
	}
	e, err := embedding.NewLangchainEmbedder(embedding.OpenAIConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BatchSize: cfg.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}
	return e, nil
}

func setupFetcher(app *App) fetcher.RawFetcher {
	base := collyfetcher.New(collyfetcher.Config{
		UserAgent:   app.cfg.Crawler.UserAgent,
		Timeout:     app.cfg.HTTP.Timeout(),
		MaxBodySize: app.cfg.HTTP.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{
		PerDomainRPS: app.cfg.Crawler.PerDomainRPS,
		Burst:        app.cfg.Crawler.Burst,
	})
	app.logger.Info("fetcher configured",
		zap.String("user_agent", app.cfg.Crawler.UserAgent),
		zap.Float64("per_domain_rps", app.cfg.Crawler.PerDomainRPS),
		zap.Int("max_retries", app.cfg.HTTP.MaxRetries),
	)
	policy := fetcher.NewExponentialRetryPolicy(
		app.cfg.HTTP.MaxRetries,
		app.cfg.HTTP.BackoffInitial(),
		app.cfg.HTTP.BackoffMax(),
	)
	return fetcher.NewRetrying(base, policy, limiter, app.logger.Named("fetcher"))
}

func sitemapResolver(app *App, raw fetcher.RawFetcher) *sitemap.Resolver {
	return sitemap.NewResolver(raw, nil, sitemap.Config{
		NestedConcurrency: app.cfg.Crawler.SitemapConcurrency,
	}, app.logger)
}
