// Package embedding chunks extracted text, embeds the chunks and persists
// them per source, replacing whatever the source had before.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
	"github.com/JakeFAU/kb-ingest/internal/metrics"
)

// Config tunes a Store.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
	// BatchSize is the number of chunks sent per embedding request.
	BatchSize int
	// Workers bounds concurrent embedding requests across all callers.
	Workers int
}

// Deps holds the collaborators of a Store.
type Deps struct {
	Vectors  ingest.VectorStore
	Embedder ingest.Embedder
	IDs      ingest.IDGenerator
	Hasher   ingest.Hasher
	Clock    ingest.Clock
	Logger   *zap.Logger
}

// Store turns text into persisted embeddings.
type Store struct {
	vectors   ingest.VectorStore
	embedder  ingest.Embedder
	ids       ingest.IDGenerator
	hasher    ingest.Hasher
	clock     ingest.Clock
	chunker   Chunker
	batchSize int
	pool      *ants.Pool
	logger    *zap.Logger
}

// New builds a Store and its worker pool. Call Close to release the pool.
func New(cfg Config, deps Deps) (*Store, error) {
	if deps.Vectors == nil || deps.Embedder == nil || deps.IDs == nil || deps.Hasher == nil || deps.Clock == nil {
		return nil, errors.New("embedding store: missing dependency")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		vectors:   deps.Vectors,
		embedder:  deps.Embedder,
		ids:       deps.IDs,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		chunker:   NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		batchSize: cfg.BatchSize,
		pool:      pool,
		logger:    logger.Named("embedding"),
	}, nil
}

// Close releases the worker pool.
func (s *Store) Close() {
	s.pool.Release()
}

// Store chunks text, embeds every chunk and replaces the source's rows. It
// returns the number of chunks written. On any error nothing is written and
// the previous rows stay in place.
func (s *Store) Store(ctx context.Context, botID, sourceID, text string) (int, error) {
	chunks := s.chunker.Split(text)
	if len(chunks) == 0 {
		return 0, ingest.ErrNoText
	}
	vectors, err := s.embedAll(ctx, chunks)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	rows := make([]ingest.Embedding, len(chunks))
	for i, chunk := range chunks {
		id, err := s.ids.NewID()
		if err != nil {
			return 0, fmt.Errorf("embedding id: %w", err)
		}
		digest, err := s.hasher.Hash([]byte(chunk))
		if err != nil {
			return 0, fmt.Errorf("hash chunk %d: %w", i, err)
		}
		rows[i] = ingest.Embedding{
			ID:          id,
			BotID:       botID,
			SourceID:    sourceID,
			Position:    i,
			Content:     chunk,
			ContentHash: digest,
			Vector:      vectors[i],
			CreatedAt:   now,
		}
	}
	if err := s.vectors.ReplaceSource(ctx, sourceID, rows); err != nil {
		return 0, fmt.Errorf("persist embeddings: %w", err)
	}
	metrics.AddEmbeddedChunks(len(rows))
	s.logger.Debug("stored embeddings",
		zap.String("bot_id", botID),
		zap.String("source_id", sourceID),
		zap.Int("chunks", len(rows)),
	)
	return len(rows), nil
}

// embedAll embeds chunks batch by batch on the pool and returns vectors in
// chunk order.
func (s *Store) embedAll(ctx context.Context, chunks []string) ([][]float32, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	vectors := make([][]float32, len(chunks))
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}
	for start := 0; start < len(chunks); start += s.batchSize {
		end := min(start+s.batchSize, len(chunks))
		batch := chunks[start:end]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			out, err := s.embedder.EmbedDocuments(ctx, batch)
			if err != nil {
				fail(fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err))
				return
			}
			if len(out) != len(batch) {
				fail(fmt.Errorf("embed chunks %d-%d: got %d vectors for %d chunks", start, end-1, len(out), len(batch)))
				return
			}
			copy(vectors[start:end], out)
		}
		if err := s.pool.Submit(task); err != nil {
			wg.Done()
			fail(fmt.Errorf("submit embedding batch: %w", err))
			break
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Delete removes every embedding of the source.
func (s *Store) Delete(ctx context.Context, sourceID string) error {
	if err := s.vectors.DeleteSource(ctx, sourceID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// Search returns the limit chunks of the bot nearest to query.
func (s *Store) Search(ctx context.Context, botID, query string, limit int) ([]ingest.SearchHit, error) {
	if limit <= 0 {
		limit = 5
	}
	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.vectors.Search(ctx, botID, vector, limit)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	return hits, nil
}
