package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

// VectorStore persists chunk embeddings in a pgvector column.
type VectorStore struct {
	pool Pool
}

// NewVectorStore constructs a VectorStore on an existing pool.
func NewVectorStore(pool Pool) (*VectorStore, error) {
	if err := requirePool(pool); err != nil {
		return nil, err
	}
	return &VectorStore{pool: pool}, nil
}

// ReplaceSource deletes the source's rows and inserts rows in one transaction,
// so a failed insert leaves the previous rows in place.
func (s *VectorStore) ReplaceSource(ctx context.Context, sourceID string, rows []ingest.Embedding) error {
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM embeddings WHERE source_id = $1`, sourceID); err != nil {
			return fmt.Errorf("delete embeddings: %w", err)
		}
		for _, row := range rows {
			created := row.CreatedAt
			if created.IsZero() {
				created = utcNow()
			}
			_, err := tx.Exec(ctx, `
INSERT INTO embeddings (id, bot_id, source_id, position, content, content_hash, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				row.ID,
				row.BotID,
				sourceID,
				row.Position,
				row.Content,
				row.ContentHash,
				pgvector.NewVector(row.Vector),
				created,
			)
			if err != nil {
				return fmt.Errorf("insert embedding %d: %w", row.Position, err)
			}
		}
		return nil
	})
}

// DeleteSource removes every row of the source.
func (s *VectorStore) DeleteSource(ctx context.Context, sourceID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM embeddings WHERE source_id = $1`, sourceID); err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// Search ranks the bot's rows by L2 distance to vector.
func (s *VectorStore) Search(ctx context.Context, botID string, vector []float32, limit int) ([]ingest.SearchHit, error) {
	rows, err := s.pool.Query(ctx, `
SELECT source_id, position, content, embedding <-> $2 AS distance
FROM embeddings WHERE bot_id = $1
ORDER BY distance LIMIT $3`, botID, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()
	var hits []ingest.SearchHit
	for rows.Next() {
		var hit ingest.SearchHit
		if err := rows.Scan(&hit.SourceID, &hit.Position, &hit.Content, &hit.Distance); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	return hits, nil
}
