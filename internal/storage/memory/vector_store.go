package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

// VectorStore keeps embeddings grouped by source and answers nearest
// neighbour queries by brute force.
type VectorStore struct {
	mu       sync.RWMutex
	bySource map[string][]ingest.Embedding
}

// NewVectorStore constructs a VectorStore.
func NewVectorStore() *VectorStore {
	return &VectorStore{bySource: make(map[string][]ingest.Embedding)}
}

// ReplaceSource swaps every row of the source for rows.
func (s *VectorStore) ReplaceSource(_ context.Context, sourceID string, rows []ingest.Embedding) error {
	cp := make([]ingest.Embedding, len(rows))
	copy(cp, rows)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(cp) == 0 {
		delete(s.bySource, sourceID)
		return nil
	}
	s.bySource[sourceID] = cp
	return nil
}

// DeleteSource removes every row of the source.
func (s *VectorStore) DeleteSource(_ context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bySource, sourceID)
	return nil
}

// Rows returns the rows stored for a source.
func (s *VectorStore) Rows(sourceID string) []ingest.Embedding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingest.Embedding(nil), s.bySource[sourceID]...)
}

// Search ranks the bot's rows by euclidean distance to vector.
func (s *VectorStore) Search(_ context.Context, botID string, vector []float32, limit int) ([]ingest.SearchHit, error) {
	s.mu.RLock()
	var hits []ingest.SearchHit
	for _, rows := range s.bySource {
		for _, row := range rows {
			if row.BotID != botID {
				continue
			}
			hits = append(hits, ingest.SearchHit{
				SourceID: row.SourceID,
				Position: row.Position,
				Content:  row.Content,
				Distance: euclidean(row.Vector, vector),
			})
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func euclidean(a, b []float32) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
