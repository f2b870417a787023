package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

// SourceStore keeps training sources in a map.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]ingest.TrainingSource
}

// NewSourceStore constructs a SourceStore.
func NewSourceStore() *SourceStore {
	return &SourceStore{sources: make(map[string]ingest.TrainingSource)}
}

// CreateSource stores a new source.
func (s *SourceStore) CreateSource(_ context.Context, src ingest.TrainingSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; exists {
		return errors.New("source already exists")
	}
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	s.sources[src.ID] = src
	return nil
}

// GetSource fetches a source by ID.
func (s *SourceStore) GetSource(_ context.Context, id string) (ingest.TrainingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.TrainingSource{}, ingest.ErrNotFound
	}
	return src, nil
}

// ListSources returns the bot's sources, oldest first.
func (s *SourceStore) ListSources(_ context.Context, botID string) ([]ingest.TrainingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.TrainingSource
	for _, src := range s.sources {
		if src.BotID == botID {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// TransitionSource applies update when the current status is one of from.
func (s *SourceStore) TransitionSource(
	_ context.Context,
	id string,
	from []ingest.SourceStatus,
	update ingest.SourceUpdate,
) (ingest.TrainingSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.TrainingSource{}, ingest.ErrNotFound
	}
	if !slices.Contains(from, src.Status) || !src.Status.CanTransition(update.Status) {
		return src, ingest.ErrInvalidTransition
	}
	applySourceUpdate(&src, update, time.Now().UTC())
	s.sources[id] = src
	return src, nil
}

// DeleteSource removes a source.
func (s *SourceStore) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return ingest.ErrNotFound
	}
	delete(s.sources, id)
	return nil
}

// TouchSource bumps UpdatedAt of a processing source.
func (s *SourceStore) TouchSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return ingest.ErrNotFound
	}
	if src.Status != ingest.SourceStatusProcessing {
		return ingest.ErrInvalidTransition
	}
	src.UpdatedAt = time.Now().UTC()
	s.sources[id] = src
	return nil
}

// FailStaleSources fails processing and pending sources last updated before
// cutoff. Pending sources whose crawl is listed in activeCrawls are skipped.
func (s *SourceStore) FailStaleSources(
	_ context.Context,
	cutoff time.Time,
	activeCrawls []string,
	errText string,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for id, src := range s.sources {
		if !src.UpdatedAt.Before(cutoff) {
			continue
		}
		switch src.Status {
		case ingest.SourceStatusProcessing:
		case ingest.SourceStatusPending:
			if src.CrawlID != "" && slices.Contains(activeCrawls, src.CrawlID) {
				continue
			}
		default:
			continue
		}
		applySourceUpdate(&src, ingest.SourceUpdate{Status: ingest.SourceStatusFailed, Error: errText}, now)
		s.sources[id] = src
		count++
	}
	return count, nil
}

func applySourceUpdate(src *ingest.TrainingSource, update ingest.SourceUpdate, now time.Time) {
	src.Status = update.Status
	src.Error = update.Error
	src.UpdatedAt = now
	switch update.Status {
	case ingest.SourceStatusProcessing:
		src.Attempts++
		src.StartedAt = pointerTime(now)
		src.FinishedAt = nil
	case ingest.SourceStatusCompleted:
		src.Chunks = update.Chunks
		src.FinishedAt = pointerTime(now)
	case ingest.SourceStatusFailed:
		src.FinishedAt = pointerTime(now)
	}
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
