package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

const sourceColumns = `id, bot_id, COALESCE(crawl_id, ''), kind, title, content, status, error,
	attempts, chunks, created_at, updated_at, started_at, finished_at`

// SourceStore persists training sources in the training_sources table.
type SourceStore struct {
	pool Pool
}

// NewSourceStore constructs a SourceStore on an existing pool.
func NewSourceStore(pool Pool) (*SourceStore, error) {
	if err := requirePool(pool); err != nil {
		return nil, err
	}
	return &SourceStore{pool: pool}, nil
}

// CreateSource inserts a new source row.
func (s *SourceStore) CreateSource(ctx context.Context, src ingest.TrainingSource) error {
	now := utcNow()
	created := src.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO training_sources (
	id, bot_id, crawl_id, kind, title, content, status, error, created_at, updated_at
) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)`,
		src.ID,
		src.BotID,
		src.CrawlID,
		string(src.Kind),
		src.Title,
		src.Content,
		string(src.Status),
		src.Error,
		created,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource fetches a source by ID.
func (s *SourceStore) GetSource(ctx context.Context, id string) (ingest.TrainingSource, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM training_sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err != nil {
		return ingest.TrainingSource{}, fmt.Errorf("get source %s: %w", id, err)
	}
	return src, nil
}

// ListSources returns the bot's sources, oldest first.
func (s *SourceStore) ListSources(ctx context.Context, botID string) ([]ingest.TrainingSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM training_sources WHERE bot_id = $1 ORDER BY created_at, id`, botID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []ingest.TrainingSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("list sources: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// TransitionSource applies update in one conditional UPDATE guarded by the
// allowed prior statuses.
func (s *SourceStore) TransitionSource(
	ctx context.Context,
	id string,
	from []ingest.SourceStatus,
	update ingest.SourceUpdate,
) (ingest.TrainingSource, error) {
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		if st.CanTransition(update.Status) {
			allowed = append(allowed, string(st))
		}
	}
	if len(allowed) > 0 {
		row := s.pool.QueryRow(ctx, `
UPDATE training_sources SET
	status = $3::text,
	error = $4,
	updated_at = now(),
	attempts = attempts + CASE WHEN $3::text = 'processing' THEN 1 ELSE 0 END,
	chunks = CASE WHEN $3::text = 'completed' THEN $5 ELSE chunks END,
	started_at = CASE WHEN $3::text = 'processing' THEN now() ELSE started_at END,
	finished_at = CASE WHEN $3::text = 'processing' THEN NULL ELSE now() END
WHERE id = $1 AND status = ANY($2)
RETURNING `+sourceColumns,
			id, allowed, string(update.Status), update.Error, update.Chunks)
		src, err := scanSource(row)
		if err == nil {
			return src, nil
		}
		if !errors.Is(err, ingest.ErrNotFound) {
			return ingest.TrainingSource{}, fmt.Errorf("transition source %s: %w", id, err)
		}
	}
	current, err := s.GetSource(ctx, id)
	if err != nil {
		return ingest.TrainingSource{}, err
	}
	return current, ingest.ErrInvalidTransition
}

// DeleteSource removes a source row.
func (s *SourceStore) DeleteSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM training_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

// TouchSource bumps updated_at of a processing source.
func (s *SourceStore) TouchSource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE training_sources SET updated_at = now()
WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrInvalidTransition
	}
	return nil
}

// FailStaleSources fails processing and pending sources last updated before
// cutoff. Pending sources whose crawl is listed in activeCrawls are skipped.
func (s *SourceStore) FailStaleSources(
	ctx context.Context,
	cutoff time.Time,
	activeCrawls []string,
	errText string,
) (int, error) {
	if activeCrawls == nil {
		activeCrawls = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE training_sources
SET status = 'failed', error = $3, updated_at = now(), finished_at = now()
WHERE updated_at < $1
  AND (status = 'processing'
    OR (status = 'pending' AND COALESCE(crawl_id, '') <> ALL($2::text[])))`, cutoff, activeCrawls, errText)
	if err != nil {
		return 0, fmt.Errorf("fail stale sources: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSource(row rowScanner) (ingest.TrainingSource, error) {
	var (
		src    ingest.TrainingSource
		kind   string
		status string
	)
	err := row.Scan(
		&src.ID,
		&src.BotID,
		&src.CrawlID,
		&kind,
		&src.Title,
		&src.Content,
		&status,
		&src.Error,
		&src.Attempts,
		&src.Chunks,
		&src.CreatedAt,
		&src.UpdatedAt,
		&src.StartedAt,
		&src.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.TrainingSource{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.TrainingSource{}, err
	}
	src.Kind = ingest.SourceKind(kind)
	src.Status = ingest.SourceStatus(status)
	return src, nil
}
