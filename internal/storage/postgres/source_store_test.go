package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

var (
	sourceCols = []string{
		"id", "bot_id", "crawl_id", "kind", "title", "content", "status", "error",
		"attempts", "chunks", "created_at", "updated_at", "started_at", "finished_at",
	}
	fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func sourceRows(mock pgxmock.PgxPoolIface, status string, attempts, chunks int) *pgxmock.Rows {
	started := fixedTime
	return mock.NewRows(sourceCols).AddRow(
		"src-1", "bot-1", "", "text", "notes", "hello", status, "",
		attempts, chunks, fixedTime, fixedTime, &started, nil,
	)
}

func newSourceStore(t *testing.T) (*SourceStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewSourceStore(mock)
	require.NoError(t, err)
	return store, mock
}

func TestSourceStoreCreateInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectExec("INSERT INTO training_sources").
		WithArgs("src-1", "bot-1", "crawl-1", "url", "", "https://example.com", "pending", "",
			fixedTime, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateSource(context.Background(), ingest.TrainingSource{
		ID:        "src-1",
		BotID:     "bot-1",
		CrawlID:   "crawl-1",
		Kind:      ingest.SourceKindURL,
		Content:   "https://example.com",
		Status:    ingest.SourceStatusPending,
		CreatedAt: fixedTime,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreGetMapsMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectQuery(`FROM training_sources WHERE id = \$1`).
		WithArgs("nope").
		WillReturnRows(mock.NewRows(sourceCols))

	_, err := store.GetSource(context.Background(), "nope")
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreListScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectQuery(`FROM training_sources WHERE bot_id = \$1 ORDER BY created_at, id`).
		WithArgs("bot-1").
		WillReturnRows(sourceRows(mock, "completed", 1, 4))

	out, err := store.ListSources(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, ingest.SourceStatusCompleted, out[0].Status)
	require.Equal(t, ingest.SourceKindText, out[0].Kind)
	require.Equal(t, 4, out[0].Chunks)
	require.NotNil(t, out[0].StartedAt)
	require.Nil(t, out[0].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreTransitionClaimsPending(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectQuery("UPDATE training_sources SET").
		WithArgs("src-1", []string{"pending"}, "processing", "", 0).
		WillReturnRows(sourceRows(mock, "processing", 1, 0))

	src, err := store.TransitionSource(context.Background(), "src-1",
		[]ingest.SourceStatus{ingest.SourceStatusPending},
		ingest.SourceUpdate{Status: ingest.SourceStatusProcessing})
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusProcessing, src.Status)
	require.Equal(t, 1, src.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreTransitionRejectsLostRace(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectQuery("UPDATE training_sources SET").
		WithArgs("src-1", []string{"pending", "failed"}, "processing", "", 0).
		WillReturnRows(mock.NewRows(sourceCols))
	mock.ExpectQuery(`FROM training_sources WHERE id = \$1`).
		WithArgs("src-1").
		WillReturnRows(sourceRows(mock, "processing", 1, 0))

	src, err := store.TransitionSource(context.Background(), "src-1",
		[]ingest.SourceStatus{ingest.SourceStatusPending, ingest.SourceStatusFailed},
		ingest.SourceUpdate{Status: ingest.SourceStatusProcessing})
	require.ErrorIs(t, err, ingest.ErrInvalidTransition)
	require.Equal(t, ingest.SourceStatusProcessing, src.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreTransitionSkipsUpdateForForbiddenEdge(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectQuery(`FROM training_sources WHERE id = \$1`).
		WithArgs("src-1").
		WillReturnRows(sourceRows(mock, "completed", 1, 3))

	_, err := store.TransitionSource(context.Background(), "src-1",
		[]ingest.SourceStatus{ingest.SourceStatusCompleted},
		ingest.SourceUpdate{Status: ingest.SourceStatusProcessing})
	require.ErrorIs(t, err, ingest.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreDeleteMissing(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectExec("DELETE FROM training_sources").
		WithArgs("gone").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.ErrorIs(t, store.DeleteSource(context.Background(), "gone"), ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreFailStaleCountsRows(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectExec(`status = 'pending' AND COALESCE\(crawl_id, ''\) <> ALL\(\$2::text\[\]\)`).
		WithArgs(fixedTime, []string{"crawl-1"}, "processing interrupted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := store.FailStaleSources(context.Background(), fixedTime, []string{"crawl-1"}, "processing interrupted")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreFailStaleWithoutActiveCrawls(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectExec("UPDATE training_sources").
		WithArgs(fixedTime, []string{}, "processing interrupted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := store.FailStaleSources(context.Background(), fixedTime, nil, "processing interrupted")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceStoreTouch(t *testing.T) {
	t.Parallel()

	store, mock := newSourceStore(t)
	mock.ExpectExec(`UPDATE training_sources SET updated_at = now\(\)`).
		WithArgs("s1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE training_sources SET updated_at = now\(\)`).
		WithArgs("s2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.TouchSource(context.Background(), "s1"))
	require.ErrorIs(t, store.TouchSource(context.Background(), "s2"), ingest.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}
