package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

func newPendingSource(id string) ingest.TrainingSource {
	return ingest.TrainingSource{
		ID:      id,
		BotID:   "bot-1",
		Kind:    ingest.SourceKindText,
		Content: "hello",
		Status:  ingest.SourceStatusPending,
	}
}

func TestSourceStoreTransitionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSourceStore()
	require.NoError(t, store.CreateSource(ctx, newPendingSource("s1")))
	require.Error(t, store.CreateSource(ctx, newPendingSource("s1")))

	src, err := store.TransitionSource(ctx, "s1",
		[]ingest.SourceStatus{ingest.SourceStatusPending},
		ingest.SourceUpdate{Status: ingest.SourceStatusProcessing},
	)
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusProcessing, src.Status)
	require.Equal(t, 1, src.Attempts)
	require.NotNil(t, src.StartedAt)

	// A second claim from pending must lose.
	_, err = store.TransitionSource(ctx, "s1",
		[]ingest.SourceStatus{ingest.SourceStatusPending},
		ingest.SourceUpdate{Status: ingest.SourceStatusProcessing},
	)
	require.ErrorIs(t, err, ingest.ErrInvalidTransition)

	src, err = store.TransitionSource(ctx, "s1",
		[]ingest.SourceStatus{ingest.SourceStatusProcessing},
		ingest.SourceUpdate{Status: ingest.SourceStatusCompleted, Chunks: 3},
	)
	require.NoError(t, err)
	require.Equal(t, 3, src.Chunks)
	require.NotNil(t, src.FinishedAt)

	// Completed is terminal even when the caller lists it as a valid origin.
	_, err = store.TransitionSource(ctx, "s1",
		[]ingest.SourceStatus{ingest.SourceStatusCompleted},
		ingest.SourceUpdate{Status: ingest.SourceStatusProcessing},
	)
	require.ErrorIs(t, err, ingest.ErrInvalidTransition)

	_, err = store.TransitionSource(ctx, "missing", nil, ingest.SourceUpdate{})
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestSourceStoreListAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSourceStore()
	base := time.Unix(1700000000, 0).UTC()
	for i, id := range []string{"b", "a", "c"} {
		src := newPendingSource(id)
		src.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreateSource(ctx, src))
	}
	other := newPendingSource("z")
	other.BotID = "bot-2"
	require.NoError(t, store.CreateSource(ctx, other))

	list, err := store.ListSources(ctx, "bot-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "b", list[0].ID)
	require.Equal(t, "c", list[2].ID)

	require.NoError(t, store.DeleteSource(ctx, "a"))
	require.ErrorIs(t, store.DeleteSource(ctx, "a"), ingest.ErrNotFound)
	_, err = store.GetSource(ctx, "a")
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestSourceStoreFailStaleSources(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSourceStore()
	queued := newPendingSource("queued")
	queued.CrawlID = "c-live"
	orphan := newPendingSource("orphan")
	orphan.CrawlID = "c-dead"
	for _, src := range []ingest.TrainingSource{newPendingSource("stuck"), newPendingSource("idle"), queued, orphan} {
		require.NoError(t, store.CreateSource(ctx, src))
	}
	_, err := store.TransitionSource(ctx, "stuck",
		[]ingest.SourceStatus{ingest.SourceStatusPending},
		ingest.SourceUpdate{Status: ingest.SourceStatusProcessing},
	)
	require.NoError(t, err)

	n, err := store.FailStaleSources(ctx, time.Now().Add(-time.Minute), nil, "processing interrupted")
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = store.FailStaleSources(ctx, time.Now().Add(time.Minute), []string{"c-live"}, "processing interrupted")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, id := range []string{"stuck", "idle", "orphan"} {
		src, err := store.GetSource(ctx, id)
		require.NoError(t, err)
		require.Equal(t, ingest.SourceStatusFailed, src.Status, id)
		require.Equal(t, "processing interrupted", src.Error, id)
		require.NotNil(t, src.FinishedAt, id)
	}
	live, err := store.GetSource(ctx, "queued")
	require.NoError(t, err)
	require.Equal(t, ingest.SourceStatusPending, live.Status)

	_, err = store.TransitionSource(ctx, "idle",
		[]ingest.SourceStatus{ingest.SourceStatusFailed},
		ingest.SourceUpdate{Status: ingest.SourceStatusProcessing},
	)
	require.NoError(t, err)
}

func TestSourceStoreTouchSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewSourceStore()
	require.NoError(t, store.CreateSource(ctx, newPendingSource("s")))
	require.ErrorIs(t, store.TouchSource(ctx, "s"), ingest.ErrInvalidTransition)
	require.ErrorIs(t, store.TouchSource(ctx, "missing"), ingest.ErrNotFound)

	claimed, err := store.TransitionSource(ctx, "s",
		[]ingest.SourceStatus{ingest.SourceStatusPending},
		ingest.SourceUpdate{Status: ingest.SourceStatusProcessing},
	)
	require.NoError(t, err)
	cutoff := claimed.UpdatedAt.Add(time.Nanosecond)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.TouchSource(ctx, "s"))
	n, err := store.FailStaleSources(ctx, cutoff, nil, "processing interrupted")
	require.NoError(t, err)
	require.Zero(t, n)
}
