package ingest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceStatusTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from SourceStatus
		to   SourceStatus
		ok   bool
	}{
		{SourceStatusPending, SourceStatusProcessing, true},
		{SourceStatusPending, SourceStatusCompleted, false},
		{SourceStatusProcessing, SourceStatusCompleted, true},
		{SourceStatusProcessing, SourceStatusFailed, true},
		{SourceStatusProcessing, SourceStatusPending, false},
		{SourceStatusFailed, SourceStatusProcessing, true},
		{SourceStatusFailed, SourceStatusCompleted, false},
		{SourceStatusCompleted, SourceStatusProcessing, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestCrawlDone(t *testing.T) {
	t.Parallel()

	c := SitemapCrawl{TotalURLs: 3, ProcessedURLs: 2}
	require.False(t, c.Done())
	c.FailedURLs = 1
	require.True(t, c.Done())
	require.True(t, CrawlStatusPending.Active())
	require.False(t, CrawlStatusFailed.Active())
}

func TestFetchErrorTemporary(t *testing.T) {
	t.Parallel()

	require.True(t, (&FetchError{URL: "u", Err: errors.New("reset")}).Temporary())
	require.True(t, (&FetchError{URL: "u", StatusCode: 503}).Temporary())
	require.True(t, (&FetchError{URL: "u", StatusCode: 429}).Temporary())
	require.False(t, (&FetchError{URL: "u", StatusCode: 404}).Temporary())

	wrapped := fmt.Errorf("process: %w", &FetchError{URL: "https://a.test", StatusCode: 404})
	var fe *FetchError
	require.ErrorAs(t, wrapped, &fe)
	require.Equal(t, "fetch https://a.test: http status 404", fe.Error())
}

func TestSetupErrorMessage(t *testing.T) {
	t.Parallel()

	err := NewSetupError("no urls for bot %s", "b1")
	require.EqualError(t, err, "invalid request: no urls for bot b1")
}
