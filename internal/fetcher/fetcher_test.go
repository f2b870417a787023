package fetcher

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/kb-ingest/internal/extract"
	"github.com/JakeFAU/kb-ingest/internal/ingest"
)

type scriptedFetcher struct {
	mu        sync.Mutex
	calls     int
	responses []Response
	errs      []error
}

func (s *scriptedFetcher) FetchRaw(_ context.Context, url string) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return Response{}, s.errs[i]
	}
	if i < len(s.responses) {
		resp := s.responses[i]
		resp.URL = url
		return resp, nil
	}
	return Response{URL: url, StatusCode: http.StatusOK, ContentType: "text/plain", Body: []byte("ok")}, nil
}

type countingWaiter struct {
	mu    sync.Mutex
	waits int
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waits++
	return nil
}

func TestTextFetcherExtractsAndCaps(t *testing.T) {
	t.Parallel()

	raw := &scriptedFetcher{responses: []Response{{
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
		Body:        []byte("<html><head><title>Docs</title></head><body><p>" + strings.Repeat("a", 40) + "</p></body></html>"),
	}}}
	f := NewTextFetcher(raw, extract.New(25))
	page, err := f.Fetch(context.Background(), "https://example.com/docs")
	require.NoError(t, err)
	require.Equal(t, "Docs", page.Title)
	require.Len(t, page.Text, 25)
	require.True(t, page.Truncated)
	require.Equal(t, http.StatusOK, page.StatusCode)
}

func TestTextFetcherRejectsBadURL(t *testing.T) {
	t.Parallel()

	f := NewTextFetcher(&scriptedFetcher{}, nil)
	_, err := f.Fetch(context.Background(), "ftp://example.com/file")
	var fe *ingest.FetchError
	require.ErrorAs(t, err, &fe)

	_, err = f.Fetch(context.Background(), "/relative")
	require.ErrorAs(t, err, &fe)
}

func TestTextFetcherPropagatesFetchError(t *testing.T) {
	t.Parallel()

	raw := &scriptedFetcher{errs: []error{&ingest.FetchError{URL: "u", StatusCode: 404}}}
	_, err := NewTextFetcher(raw, nil).Fetch(context.Background(), "https://example.com/missing")
	var fe *ingest.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 404, fe.StatusCode)
}

func TestTextFetcherNoText(t *testing.T) {
	t.Parallel()

	raw := &scriptedFetcher{responses: []Response{{StatusCode: 200, ContentType: "text/html", Body: []byte("<html></html>")}}}
	_, err := NewTextFetcher(raw, nil).Fetch(context.Background(), "https://example.com/empty")
	require.ErrorIs(t, err, ingest.ErrNoText)
}

func TestRetryingRetriesTemporaryFailures(t *testing.T) {
	t.Parallel()

	raw := &scriptedFetcher{errs: []error{
		&ingest.FetchError{URL: "u", StatusCode: 503},
		&ingest.FetchError{URL: "u", Err: errors.New("connection reset")},
	}}
	waiter := &countingWaiter{}
	policy := NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
	resp, err := NewRetrying(raw, policy, waiter, nil).FetchRaw(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, "ok", string(resp.Body))
	require.Equal(t, 3, raw.calls)
	require.Equal(t, 3, waiter.waits)
}

func TestRetryingStopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	raw := &scriptedFetcher{errs: []error{&ingest.FetchError{URL: "u", StatusCode: 404}}}
	policy := NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond)
	_, err := NewRetrying(raw, policy, nil, nil).FetchRaw(context.Background(), "https://example.com")
	require.Error(t, err)
	require.Equal(t, 1, raw.calls)
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	fail := &ingest.FetchError{URL: "u", StatusCode: 500}
	raw := &scriptedFetcher{errs: []error{fail, fail, fail, fail}}
	policy := NewExponentialRetryPolicy(1, time.Millisecond, time.Millisecond)
	_, err := NewRetrying(raw, policy, nil, nil).FetchRaw(context.Background(), "https://example.com")
	require.ErrorIs(t, err, fail)
	require.Equal(t, 2, raw.calls)
}

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, 300*time.Millisecond)
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 300*time.Millisecond)
	}
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(errors.New("plain"), 1))
}
