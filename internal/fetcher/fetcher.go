// Package fetcher retrieves remote documents for ingestion. A RawFetcher
// performs the HTTP GET; Retrying adds backoff and per-domain throttling;
// TextFetcher extracts and caps the text.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/JakeFAU/kb-ingest/internal/extract"
	"github.com/JakeFAU/kb-ingest/internal/ingest"
	"github.com/JakeFAU/kb-ingest/internal/metrics"
)

// Response is a raw 2xx HTTP response.
type Response struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// RawFetcher performs a single GET. Non-2xx statuses and transport failures
// are returned as *ingest.FetchError.
type RawFetcher interface {
	FetchRaw(ctx context.Context, url string) (Response, error)
}

// TextFetcher implements ingest.PageFetcher on top of a RawFetcher.
type TextFetcher struct {
	raw       RawFetcher
	extractor *extract.Extractor
}

// NewTextFetcher wires a RawFetcher to an Extractor.
func NewTextFetcher(raw RawFetcher, extractor *extract.Extractor) *TextFetcher {
	if extractor == nil {
		extractor = extract.New(extract.DefaultMaxChars)
	}
	return &TextFetcher{raw: raw, extractor: extractor}
}

// Fetch downloads rawURL and returns its extracted text.
func (f *TextFetcher) Fetch(ctx context.Context, rawURL string) (ingest.Page, error) {
	if err := ValidateURL(rawURL); err != nil {
		return ingest.Page{}, &ingest.FetchError{URL: rawURL, Err: err}
	}
	resp, err := f.raw.FetchRaw(ctx, rawURL)
	if err != nil {
		metrics.ObserveFetch(rawURL, fetchOutcome(err), 0)
		return ingest.Page{}, err
	}
	metrics.ObserveFetch(rawURL, "ok", len(resp.Body))
	doc, err := f.extractor.Extract(resp.ContentType, resp.URL, resp.Body)
	if err != nil {
		return ingest.Page{}, fmt.Errorf("extract %s: %w", rawURL, err)
	}
	return ingest.Page{
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Title:       doc.Title,
		Text:        doc.Text,
		Bytes:       len(resp.Body),
		Truncated:   doc.Truncated,
	}, nil
}

// ValidateURL accepts absolute http(s) URLs only.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("unsupported url %q", rawURL)
	}
	return nil
}

func fetchOutcome(err error) string {
	var fe *ingest.FetchError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &fe) && fe.StatusCode != 0:
		return fmt.Sprintf("%dxx", fe.StatusCode/100)
	default:
		return "error"
	}
}
