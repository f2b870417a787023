package ingest

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrNotFound is returned when a source, crawl or account row is missing.
	ErrNotFound = errors.New("not found")
	// ErrActiveCrawlExists rejects a crawl while another one is pending or processing for the bot.
	ErrActiveCrawlExists = errors.New("an active crawl already exists for this bot")
	// ErrInsufficientCredits is returned when a deduction would overdraw the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotClaimed is returned when a worker loses the race to claim a source.
	ErrNotClaimed = errors.New("source not claimed")
	// ErrNoText is returned when no usable text could be extracted.
	ErrNoText = errors.New("no extractable text")
	// ErrQueueClosed is returned by a task queue after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// SetupError reports malformed or empty input detected before any work starts.
type SetupError struct {
	Reason string
}

// NewSetupError formats a SetupError.
func NewSetupError(format string, args ...any) *SetupError {
	return &SetupError{Reason: fmt.Sprintf(format, args...)}
}

func (e *SetupError) Error() string {
	return "invalid request: " + e.Reason
}

// FetchError is a recoverable per-URL failure: a non-2xx status or a transport fault.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether another attempt may succeed.
func (e *FetchError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return e.StatusCode >= 500
	}
}
