package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveFetchAndTasks(t *testing.T) {
	Init()
	Init()

	ObserveFetch("https://docs.example.org/a", "ok", 128)
	if val := testutil.ToFloat64(fetchTotal.WithLabelValues("docs.example.org", "ok")); val != 1 {
		t.Errorf("expected fetch counter 1, got %f", val)
	}
	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("docs.example.org")); val != 128 {
		t.Errorf("expected 128 bytes, got %f", val)
	}

	ObserveTask("source", "completed")
	if val := testutil.ToFloat64(tasksTotal.WithLabelValues("source", "completed")); val != 1 {
		t.Errorf("expected task counter 1, got %f", val)
	}

	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != 0 {
		t.Errorf("expected no active workers, got %f", val)
	}
	ObserveRateLimitDelay("docs.example.org", 20*time.Millisecond)
	AddEmbeddedChunks(3)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
