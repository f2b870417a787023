package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/kb-ingest/internal/progress"
)

// PrometheusSink turns progress events into source and crawl collectors.
type PrometheusSink struct {
	sourcesDone    *prometheus.CounterVec
	sourceDuration *prometheus.HistogramVec
	chunks         prometheus.Counter
	pageFetches    *prometheus.CounterVec

	crawlsStarted prometheus.Counter
	crawlsDone    *prometheus.CounterVec
	crawlsRunning prometheus.Gauge
	crawlURLs     *prometheus.CounterVec

	running *crawlSet
}

// NewPrometheusSink registers the collectors on reg (default registerer when
// nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		sourcesDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_sources_finished_total",
			Help: "Sources that reached a terminal state, by kind and result.",
		}, []string{"kind", "result"}),
		sourceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_source_duration_seconds",
			Help:    "Wall time from claim to terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_source_chunks_total",
			Help: "Chunks written by completed sources.",
		}),
		pageFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_source_fetches_total",
			Help: "URL sources fetched, by status class.",
		}, []string{"status_class"}),
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_crawls_started_total",
			Help: "Crawls that started processing.",
		}),
		crawlsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_crawls_finished_total",
			Help: "Crawls that finished, by result.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_crawls_running",
			Help: "Crawls currently processing in this process.",
		}),
		crawlURLs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_crawl_urls_total",
			Help: "Crawl URLs reported, by result.",
		}, []string{"result"}),
		running: &crawlSet{ids: make(map[string]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.sourcesDone, s.sourceDuration, s.chunks, s.pageFetches,
		s.crawlsStarted, s.crawlsDone, s.crawlsRunning, s.crawlURLs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.observe(evt)
	}
	return nil
}

func (s *PrometheusSink) observe(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSourceCompleted:
		s.sourcesDone.WithLabelValues(evt.Kind, "completed").Inc()
		s.chunks.Add(float64(evt.Chunks))
		s.observeSourceDuration(evt)
	case progress.StageSourceFailed:
		s.sourcesDone.WithLabelValues(evt.Kind, "failed").Inc()
		s.observeSourceDuration(evt)
	case progress.StageSourceFetched:
		class := evt.StatusClass
		if class == "" {
			class = progress.StatusOther
		}
		s.pageFetches.WithLabelValues(string(class)).Inc()
	case progress.StageCrawlStarted:
		s.crawlsStarted.Inc()
		if s.running.add(evt.CrawlID) {
			s.crawlsRunning.Inc()
		}
	case progress.StageCrawlURLDone:
		result := "failed"
		if evt.Succeeded {
			result = "succeeded"
		}
		s.crawlURLs.WithLabelValues(result).Inc()
	case progress.StageCrawlCompleted, progress.StageCrawlFailed:
		result := "completed"
		if evt.Stage == progress.StageCrawlFailed {
			result = "failed"
		}
		s.crawlsDone.WithLabelValues(result).Inc()
		if s.running.remove(evt.CrawlID) {
			s.crawlsRunning.Dec()
		}
	}
}

func (s *PrometheusSink) observeSourceDuration(evt progress.Event) {
	if evt.Dur > 0 {
		s.sourceDuration.WithLabelValues(evt.Kind).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type crawlSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (c *crawlSet) add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return false
	}
	c.ids[id] = struct{}{}
	return true
}

func (c *crawlSet) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; !ok {
		return false
	}
	delete(c.ids, id)
	return true
}
