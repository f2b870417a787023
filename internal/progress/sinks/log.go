package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest/internal/progress"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements progress.Sink. Failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("bot_id", evt.BotID),
			zap.Time("ts", evt.TS),
		}
		if evt.SourceID != "" {
			fields = append(fields, zap.String("source_id", evt.SourceID), zap.String("kind", evt.Kind))
		}
		if evt.CrawlID != "" {
			fields = append(fields, zap.String("crawl_id", evt.CrawlID))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Chunks > 0 {
			fields = append(fields, zap.Int("chunks", evt.Chunks))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageSourceFailed, progress.StageCrawlFailed:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
