package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a lifecycle milestone.
type Stage string

// Source and crawl milestones.
const (
	StageSourceClaimed   Stage = "SOURCE_CLAIMED"
	StageSourceFetched   Stage = "SOURCE_FETCHED"
	StageSourceCompleted Stage = "SOURCE_COMPLETED"
	StageSourceFailed    Stage = "SOURCE_FAILED"
	StageCrawlStarted    Stage = "CRAWL_STARTED"
	StageCrawlURLDone    Stage = "CRAWL_URL_DONE"
	StageCrawlCompleted  Stage = "CRAWL_COMPLETED"
	StageCrawlFailed     Stage = "CRAWL_FAILED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// HTTP status classes reported on fetch events.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event is one progress notification.
type Event struct {
	TS       time.Time
	Stage    Stage
	BotID    string
	SourceID string
	CrawlID  string
	// Kind is the source kind for source stages.
	Kind string
	// URL is set on fetch events; it must not carry credentials.
	URL         string
	StatusClass StatusClass
	Bytes       int64
	// Chunks is the number of embeddings written on completion.
	Chunks int
	// Succeeded reports the URL outcome on CRAWL_URL_DONE.
	Succeeded bool
	Dur       time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate rejects events missing the identifiers their stage needs.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	switch e.Stage {
	case StageSourceClaimed, StageSourceCompleted, StageSourceFailed:
		if e.SourceID == "" {
			return fmt.Errorf("%s requires source id", e.Stage)
		}
	case StageSourceFetched:
		if e.SourceID == "" || e.URL == "" {
			return fmt.Errorf("%s requires source id and url", e.Stage)
		}
	case StageCrawlStarted, StageCrawlURLDone, StageCrawlCompleted, StageCrawlFailed:
		if e.CrawlID == "" {
			return fmt.Errorf("%s requires crawl id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch code / 100 {
	case 2:
		return Status2xx
	case 3:
		return Status3xx
	case 4:
		return Status4xx
	case 5:
		return Status5xx
	default:
		return StatusOther
	}
}
