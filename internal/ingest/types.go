package ingest

import "time"

// SourceKind identifies how a training source's content is interpreted.
type SourceKind string

// Supported source kinds.
const (
	SourceKindURL  SourceKind = "url"
	SourceKindText SourceKind = "text"
	SourceKindQA   SourceKind = "qa"
	SourceKindInfo SourceKind = "info"
	SourceKindFile SourceKind = "file"
)

// Valid reports whether k is a known kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceKindURL, SourceKindText, SourceKindQA, SourceKindInfo, SourceKindFile:
		return true
	default:
		return false
	}
}

// SourceStatus is the processing state of a training source.
type SourceStatus string

// Source states. A source moves pending -> processing -> completed|failed and
// only a failed source may re-enter processing.
const (
	SourceStatusPending    SourceStatus = "pending"
	SourceStatusProcessing SourceStatus = "processing"
	SourceStatusCompleted  SourceStatus = "completed"
	SourceStatusFailed     SourceStatus = "failed"
)

// Terminal reports whether no automatic transition leaves s.
func (s SourceStatus) Terminal() bool {
	return s == SourceStatusCompleted || s == SourceStatusFailed
}

// CanTransition reports whether the state machine allows s -> to.
func (s SourceStatus) CanTransition(to SourceStatus) bool {
	switch s {
	case SourceStatusPending:
		return to == SourceStatusProcessing
	case SourceStatusProcessing:
		return to == SourceStatusCompleted || to == SourceStatusFailed
	case SourceStatusFailed:
		return to == SourceStatusProcessing
	default:
		return false
	}
}

// TrainingSource is one unit of knowledge attached to a bot.
type TrainingSource struct {
	ID         string       `json:"id"`
	BotID      string       `json:"bot_id"`
	CrawlID    string       `json:"crawl_id,omitempty"`
	Kind       SourceKind   `json:"kind"`
	Title      string       `json:"title,omitempty"`
	Content    string       `json:"content"`
	Status     SourceStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	Attempts   int          `json:"attempts"`
	Chunks     int          `json:"chunks"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// SourceUpdate carries the fields written by a status transition.
type SourceUpdate struct {
	Status SourceStatus
	Error  string
	Chunks int
}

// CrawlStatus is the lifecycle state of a sitemap crawl.
type CrawlStatus string

// Crawl states.
const (
	CrawlStatusPending    CrawlStatus = "pending"
	CrawlStatusProcessing CrawlStatus = "processing"
	CrawlStatusCompleted  CrawlStatus = "completed"
	CrawlStatusFailed     CrawlStatus = "failed"
)

// Active reports whether the crawl still blocks a new crawl for its bot.
func (s CrawlStatus) Active() bool {
	return s == CrawlStatusPending || s == CrawlStatusProcessing
}

// SitemapCrawl tracks a bulk crawl of many URLs for one bot.
type SitemapCrawl struct {
	ID            string      `json:"id"`
	BotID         string      `json:"bot_id"`
	SitemapURL    string      `json:"sitemap_url,omitempty"`
	Status        CrawlStatus `json:"status"`
	TotalURLs     int         `json:"total_urls"`
	ProcessedURLs int         `json:"processed_urls"`
	FailedURLs    int         `json:"failed_urls"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	HeartbeatAt   time.Time   `json:"heartbeat_at"`
	FinishedAt    *time.Time  `json:"finished_at,omitempty"`
}

// Done reports whether every URL of the crawl has reported an outcome.
func (c SitemapCrawl) Done() bool {
	return c.ProcessedURLs+c.FailedURLs >= c.TotalURLs
}

// CreditType classifies ledger history rows.
type CreditType string

// Ledger entry types.
const (
	CreditTypeUsage    CreditType = "usage"
	CreditTypePurchase CreditType = "purchase"
	CreditTypeBonus    CreditType = "bonus"
)

// CreditHistory is an append-only ledger row. Amount is negative for usage.
type CreditHistory struct {
	ID          int64      `json:"id"`
	AccountID   string     `json:"account_id"`
	Amount      int64      `json:"amount"`
	Type        CreditType `json:"type"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Page is the extracted result of fetching one URL.
type Page struct {
	URL         string
	StatusCode  int
	ContentType string
	Title       string
	Text        string
	Bytes       int
	Truncated   bool
}

// Embedding is one persisted chunk vector.
type Embedding struct {
	ID          string    `json:"id"`
	BotID       string    `json:"bot_id"`
	SourceID    string    `json:"source_id"`
	Position    int       `json:"position"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Vector      []float32 `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// SearchHit is a stored chunk ranked by distance to a query vector.
type SearchHit struct {
	SourceID string  `json:"source_id"`
	Position int     `json:"position"`
	Content  string  `json:"content"`
	Distance float64 `json:"distance"`
}

// TaskKind distinguishes queued work items.
type TaskKind string

// Queued work item kinds.
const (
	TaskKindSource   TaskKind = "source"
	TaskKindCrawlURL TaskKind = "crawl_url"
)

// Task is one unit of asynchronous work handed to the worker pool.
type Task struct {
	Kind     TaskKind
	SourceID string
	CrawlID  string
	BotID    string
	URL      string
	Retry    bool
	Enqueued time.Time
}
