// Package discovery defines the core types shared across the contest discovery subsystems.
package discovery

import (
	"time"
)

// Operation names an external call that consumes quota.
type Operation string

// Quota-bearing provider operations.
const (
	OpSearch  Operation = "search"
	OpDetails Operation = "details"
	OpChannel Operation = "channel"
)

// CostTable maps each operation to its fixed price in cost units.
type CostTable map[Operation]int64

// DefaultCostTable mirrors the provider's published unit prices.
func DefaultCostTable() CostTable {
	return CostTable{
		OpSearch:  100,
		OpDetails: 1,
		OpChannel: 1,
	}
}

// QuotaRecord is the usage row for one UTC calendar day.
type QuotaRecord struct {
	Date       time.Time `json:"date"`
	UnitsUsed  int64     `json:"units_used"`
	DailyLimit int64     `json:"daily_limit"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Remaining returns the units still available for the day.
func (q QuotaRecord) Remaining() int64 {
	if q.UnitsUsed >= q.DailyLimit {
		return 0
	}
	return q.DailyLimit - q.UnitsUsed
}

// CacheKey identifies one cached search page.
type CacheKey struct {
	Keyword     string    `json:"keyword"`
	WindowStart time.Time `json:"window_start"`
	PageToken   string    `json:"page_token,omitempty"`
}

// SearchResult is one hit returned by the provider's search endpoint.
type SearchResult struct {
	VideoID     string    `json:"video_id"`
	ChannelID   string    `json:"channel_id"`
	Title       string    `json:"title"`
	PublishedAt time.Time `json:"published_at"`
}

// SearchPage is one page of search results.
type SearchPage struct {
	Items         []SearchResult `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

// SearchCacheEntry stores a search page fetched at FetchedAt.
type SearchCacheEntry struct {
	Key       CacheKey   `json:"key"`
	Page      SearchPage `json:"page"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// SearchQuery describes one provider search request.
type SearchQuery struct {
	Query          string
	PublishedAfter time.Time
	MaxResults     int
	PageToken      string
}

// Candidate is a video id returned by search that has not yet been ingested.
type Candidate struct {
	VideoID   string
	ChannelID string
	Keyword   string
}

// VideoDetails is the provider's full view of one video.
type VideoDetails struct {
	ID              string
	ChannelID       string
	ChannelTitle    string
	Title           string
	Description     string
	Tags            []string
	PublishedAt     time.Time
	ViewCount       int64
	LikeCount       int64
	CommentCount    int64
	DurationSeconds int64
	ThumbnailURL    string
}

// ChannelInfo is the provider's view of a channel.
type ChannelInfo struct {
	ID              string
	Title           string
	SubscriberCount int64
	VideoCount      int64
}

// Breakdown holds the per-field contribution to a classification score.
type Breakdown struct {
	Title       float64 `json:"title"`
	Description float64 `json:"description"`
	Tags        float64 `json:"tags"`
}

// Classification is the output of the contest classifier.
type Classification struct {
	IsContest bool      `json:"is_contest"`
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
}

// Video is a persisted, classified video row.
type Video struct {
	ID              string    `json:"id"`
	ChannelID       string    `json:"channel_id"`
	ChannelTitle    string    `json:"channel_title"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Tags            []string  `json:"tags"`
	PublishedAt     time.Time `json:"published_at"`
	ViewCount       int64     `json:"view_count"`
	LikeCount       int64     `json:"like_count"`
	CommentCount    int64     `json:"comment_count"`
	DurationSeconds int64     `json:"duration_seconds"`
	ThumbnailURL    string    `json:"thumbnail_url"`
	IsContest       bool      `json:"is_contest"`
	Score           float64   `json:"score"`
	Breakdown       Breakdown `json:"breakdown"`
	Keyword         string    `json:"keyword"`
	RunID           string    `json:"run_id"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}

// ChannelAggregate tracks per-channel contest totals.
type ChannelAggregate struct {
	ChannelID       string    `json:"channel_id"`
	Title           string    `json:"title"`
	SubscriberCount int64     `json:"subscriber_count"`
	ContestCount    int64     `json:"contest_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ChannelGain is the aggregate increment applied alongside a video batch.
type ChannelGain struct {
	ChannelID       string
	Title           string
	SubscriberCount int64
	Contests        int64
}

// RunStatus is the lifecycle state of a discovery run.
type RunStatus string

// Run lifecycle states.
const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the status closes a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunError, RunStopped:
		return true
	default:
		return false
	}
}

// Progress holds the cumulative counters of a run.
type Progress struct {
	TotalVideos     int64 `json:"total_videos"`
	ProcessedVideos int64 `json:"processed_videos"`
	FoundContests   int64 `json:"found_contests"`
	APIRequests     int64 `json:"api_requests"`
	QuotaUsed       int64 `json:"quota_used"`
}

// Add accumulates another set of counters.
func (p *Progress) Add(other Progress) {
	p.TotalVideos += other.TotalVideos
	p.ProcessedVideos += other.ProcessedVideos
	p.FoundContests += other.FoundContests
	p.APIRequests += other.APIRequests
	p.QuotaUsed += other.QuotaUsed
}

// RunRecord is the persisted history row for one discovery run.
type RunRecord struct {
	ID        string     `json:"id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Status    RunStatus  `json:"status"`
	Progress
	Error    string   `json:"error,omitempty"`
	Settings Settings `json:"settings"`
}

// RunState is the process-wide view of the discovery loop.
type RunState struct {
	IsRunning       bool       `json:"is_running"`
	RunID           string     `json:"run_id,omitempty"`
	Status          RunStatus  `json:"status"`
	LastRunTime     *time.Time `json:"last_run_time,omitempty"`
	CurrentKeyword  string     `json:"current_keyword,omitempty"`
	CurrentProgress Progress   `json:"current_progress"`
	Error           string     `json:"error,omitempty"`
}
