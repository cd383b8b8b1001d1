package discovery

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Provider is the external video platform.
type Provider interface {
	Search(ctx context.Context, query SearchQuery) (SearchPage, error)
	GetDetails(ctx context.Context, ids []string) ([]VideoDetails, error)
	GetChannels(ctx context.Context, ids []string) ([]ChannelInfo, error)
}

// QuotaStore persists daily usage rows.
type QuotaStore interface {
	// ChargeQuota atomically adds units to the day's row, creating it with the
	// given limit when absent. When the result would exceed the row's limit it
	// leaves the row unchanged and returns the current row with ErrQuotaExceeded.
	ChargeQuota(ctx context.Context, day time.Time, units, limit int64) (QuotaRecord, error)
	// GetQuota returns the row for day or ErrNotFound.
	GetQuota(ctx context.Context, day time.Time) (QuotaRecord, error)
}

// CacheStore persists search cache entries.
type CacheStore interface {
	GetSearchCache(ctx context.Context, key CacheKey) (SearchCacheEntry, error)
	PutSearchCache(ctx context.Context, entry SearchCacheEntry) error
	DeleteSearchCache(ctx context.Context, key CacheKey) error
	DeleteSearchCacheBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ClearSearchCache(ctx context.Context) error
}

// VideoStore persists classified videos and channel aggregates.
type VideoStore interface {
	// GetVideos returns the stored rows among ids; missing ids are skipped.
	GetVideos(ctx context.Context, ids []string) ([]Video, error)
	// InsertVideoBatch inserts videos and applies channel gains in one transaction.
	InsertVideoBatch(ctx context.Context, videos []Video, gains []ChannelGain) error
	// KnownChannels returns the subset of ids that already have an aggregate row.
	KnownChannels(ctx context.Context, ids []string) (map[string]bool, error)
	GetChannelAggregate(ctx context.Context, channelID string) (ChannelAggregate, error)
	CountContestVideos(ctx context.Context, channelID string) (int64, error)
}

// RunStore persists run history.
type RunStore interface {
	CreateRun(ctx context.Context, run RunRecord) error
	CompleteRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// SettingsStore persists operator settings and the schedule.
type SettingsStore interface {
	GetSettings(ctx context.Context) (Settings, error)
	PutSettings(ctx context.Context, settings Settings) error
	GetCronConfig(ctx context.Context) (CronConfig, error)
	PutCronConfig(ctx context.Context, cfg CronConfig) error
}

// Store is the full persistence surface consumed by the core.
type Store interface {
	QuotaStore
	CacheStore
	VideoStore
	RunStore
	SettingsStore
	Close() error
}

// DayOf truncates t to the start of its UTC calendar day.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
