// Package memory provides an in-process discovery.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

// Store keeps every table in maps guarded by a single RWMutex, so each
// method is atomic with respect to the others.
type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	quota    map[time.Time]discovery.QuotaRecord
	cache    map[discovery.CacheKey]discovery.SearchCacheEntry
	videos   map[string]discovery.Video
	channels map[string]discovery.ChannelAggregate
	runs     map[string]discovery.RunRecord
	settings *discovery.Settings
	cron     *discovery.CronConfig
}

var _ discovery.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		quota:    make(map[time.Time]discovery.QuotaRecord),
		cache:    make(map[discovery.CacheKey]discovery.SearchCacheEntry),
		videos:   make(map[string]discovery.Video),
		channels: make(map[string]discovery.ChannelAggregate),
		runs:     make(map[string]discovery.RunRecord),
	}
}

// ChargeQuota adds units to the day's row, creating it when absent.
func (s *Store) ChargeQuota(_ context.Context, day time.Time, units, limit int64) (discovery.QuotaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day = discovery.DayOf(day)
	rec, ok := s.quota[day]
	if !ok {
		rec = discovery.QuotaRecord{Date: day, DailyLimit: limit}
	}
	if rec.UnitsUsed+units > rec.DailyLimit {
		return rec, discovery.ErrQuotaExceeded
	}
	rec.UnitsUsed += units
	rec.UpdatedAt = s.now()
	s.quota[day] = rec
	return rec, nil
}

// GetQuota returns the row for day.
func (s *Store) GetQuota(_ context.Context, day time.Time) (discovery.QuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.quota[discovery.DayOf(day)]
	if !ok {
		return discovery.QuotaRecord{}, discovery.ErrNotFound
	}
	return rec, nil
}

// GetSearchCache returns the entry stored under key.
func (s *Store) GetSearchCache(_ context.Context, key discovery.CacheKey) (discovery.SearchCacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[normalizeKey(key)]
	if !ok {
		return discovery.SearchCacheEntry{}, discovery.ErrNotFound
	}
	return cloneEntry(entry), nil
}

// PutSearchCache upserts an entry.
func (s *Store) PutSearchCache(_ context.Context, entry discovery.SearchCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Key = normalizeKey(entry.Key)
	s.cache[entry.Key] = cloneEntry(entry)
	return nil
}

// DeleteSearchCache removes one entry; a missing key is not an error.
func (s *Store) DeleteSearchCache(_ context.Context, key discovery.CacheKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, normalizeKey(key))
	return nil
}

// DeleteSearchCacheBefore removes entries fetched before cutoff.
func (s *Store) DeleteSearchCacheBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, entry := range s.cache {
		if entry.FetchedAt.Before(cutoff) {
			delete(s.cache, k)
			n++
		}
	}
	return n, nil
}

// ClearSearchCache removes every entry.
func (s *Store) ClearSearchCache(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[discovery.CacheKey]discovery.SearchCacheEntry)
	return nil
}

// GetVideos returns stored videos among ids in input order.
func (s *Store) GetVideos(_ context.Context, ids []string) ([]discovery.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.Video, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.videos[id]; ok {
			out = append(out, cloneVideo(v))
		}
	}
	return out, nil
}

// InsertVideoBatch inserts videos and applies gains atomically. Any id that
// already exists fails the whole batch.
func (s *Store) InsertVideoBatch(_ context.Context, videos []discovery.Video, gains []discovery.ChannelGain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(videos))
	for _, v := range videos {
		if _, ok := s.videos[v.ID]; ok {
			return &discovery.StorageError{Op: "insert videos", Err: fmt.Errorf("video %s already stored", v.ID)}
		}
		if _, ok := seen[v.ID]; ok {
			return &discovery.StorageError{Op: "insert videos", Err: fmt.Errorf("video %s duplicated in batch", v.ID)}
		}
		seen[v.ID] = struct{}{}
	}
	for _, v := range videos {
		s.videos[v.ID] = cloneVideo(v)
	}
	now := s.now()
	for _, g := range gains {
		agg, ok := s.channels[g.ChannelID]
		if !ok {
			agg = discovery.ChannelAggregate{ChannelID: g.ChannelID}
		}
		if g.Title != "" {
			agg.Title = g.Title
		}
		if g.SubscriberCount > 0 {
			agg.SubscriberCount = g.SubscriberCount
		}
		agg.ContestCount += g.Contests
		agg.UpdatedAt = now
		s.channels[g.ChannelID] = agg
	}
	return nil
}

// KnownChannels reports which ids already have an aggregate row.
func (s *Store) KnownChannels(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.channels[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

// GetChannelAggregate returns the aggregate row for channelID.
func (s *Store) GetChannelAggregate(_ context.Context, channelID string) (discovery.ChannelAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.channels[channelID]
	if !ok {
		return discovery.ChannelAggregate{}, discovery.ErrNotFound
	}
	return agg, nil
}

// CountContestVideos counts stored contest videos for channelID.
func (s *Store) CountContestVideos(_ context.Context, channelID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, v := range s.videos {
		if v.ChannelID == channelID && v.IsContest {
			n++
		}
	}
	return n, nil
}

// CreateRun stores a new run record.
func (s *Store) CreateRun(_ context.Context, run discovery.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return &discovery.StorageError{Op: "create run", Err: fmt.Errorf("run %s already exists", run.ID)}
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// CompleteRun writes the run's terminal fields. A run closes once.
func (s *Store) CompleteRun(_ context.Context, run discovery.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.runs[run.ID]
	if !ok {
		return discovery.ErrNotFound
	}
	if prev.EndTime != nil {
		return &discovery.StorageError{Op: "complete run", Err: fmt.Errorf("run %s already closed", run.ID)}
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]discovery.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]discovery.RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSettings returns the saved settings or ErrNotFound.
func (s *Store) GetSettings(context.Context) (discovery.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.settings == nil {
		return discovery.Settings{}, discovery.ErrNotFound
	}
	return s.settings.Clone(), nil
}

// PutSettings replaces the saved settings.
func (s *Store) PutSettings(_ context.Context, settings discovery.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := settings.Clone()
	s.settings = &cp
	return nil
}

// GetCronConfig returns the saved schedule or ErrNotFound.
func (s *Store) GetCronConfig(context.Context) (discovery.CronConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cron == nil {
		return discovery.CronConfig{}, discovery.ErrNotFound
	}
	cp := *s.cron
	cp.Days = append([]int(nil), s.cron.Days...)
	return cp, nil
}

// PutCronConfig replaces the saved schedule.
func (s *Store) PutCronConfig(_ context.Context, cfg discovery.CronConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cfg
	cp.Days = append([]int(nil), cfg.Days...)
	s.cron = &cp
	return nil
}

// Close implements discovery.Store.
func (s *Store) Close() error {
	return nil
}

func normalizeKey(k discovery.CacheKey) discovery.CacheKey {
	k.WindowStart = k.WindowStart.UTC()
	return k
}

func cloneEntry(e discovery.SearchCacheEntry) discovery.SearchCacheEntry {
	e.Page.Items = append([]discovery.SearchResult(nil), e.Page.Items...)
	return e
}

func cloneVideo(v discovery.Video) discovery.Video {
	v.Tags = append([]string(nil), v.Tags...)
	return v
}

func cloneRun(r discovery.RunRecord) discovery.RunRecord {
	r.Settings = r.Settings.Clone()
	if r.EndTime != nil {
		end := *r.EndTime
		r.EndTime = &end
	}
	return r
}
