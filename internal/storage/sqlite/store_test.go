package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/storage/migrations"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "discovery.db")
	require.NoError(t, migrations.Up(migrations.SQLite, path))
	store, err := New(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "")
	require.Error(t, err)
}

func TestChargeQuota(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 10, 18, 30, 0, 0, time.UTC)

	_, err := store.GetQuota(ctx, day)
	require.ErrorIs(t, err, discovery.ErrNotFound)

	rec, err := store.ChargeQuota(ctx, day, 60, 100)
	require.NoError(t, err)
	require.Equal(t, int64(60), rec.UnitsUsed)
	require.Equal(t, int64(100), rec.DailyLimit)
	require.Equal(t, discovery.DayOf(day), rec.Date)

	rec, err = store.ChargeQuota(ctx, day, 41, 100)
	require.ErrorIs(t, err, discovery.ErrQuotaExceeded)
	require.Equal(t, int64(60), rec.UnitsUsed)

	rec, err = store.ChargeQuota(ctx, day, 40, 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), rec.UnitsUsed)
	require.Zero(t, rec.Remaining())

	// A new day starts from zero.
	rec, err = store.ChargeQuota(ctx, day.Add(24*time.Hour), 1, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.UnitsUsed)
}

func TestChargeQuotaOversizedLeavesFreshRow(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

	rec, err := store.ChargeQuota(ctx, day, 101, 100)
	require.ErrorIs(t, err, discovery.ErrQuotaExceeded)
	require.Zero(t, rec.UnitsUsed)
	require.Equal(t, int64(100), rec.DailyLimit)
}

func TestSearchCache(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	window := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
	key := discovery.CacheKey{Keyword: "giveaway", WindowStart: window}
	paged := discovery.CacheKey{Keyword: "giveaway", WindowStart: window, PageToken: "p2"}

	_, err := store.GetSearchCache(ctx, key)
	require.ErrorIs(t, err, discovery.ErrNotFound)

	published := time.Date(2024, 5, 4, 9, 0, 0, 0, time.UTC)
	entry := discovery.SearchCacheEntry{
		Key: key,
		Page: discovery.SearchPage{
			Items:         []discovery.SearchResult{{VideoID: "v1", ChannelID: "c1", Title: "Giveaway", PublishedAt: published}},
			NextPageToken: "p2",
		},
		FetchedAt: window.Add(time.Hour),
	}
	require.NoError(t, store.PutSearchCache(ctx, entry))
	require.NoError(t, store.PutSearchCache(ctx, discovery.SearchCacheEntry{Key: paged, FetchedAt: window.Add(3 * time.Hour)}))

	got, err := store.GetSearchCache(ctx, key)
	require.NoError(t, err)
	require.Equal(t, entry.Page, got.Page)
	require.True(t, entry.FetchedAt.Equal(got.FetchedAt))

	entry.Page.NextPageToken = ""
	require.NoError(t, store.PutSearchCache(ctx, entry))
	got, err = store.GetSearchCache(ctx, key)
	require.NoError(t, err)
	require.Empty(t, got.Page.NextPageToken)

	n, err := store.DeleteSearchCacheBefore(ctx, window.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	_, err = store.GetSearchCache(ctx, key)
	require.ErrorIs(t, err, discovery.ErrNotFound)

	require.NoError(t, store.DeleteSearchCache(ctx, paged))
	_, err = store.GetSearchCache(ctx, paged)
	require.ErrorIs(t, err, discovery.ErrNotFound)

	require.NoError(t, store.PutSearchCache(ctx, entry))
	require.NoError(t, store.ClearSearchCache(ctx))
	_, err = store.GetSearchCache(ctx, key)
	require.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestVideoBatch(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	videos := []discovery.Video{
		{
			ID: "v1", ChannelID: "c1", ChannelTitle: "Chan", Title: "Mega giveaway",
			Tags: []string{"giveaway"}, PublishedAt: now.Add(-time.Hour), ViewCount: 10,
			DurationSeconds: 95, IsContest: true, Score: 1.5,
			Breakdown: discovery.Breakdown{Title: 1, Tags: 0.5}, Keyword: "giveaway",
			RunID: "run-1", DiscoveredAt: now,
		},
		{ID: "v2", ChannelID: "c1", Title: "vlog", Keyword: "giveaway", RunID: "run-1", DiscoveredAt: now},
	}
	gains := []discovery.ChannelGain{{ChannelID: "c1", Title: "Chan", SubscriberCount: 500, Contests: 1}}
	require.NoError(t, store.InsertVideoBatch(ctx, videos, gains))

	got, err := store.GetVideos(ctx, []string{"v1", "v2", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	byID := map[string]discovery.Video{}
	for _, v := range got {
		byID[v.ID] = v
	}
	require.Equal(t, []string{"giveaway"}, byID["v1"].Tags)
	require.True(t, byID["v1"].IsContest)
	require.Equal(t, discovery.Breakdown{Title: 1, Tags: 0.5}, byID["v1"].Breakdown)
	require.True(t, byID["v1"].PublishedAt.Equal(now.Add(-time.Hour)))
	require.Empty(t, byID["v2"].Tags)
	require.True(t, byID["v2"].PublishedAt.IsZero())

	// A duplicate id rolls the whole batch back.
	dup := []discovery.Video{{ID: "v3", ChannelID: "c2", DiscoveredAt: now}, {ID: "v1", ChannelID: "c1", DiscoveredAt: now}}
	err = store.InsertVideoBatch(ctx, dup, []discovery.ChannelGain{{ChannelID: "c2", Contests: 1}})
	require.Error(t, err)
	var storageErr *discovery.StorageError
	require.ErrorAs(t, err, &storageErr)
	got, err = store.GetVideos(ctx, []string{"v3"})
	require.NoError(t, err)
	require.Empty(t, got)

	known, err := store.KnownChannels(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"c1": true}, known)

	require.NoError(t, store.InsertVideoBatch(ctx,
		[]discovery.Video{{ID: "v4", ChannelID: "c1", IsContest: true, DiscoveredAt: now}},
		[]discovery.ChannelGain{{ChannelID: "c1", Contests: 1}},
	))
	agg, err := store.GetChannelAggregate(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(2), agg.ContestCount)
	require.Equal(t, "Chan", agg.Title)
	require.Equal(t, int64(500), agg.SubscriberCount)

	n, err := store.CountContestVideos(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, agg.ContestCount, n)

	_, err = store.GetChannelAggregate(ctx, "c9")
	require.ErrorIs(t, err, discovery.ErrNotFound)
}

func TestRunHistory(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	settings := discovery.DefaultSettings()

	for i, id := range []string{"run-1", "run-2"} {
		require.NoError(t, store.CreateRun(ctx, discovery.RunRecord{
			ID: id, StartTime: start.Add(time.Duration(i) * time.Hour), Status: discovery.RunRunning, Settings: settings,
		}))
	}

	end := start.Add(10 * time.Minute)
	done := discovery.RunRecord{
		ID: "run-1", StartTime: start, EndTime: &end, Status: discovery.RunCompleted,
		Progress: discovery.Progress{TotalVideos: 3, ProcessedVideos: 3, FoundContests: 2, APIRequests: 2, QuotaUsed: 103},
	}
	require.NoError(t, store.CompleteRun(ctx, done))
	require.ErrorIs(t, store.CompleteRun(ctx, done), discovery.ErrNotFound)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].ID)
	require.Nil(t, runs[0].EndTime)
	require.Equal(t, discovery.RunRunning, runs[0].Status)
	require.Equal(t, "run-1", runs[1].ID)
	require.Equal(t, done.Progress, runs[1].Progress)
	require.True(t, end.Equal(*runs[1].EndTime))
	require.Equal(t, settings.Keywords, runs[1].Settings.Keywords)

	runs, err = store.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestSettingsAndCron(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetSettings(ctx)
	require.ErrorIs(t, err, discovery.ErrNotFound)
	_, err = store.GetCronConfig(ctx)
	require.ErrorIs(t, err, discovery.ErrNotFound)

	settings := discovery.DefaultSettings()
	settings.Keywords = []string{"конкурс"}
	require.NoError(t, store.PutSettings(ctx, settings))
	settings.MaxVideos = 7
	require.NoError(t, store.PutSettings(ctx, settings))
	got, err := store.GetSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, settings, got)

	cron := discovery.DefaultCronConfig()
	cron.Enabled = true
	require.NoError(t, store.PutCronConfig(ctx, cron))
	gotCron, err := store.GetCronConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, cron, gotCron)
}
