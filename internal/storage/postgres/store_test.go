package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

var quotaColumns = []string{"day", "units_used", "daily_limit", "updated_at"}

func TestChargeQuotaAccepted(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	now := day.Add(3 * time.Hour)

	mock.ExpectQuery("INSERT INTO quota_usage").
		WithArgs(day, int64(100), int64(1000)).
		WillReturnRows(pgxmock.NewRows(quotaColumns).AddRow(day, int64(300), int64(1000), now))

	rec, err := store.ChargeQuota(context.Background(), day.Add(5*time.Hour), 100, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(300), rec.UnitsUsed)
	require.Equal(t, int64(700), rec.Remaining())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeQuotaRejectedReturnsCurrentRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO quota_usage").
		WithArgs(day, int64(100), int64(1000)).
		WillReturnRows(pgxmock.NewRows(quotaColumns))
	mock.ExpectQuery("SELECT day, units_used, daily_limit, updated_at FROM quota_usage").
		WithArgs(day).
		WillReturnRows(pgxmock.NewRows(quotaColumns).AddRow(day, int64(950), int64(1000), day))

	rec, err := store.ChargeQuota(context.Background(), day, 100, 1000)
	require.ErrorIs(t, err, discovery.ErrQuotaExceeded)
	require.Equal(t, int64(950), rec.UnitsUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeQuotaOversizedChargeNeverWrites(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT day, units_used").
		WithArgs(day).
		WillReturnRows(pgxmock.NewRows(quotaColumns))

	rec, err := store.ChargeQuota(context.Background(), day, 200, 100)
	require.ErrorIs(t, err, discovery.ErrQuotaExceeded)
	require.Equal(t, int64(100), rec.DailyLimit)
	require.Zero(t, rec.UnitsUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChargeQuotaStorageError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO quota_usage").
		WithArgs(anyArgs(3)...).
		WillReturnError(errors.New("connection reset"))

	_, err := store.ChargeQuota(context.Background(), time.Now(), 1, 10)
	var serr *discovery.StorageError
	require.ErrorAs(t, err, &serr)
	require.NotErrorIs(t, err, discovery.ErrQuotaExceeded)
}

func TestSearchCacheRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	key := discovery.CacheKey{Keyword: "giveaway", WindowStart: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	fetched := key.WindowStart.Add(time.Hour)

	mock.ExpectExec("INSERT INTO search_cache").
		WithArgs(key.Keyword, key.WindowStart, "", pgxmock.AnyArg(), fetched).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.PutSearchCache(context.Background(), discovery.SearchCacheEntry{
		Key:       key,
		Page:      discovery.SearchPage{Items: []discovery.SearchResult{{VideoID: "v1"}}},
		FetchedAt: fetched,
	}))

	mock.ExpectQuery("SELECT page, fetched_at FROM search_cache").
		WithArgs(key.Keyword, key.WindowStart, "").
		WillReturnRows(pgxmock.NewRows([]string{"page", "fetched_at"}).
			AddRow([]byte(`{"items":[{"video_id":"v1","channel_id":"","title":"","published_at":"0001-01-01T00:00:00Z"}],"next_page_token":"CAUQAA"}`), fetched))
	entry, err := store.GetSearchCache(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "v1", entry.Page.Items[0].VideoID)
	require.Equal(t, "CAUQAA", entry.Page.NextPageToken)

	mock.ExpectQuery("SELECT page, fetched_at FROM search_cache").
		WithArgs(key.Keyword, key.WindowStart, "next").
		WillReturnRows(pgxmock.NewRows([]string{"page", "fetched_at"}))
	_, err = store.GetSearchCache(context.Background(), discovery.CacheKey{Keyword: key.Keyword, WindowStart: key.WindowStart, PageToken: "next"})
	require.ErrorIs(t, err, discovery.ErrNotFound)

	mock.ExpectExec("DELETE FROM search_cache WHERE fetched_at").
		WithArgs(fetched).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	n, err := store.DeleteSearchCacheBefore(context.Background(), fetched)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	mock.ExpectExec("DELETE FROM search_cache").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.NoError(t, store.ClearSearchCache(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertVideoBatchCommits(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	videos := []discovery.Video{
		{ID: "v1", ChannelID: "c1", Title: "giveaway", IsContest: true, Score: 1, DiscoveredAt: now},
		{ID: "v2", ChannelID: "c1", Title: "vlog", DiscoveredAt: now},
	}
	gains := []discovery.ChannelGain{{ChannelID: "c1", Title: "Chan", Contests: 1}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO videos").WithArgs(anyArgs(18)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO videos").WithArgs(anyArgs(18)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO channels").
		WithArgs("c1", "Chan", int64(0), int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.InsertVideoBatch(context.Background(), videos, gains))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertVideoBatchRollsBackOnConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO videos").
		WithArgs(anyArgs(18)...).
		WillReturnError(errors.New(`duplicate key value violates unique constraint "videos_pkey"`))
	mock.ExpectRollback()

	err := store.InsertVideoBatch(context.Background(),
		[]discovery.Video{{ID: "v1", ChannelID: "c1", IsContest: true}},
		[]discovery.ChannelGain{{ChannelID: "c1", Contests: 1}},
	)
	var serr *discovery.StorageError
	require.ErrorAs(t, err, &serr)
	require.Contains(t, serr.Op, "v1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetVideosDecodesRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	published := now.Add(-time.Hour)
	cols := []string{
		"id", "channel_id", "channel_title", "title", "description", "tags", "published_at",
		"view_count", "like_count", "comment_count", "duration_seconds", "thumbnail_url",
		"is_contest", "score", "breakdown", "keyword", "run_id", "discovered_at",
	}
	mock.ExpectQuery("SELECT id, channel_id").
		WithArgs([]string{"v1", "v9"}).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"v1", "c1", "Chan", "Big giveaway", "", []byte(`["prize"]`), &published,
			int64(10), int64(2), int64(1), int64(300), "https://i/1.jpg",
			true, 1.0, []byte(`{"title":1,"description":0,"tags":0}`), "giveaway", "run-1", now,
		))

	videos, err := store.GetVideos(context.Background(), []string{"v1", "v9"})
	require.NoError(t, err)
	require.Len(t, videos, 1)
	require.Equal(t, []string{"prize"}, videos[0].Tags)
	require.True(t, videos[0].IsContest)
	require.Equal(t, 1.0, videos[0].Breakdown.Title)
	require.True(t, videos[0].PublishedAt.Equal(published))
	require.NoError(t, mock.ExpectationsWereMet())

	none, err := store.GetVideos(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	run := discovery.RunRecord{ID: "run-1", StartTime: start, Status: discovery.RunRunning, Settings: discovery.DefaultSettings()}

	mock.ExpectExec("INSERT INTO discovery_runs").
		WithArgs("run-1", start, "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.CreateRun(context.Background(), run))

	run.EndTime = &end
	run.Status = discovery.RunError
	run.QuotaUsed = 100
	run.Error = "quota exceeded"
	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs("run-1", &end, "error", int64(0), int64(0), int64(0), int64(0), int64(100), "quota exceeded").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.CompleteRun(context.Background(), run))

	mock.ExpectExec("UPDATE discovery_runs").
		WithArgs(anyArgs(9)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, store.CompleteRun(context.Background(), run), discovery.ErrNotFound)

	mock.ExpectQuery("SELECT id, start_time").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "start_time", "end_time", "status", "total_videos", "processed_videos",
			"found_contests", "api_requests", "quota_used", "error", "settings",
		}).AddRow("run-1", start, &end, "error", int64(0), int64(0), int64(0), int64(1), int64(100),
			"quota exceeded", []byte(`{"keywords":["giveaway"],"max_videos_per_run":10}`)))
	runs, err := store.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, discovery.RunError, runs[0].Status)
	require.Equal(t, []string{"giveaway"}, runs[0].Settings.Keywords)
	require.NotNil(t, runs[0].EndTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettingsAndCron(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM app_settings").
		WithArgs(settingsKey).
		WillReturnRows(pgxmock.NewRows([]string{"value"}))
	_, err := store.GetSettings(context.Background())
	require.ErrorIs(t, err, discovery.ErrNotFound)

	mock.ExpectExec("INSERT INTO app_settings").
		WithArgs(cronKey, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.PutCronConfig(context.Background(), discovery.DefaultCronConfig()))

	mock.ExpectQuery("SELECT value FROM app_settings").
		WithArgs(cronKey).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).
			AddRow([]byte(`{"enabled":true,"frequency":"weekly","time":"08:00","days":[1,3]}`)))
	cfg, err := store.GetCronConfig(context.Background())
	require.NoError(t, err)
	require.True(t, cfg.Enabled)
	require.Equal(t, []int{1, 3}, cfg.Days)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestChannelQueries(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT channel_id FROM channels").
		WithArgs([]string{"c1", "c2"}).
		WillReturnRows(pgxmock.NewRows([]string{"channel_id"}).AddRow("c2"))
	known, err := store.KnownChannels(context.Background(), []string{"c1", "c2"})
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"c2": true}, known)

	mock.ExpectQuery("SELECT count").
		WithArgs("c2").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(4)))
	n, err := store.CountContestVideos(context.Background(), "c2")
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	mock.ExpectQuery("SELECT channel_id, title").
		WithArgs("c9").
		WillReturnRows(pgxmock.NewRows([]string{"channel_id", "title", "subscriber_count", "contest_count", "updated_at"}))
	_, err = store.GetChannelAggregate(context.Background(), "c9")
	require.ErrorIs(t, err, discovery.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewWithPool(nil)
	require.Error(t, err)
}
