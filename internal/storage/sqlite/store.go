// Package sqlite provides a single-file discovery.Store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

const (
	settingsKey = "discovery_settings"
	cronKey     = "discovery_cron"

	dayLayout = "2006-01-02"
	// tsLayout is fixed width so text comparison orders timestamps.
	tsLayout = "2006-01-02T15:04:05.000000000Z"
)

// Store implements discovery.Store on SQLite. The schema is applied by the
// migrations package.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ discovery.Store = (*Store)(nil)

// New opens the database at path. All access goes through one connection, so
// every statement and transaction is serialized.
func New(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db.dsn is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

func wrap(op string, err error) error {
	return &discovery.StorageError{Op: op, Err: err}
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func fmtDay(t time.Time) string {
	return discovery.DayOf(t).Format(dayLayout)
}

// ChargeQuota adds units inside one transaction; the update is conditional on
// the new total staying within the row's limit.
func (s *Store) ChargeQuota(ctx context.Context, day time.Time, units, limit int64) (rec discovery.QuotaRecord, err error) {
	day = discovery.DayOf(day)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return discovery.QuotaRecord{}, wrap("begin quota charge", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := fmtTime(s.now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quota_usage (day, units_used, daily_limit, updated_at) VALUES (?, 0, ?, ?)
		 ON CONFLICT (day) DO NOTHING`,
		fmtDay(day), limit, now,
	); err != nil {
		return discovery.QuotaRecord{}, wrap("create quota row", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE quota_usage SET units_used = units_used + ?, updated_at = ?
		 WHERE day = ? AND units_used + ? <= daily_limit`,
		units, now, fmtDay(day), units,
	)
	if err != nil {
		return discovery.QuotaRecord{}, wrap("charge quota", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return discovery.QuotaRecord{}, wrap("charge quota", err)
	}
	rec, err = scanQuota(tx.QueryRowContext(ctx,
		`SELECT day, units_used, daily_limit, updated_at FROM quota_usage WHERE day = ?`, fmtDay(day)))
	if err != nil {
		return discovery.QuotaRecord{}, wrap("read quota", err)
	}
	if n == 0 {
		// Commit keeps a freshly created row so the day's limit is recorded.
		if cerr := tx.Commit(); cerr != nil {
			return discovery.QuotaRecord{}, wrap("commit quota charge", cerr)
		}
		return rec, discovery.ErrQuotaExceeded
	}
	if err := tx.Commit(); err != nil {
		return discovery.QuotaRecord{}, wrap("commit quota charge", err)
	}
	return rec, nil
}

func scanQuota(row *sql.Row) (discovery.QuotaRecord, error) {
	var (
		rec          discovery.QuotaRecord
		day, updated string
	)
	if err := row.Scan(&day, &rec.UnitsUsed, &rec.DailyLimit, &updated); err != nil {
		return discovery.QuotaRecord{}, err
	}
	var err error
	if rec.Date, err = time.Parse(dayLayout, day); err != nil {
		return discovery.QuotaRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return discovery.QuotaRecord{}, err
	}
	return rec, nil
}

// GetQuota returns the row for day.
func (s *Store) GetQuota(ctx context.Context, day time.Time) (discovery.QuotaRecord, error) {
	rec, err := scanQuota(s.db.QueryRowContext(ctx,
		`SELECT day, units_used, daily_limit, updated_at FROM quota_usage WHERE day = ?`, fmtDay(day)))
	if errors.Is(err, sql.ErrNoRows) {
		return discovery.QuotaRecord{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.QuotaRecord{}, wrap("get quota", err)
	}
	return rec, nil
}

// GetSearchCache returns the entry for key.
func (s *Store) GetSearchCache(ctx context.Context, key discovery.CacheKey) (discovery.SearchCacheEntry, error) {
	var raw, fetched string
	err := s.db.QueryRowContext(ctx,
		`SELECT page, fetched_at FROM search_cache WHERE keyword = ? AND window_start = ? AND page_token = ?`,
		key.Keyword, fmtTime(key.WindowStart), key.PageToken,
	).Scan(&raw, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return discovery.SearchCacheEntry{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.SearchCacheEntry{}, wrap("get search cache", err)
	}
	entry := discovery.SearchCacheEntry{Key: key}
	if err := json.Unmarshal([]byte(raw), &entry.Page); err != nil {
		return discovery.SearchCacheEntry{}, wrap("decode search cache", err)
	}
	if entry.FetchedAt, err = parseTime(fetched); err != nil {
		return discovery.SearchCacheEntry{}, wrap("decode search cache", err)
	}
	return entry, nil
}

// PutSearchCache upserts entry.
func (s *Store) PutSearchCache(ctx context.Context, entry discovery.SearchCacheEntry) error {
	raw, err := json.Marshal(entry.Page)
	if err != nil {
		return wrap("encode search cache", err)
	}
	k := entry.Key
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_cache (keyword, window_start, page_token, page, fetched_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (keyword, window_start, page_token) DO UPDATE SET page = excluded.page, fetched_at = excluded.fetched_at`,
		k.Keyword, fmtTime(k.WindowStart), k.PageToken, string(raw), fmtTime(entry.FetchedAt),
	)
	if err != nil {
		return wrap("put search cache", err)
	}
	return nil
}

// DeleteSearchCache removes the entry for key.
func (s *Store) DeleteSearchCache(ctx context.Context, key discovery.CacheKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM search_cache WHERE keyword = ? AND window_start = ? AND page_token = ?`,
		key.Keyword, fmtTime(key.WindowStart), key.PageToken,
	)
	if err != nil {
		return wrap("delete search cache", err)
	}
	return nil
}

// DeleteSearchCacheBefore removes entries fetched before cutoff.
func (s *Store) DeleteSearchCacheBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM search_cache WHERE fetched_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, wrap("expire search cache", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("expire search cache", err)
	}
	return n, nil
}

// ClearSearchCache removes every entry.
func (s *Store) ClearSearchCache(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM search_cache`); err != nil {
		return wrap("clear search cache", err)
	}
	return nil
}

const videoColumns = `id, channel_id, channel_title, title, description, tags, published_at,
view_count, like_count, comment_count, duration_seconds, thumbnail_url,
is_contest, score, breakdown, keyword, run_id, discovered_at`

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// GetVideos returns the stored rows among ids.
func (s *Store) GetVideos(ctx context.Context, ids []string) ([]discovery.Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, wrap("get videos", err)
	}
	defer rows.Close()

	var out []discovery.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, wrap("scan video", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("get videos", err)
	}
	return out, nil
}

func scanVideo(rows *sql.Rows) (discovery.Video, error) {
	var (
		v                           discovery.Video
		tags, breakdown, discovered string
		published                   sql.NullString
	)
	if err := rows.Scan(
		&v.ID, &v.ChannelID, &v.ChannelTitle, &v.Title, &v.Description, &tags, &published,
		&v.ViewCount, &v.LikeCount, &v.CommentCount, &v.DurationSeconds, &v.ThumbnailURL,
		&v.IsContest, &v.Score, &breakdown, &v.Keyword, &v.RunID, &discovered,
	); err != nil {
		return discovery.Video{}, err
	}
	var err error
	if published.Valid {
		if v.PublishedAt, err = parseTime(published.String); err != nil {
			return discovery.Video{}, err
		}
	}
	if v.DiscoveredAt, err = parseTime(discovered); err != nil {
		return discovery.Video{}, err
	}
	if err := json.Unmarshal([]byte(tags), &v.Tags); err != nil {
		return discovery.Video{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(breakdown), &v.Breakdown); err != nil {
		return discovery.Video{}, fmt.Errorf("decode breakdown: %w", err)
	}
	return v, nil
}

// InsertVideoBatch inserts videos and applies channel gains in one transaction.
func (s *Store) InsertVideoBatch(ctx context.Context, videos []discovery.Video, gains []discovery.ChannelGain) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin video batch", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insert, err := tx.PrepareContext(ctx, `INSERT INTO videos (`+videoColumns+`)
VALUES (`+placeholders(18)+`)`)
	if err != nil {
		return wrap("prepare video insert", err)
	}
	defer insert.Close()
	for _, v := range videos {
		args, err := videoArgs(v)
		if err != nil {
			return wrap("encode video", err)
		}
		if _, err := insert.ExecContext(ctx, args...); err != nil {
			return wrap("insert video "+v.ID, err)
		}
	}

	now := fmtTime(s.now())
	for _, g := range gains {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO channels (channel_id, title, subscriber_count, contest_count, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (channel_id) DO UPDATE SET
			   contest_count = channels.contest_count + excluded.contest_count,
			   title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE channels.title END,
			   subscriber_count = MAX(channels.subscriber_count, excluded.subscriber_count),
			   updated_at = excluded.updated_at`,
			g.ChannelID, g.Title, g.SubscriberCount, g.Contests, now,
		)
		if err != nil {
			return wrap("upsert channel "+g.ChannelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit video batch", err)
	}
	return nil
}

func videoArgs(v discovery.Video) ([]any, error) {
	tags := v.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	breakdownJSON, err := json.Marshal(v.Breakdown)
	if err != nil {
		return nil, err
	}
	var published sql.NullString
	if !v.PublishedAt.IsZero() {
		published = sql.NullString{String: fmtTime(v.PublishedAt), Valid: true}
	}
	return []any{
		v.ID, v.ChannelID, v.ChannelTitle, v.Title, v.Description, string(tagsJSON), published,
		v.ViewCount, v.LikeCount, v.CommentCount, v.DurationSeconds, v.ThumbnailURL,
		v.IsContest, v.Score, string(breakdownJSON), v.Keyword, v.RunID, fmtTime(v.DiscoveredAt),
	}, nil
}

// KnownChannels returns the subset of ids with an aggregate row.
func (s *Store) KnownChannels(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM channels WHERE channel_id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, wrap("known channels", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scan channel", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("known channels", err)
	}
	return out, nil
}

// GetChannelAggregate returns the aggregate row for channelID.
func (s *Store) GetChannelAggregate(ctx context.Context, channelID string) (discovery.ChannelAggregate, error) {
	var (
		agg     discovery.ChannelAggregate
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, title, subscriber_count, contest_count, updated_at FROM channels WHERE channel_id = ?`,
		channelID,
	).Scan(&agg.ChannelID, &agg.Title, &agg.SubscriberCount, &agg.ContestCount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return discovery.ChannelAggregate{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.ChannelAggregate{}, wrap("get channel", err)
	}
	if agg.UpdatedAt, err = parseTime(updated); err != nil {
		return discovery.ChannelAggregate{}, wrap("decode channel", err)
	}
	return agg, nil
}

// CountContestVideos counts stored contest videos for channelID.
func (s *Store) CountContestVideos(ctx context.Context, channelID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM videos WHERE channel_id = ? AND is_contest = 1`, channelID).Scan(&n)
	if err != nil {
		return 0, wrap("count contest videos", err)
	}
	return n, nil
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run discovery.RunRecord) error {
	settings, err := json.Marshal(run.Settings)
	if err != nil {
		return wrap("encode run settings", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO discovery_runs (id, start_time, status, settings) VALUES (?, ?, ?, ?)`,
		run.ID, fmtTime(run.StartTime), string(run.Status), string(settings),
	)
	if err != nil {
		return wrap("create run", err)
	}
	return nil
}

// CompleteRun writes the terminal fields of an open run.
func (s *Store) CompleteRun(ctx context.Context, run discovery.RunRecord) error {
	var end sql.NullString
	if run.EndTime != nil {
		end = sql.NullString{String: fmtTime(*run.EndTime), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE discovery_runs
		 SET end_time = ?, status = ?, total_videos = ?, processed_videos = ?,
		     found_contests = ?, api_requests = ?, quota_used = ?, error = ?
		 WHERE id = ? AND end_time IS NULL`,
		end, string(run.Status), run.TotalVideos, run.ProcessedVideos,
		run.FoundContests, run.APIRequests, run.QuotaUsed, run.Error, run.ID,
	)
	if err != nil {
		return wrap("complete run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("complete run", err)
	}
	if n == 0 {
		return fmt.Errorf("complete run %s: %w", run.ID, discovery.ErrNotFound)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]discovery.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, start_time, end_time, status, total_videos, processed_videos,
		        found_contests, api_requests, quota_used, error, settings
		 FROM discovery_runs ORDER BY start_time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("list runs", err)
	}
	defer rows.Close()

	var out []discovery.RunRecord
	for rows.Next() {
		var (
			r                       discovery.RunRecord
			start, status, settings string
			end                     sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &start, &end, &status, &r.TotalVideos, &r.ProcessedVideos,
			&r.FoundContests, &r.APIRequests, &r.QuotaUsed, &r.Error, &settings,
		); err != nil {
			return nil, wrap("scan run", err)
		}
		if r.StartTime, err = parseTime(start); err != nil {
			return nil, wrap("decode run", err)
		}
		if end.Valid {
			t, err := parseTime(end.String)
			if err != nil {
				return nil, wrap("decode run", err)
			}
			r.EndTime = &t
		}
		r.Status = discovery.RunStatus(status)
		if err := json.Unmarshal([]byte(settings), &r.Settings); err != nil {
			return nil, wrap("decode run settings", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list runs", err)
	}
	return out, nil
}

// GetSettings returns the saved settings or ErrNotFound.
func (s *Store) GetSettings(ctx context.Context) (discovery.Settings, error) {
	var out discovery.Settings
	err := s.getJSON(ctx, settingsKey, &out)
	return out, err
}

// PutSettings replaces the saved settings.
func (s *Store) PutSettings(ctx context.Context, settings discovery.Settings) error {
	return s.putJSON(ctx, settingsKey, settings)
}

// GetCronConfig returns the saved schedule or ErrNotFound.
func (s *Store) GetCronConfig(ctx context.Context) (discovery.CronConfig, error) {
	var out discovery.CronConfig
	err := s.getJSON(ctx, cronKey, &out)
	return out, err
}

// PutCronConfig replaces the saved schedule.
func (s *Store) PutCronConfig(ctx context.Context, cfg discovery.CronConfig) error {
	return s.putJSON(ctx, cronKey, cfg)
}

func (s *Store) getJSON(ctx context.Context, name string, dst any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return discovery.ErrNotFound
	}
	if err != nil {
		return wrap("get "+name, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return wrap("decode "+name, err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return wrap("encode "+name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO app_settings (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		name, string(raw), fmtTime(s.now()),
	)
	if err != nil {
		return wrap("put "+name, err)
	}
	return nil
}
