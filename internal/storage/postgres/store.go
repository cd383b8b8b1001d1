// Package postgres provides the Postgres-backed discovery.Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

const (
	settingsKey = "discovery_settings"
	cronKey     = "discovery_cron"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements discovery.Store on Postgres.
type Store struct {
	pool Pool
}

var _ discovery.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func wrap(op string, err error) error {
	return &discovery.StorageError{Op: op, Err: err}
}

// ChargeQuota adds units with a conditional upsert so the limit holds across
// processes: the update only applies when the new total stays within the row's
// limit, and no row comes back otherwise.
func (s *Store) ChargeQuota(ctx context.Context, day time.Time, units, limit int64) (discovery.QuotaRecord, error) {
	day = discovery.DayOf(day)
	if units > limit {
		return s.rejectedCharge(ctx, day, limit)
	}
	const query = `
INSERT INTO quota_usage (day, units_used, daily_limit, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (day) DO UPDATE
SET units_used = quota_usage.units_used + EXCLUDED.units_used,
	updated_at = now()
WHERE quota_usage.units_used + EXCLUDED.units_used <= quota_usage.daily_limit
RETURNING day, units_used, daily_limit, updated_at`

	var rec discovery.QuotaRecord
	err := s.pool.QueryRow(ctx, query, day, units, limit).
		Scan(&rec.Date, &rec.UnitsUsed, &rec.DailyLimit, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.rejectedCharge(ctx, day, limit)
	}
	if err != nil {
		return discovery.QuotaRecord{}, wrap("charge quota", err)
	}
	rec.Date = rec.Date.UTC()
	return rec, nil
}

func (s *Store) rejectedCharge(ctx context.Context, day time.Time, limit int64) (discovery.QuotaRecord, error) {
	rec, err := s.GetQuota(ctx, day)
	if errors.Is(err, discovery.ErrNotFound) {
		return discovery.QuotaRecord{Date: day, DailyLimit: limit}, discovery.ErrQuotaExceeded
	}
	if err != nil {
		return discovery.QuotaRecord{}, err
	}
	return rec, discovery.ErrQuotaExceeded
}

// GetQuota returns the row for day.
func (s *Store) GetQuota(ctx context.Context, day time.Time) (discovery.QuotaRecord, error) {
	const query = `SELECT day, units_used, daily_limit, updated_at FROM quota_usage WHERE day = $1`
	var rec discovery.QuotaRecord
	err := s.pool.QueryRow(ctx, query, discovery.DayOf(day)).
		Scan(&rec.Date, &rec.UnitsUsed, &rec.DailyLimit, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.QuotaRecord{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.QuotaRecord{}, wrap("get quota", err)
	}
	rec.Date = rec.Date.UTC()
	return rec, nil
}

// GetSearchCache returns the entry for key.
func (s *Store) GetSearchCache(ctx context.Context, key discovery.CacheKey) (discovery.SearchCacheEntry, error) {
	const query = `
SELECT page, fetched_at FROM search_cache
WHERE keyword = $1 AND window_start = $2 AND page_token = $3`
	var (
		raw   []byte
		entry = discovery.SearchCacheEntry{Key: key}
	)
	err := s.pool.QueryRow(ctx, query, key.Keyword, key.WindowStart, key.PageToken).Scan(&raw, &entry.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.SearchCacheEntry{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.SearchCacheEntry{}, wrap("get search cache", err)
	}
	if err := json.Unmarshal(raw, &entry.Page); err != nil {
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
	const query = `
INSERT INTO search_cache (keyword, window_start, page_token, page, fetched_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (keyword, window_start, page_token) DO UPDATE
SET page = EXCLUDED.page, fetched_at = EXCLUDED.fetched_at`
	k := entry.Key
	if _, err := s.pool.Exec(ctx, query, k.Keyword, k.WindowStart, k.PageToken, raw, entry.FetchedAt); err != nil {
		return wrap("put search cache", err)
	}
	return nil
}

// DeleteSearchCache removes the entry for key.
func (s *Store) DeleteSearchCache(ctx context.Context, key discovery.CacheKey) error {
	const query = `DELETE FROM search_cache WHERE keyword = $1 AND window_start = $2 AND page_token = $3`
	if _, err := s.pool.Exec(ctx, query, key.Keyword, key.WindowStart, key.PageToken); err != nil {
		return wrap("delete search cache", err)
	}
	return nil
}

// DeleteSearchCacheBefore removes entries fetched before cutoff.
func (s *Store) DeleteSearchCacheBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM search_cache WHERE fetched_at < $1`, cutoff)
	if err != nil {
		return 0, wrap("expire search cache", err)
	}
	return tag.RowsAffected(), nil
}

// ClearSearchCache removes every entry.
func (s *Store) ClearSearchCache(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM search_cache`); err != nil {
		return wrap("clear search cache", err)
	}
	return nil
}

const videoColumns = `id, channel_id, channel_title, title, description, tags, published_at,
view_count, like_count, comment_count, duration_seconds, thumbnail_url,
is_contest, score, breakdown, keyword, run_id, discovered_at`

// GetVideos returns the stored rows among ids.
func (s *Store) GetVideos(ctx context.Context, ids []string) ([]discovery.Video, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ANY($1)`, ids)
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

func scanVideo(row pgx.Row) (discovery.Video, error) {
	var (
		v         discovery.Video
		tags      []byte
		breakdown []byte
		published *time.Time
	)
	if err := row.Scan(
		&v.ID, &v.ChannelID, &v.ChannelTitle, &v.Title, &v.Description, &tags, &published,
		&v.ViewCount, &v.LikeCount, &v.CommentCount, &v.DurationSeconds, &v.ThumbnailURL,
		&v.IsContest, &v.Score, &breakdown, &v.Keyword, &v.RunID, &v.DiscoveredAt,
	); err != nil {
		return discovery.Video{}, err
	}
	if published != nil {
		v.PublishedAt = published.UTC()
	}
	if err := json.Unmarshal(tags, &v.Tags); err != nil {
		return discovery.Video{}, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(breakdown, &v.Breakdown); err != nil {
		return discovery.Video{}, fmt.Errorf("decode breakdown: %w", err)
	}
	return v, nil
}

// InsertVideoBatch inserts videos and applies channel gains in one transaction.
// A duplicate id violates the primary key and rolls the whole batch back.
func (s *Store) InsertVideoBatch(ctx context.Context, videos []discovery.Video, gains []discovery.ChannelGain) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrap("begin video batch", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	const insertVideo = `INSERT INTO videos (` + videoColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`
	for _, v := range videos {
		args, err := videoArgs(v)
		if err != nil {
			return wrap("encode video", err)
		}
		if _, err := tx.Exec(ctx, insertVideo, args...); err != nil {
			return wrap("insert video "+v.ID, err)
		}
	}

	const upsertChannel = `
INSERT INTO channels (channel_id, title, subscriber_count, contest_count, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (channel_id) DO UPDATE
SET contest_count = channels.contest_count + EXCLUDED.contest_count,
	title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE channels.title END,
	subscriber_count = GREATEST(channels.subscriber_count, EXCLUDED.subscriber_count),
	updated_at = now()`
	for _, g := range gains {
		if _, err := tx.Exec(ctx, upsertChannel, g.ChannelID, g.Title, g.SubscriberCount, g.Contests); err != nil {
			return wrap("upsert channel "+g.ChannelID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
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
	var published *time.Time
	if !v.PublishedAt.IsZero() {
		published = &v.PublishedAt
	}
	return []any{
		v.ID, v.ChannelID, v.ChannelTitle, v.Title, v.Description, tagsJSON, published,
		v.ViewCount, v.LikeCount, v.CommentCount, v.DurationSeconds, v.ThumbnailURL,
		v.IsContest, v.Score, breakdownJSON, v.Keyword, v.RunID, v.DiscoveredAt,
	}, nil
}

// KnownChannels returns the subset of ids with an aggregate row.
func (s *Store) KnownChannels(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT channel_id FROM channels WHERE channel_id = ANY($1)`, ids)
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
	const query = `
SELECT channel_id, title, subscriber_count, contest_count, updated_at
FROM channels WHERE channel_id = $1`
	var agg discovery.ChannelAggregate
	err := s.pool.QueryRow(ctx, query, channelID).
		Scan(&agg.ChannelID, &agg.Title, &agg.SubscriberCount, &agg.ContestCount, &agg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.ChannelAggregate{}, discovery.ErrNotFound
	}
	if err != nil {
		return discovery.ChannelAggregate{}, wrap("get channel", err)
	}
	return agg, nil
}

// CountContestVideos counts stored contest videos for channelID.
func (s *Store) CountContestVideos(ctx context.Context, channelID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM videos WHERE channel_id = $1 AND is_contest`, channelID).Scan(&n)
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
	const query = `INSERT INTO discovery_runs (id, start_time, status, settings) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, query, run.ID, run.StartTime, string(run.Status), settings); err != nil {
		return wrap("create run", err)
	}
	return nil
}

// CompleteRun writes the terminal fields. It only matches an open run, so a
// run can be closed once.
func (s *Store) CompleteRun(ctx context.Context, run discovery.RunRecord) error {
	const query = `
UPDATE discovery_runs
SET end_time = $2, status = $3, total_videos = $4, processed_videos = $5,
	found_contests = $6, api_requests = $7, quota_used = $8, error = $9
WHERE id = $1 AND end_time IS NULL`
	tag, err := s.pool.Exec(ctx, query,
		run.ID, run.EndTime, string(run.Status),
		run.TotalVideos, run.ProcessedVideos, run.FoundContests, run.APIRequests, run.QuotaUsed,
		run.Error,
	)
	if err != nil {
		return wrap("complete run", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", run.ID, discovery.ErrNotFound)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]discovery.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
SELECT id, start_time, end_time, status, total_videos, processed_videos,
	found_contests, api_requests, quota_used, error, settings
FROM discovery_runs ORDER BY start_time DESC, id DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, wrap("list runs", err)
	}
	defer rows.Close()

	var out []discovery.RunRecord
	for rows.Next() {
		var (
			r        discovery.RunRecord
			status   string
			settings []byte
		)
		if err := rows.Scan(
			&r.ID, &r.StartTime, &r.EndTime, &status, &r.TotalVideos, &r.ProcessedVideos,
			&r.FoundContests, &r.APIRequests, &r.QuotaUsed, &r.Error, &settings,
		); err != nil {
			return nil, wrap("scan run", err)
		}
		r.Status = discovery.RunStatus(status)
		if err := json.Unmarshal(settings, &r.Settings); err != nil {
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
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM app_settings WHERE name = $1`, name).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return discovery.ErrNotFound
	}
	if err != nil {
		return wrap("get "+name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return wrap("decode "+name, err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return wrap("encode "+name, err)
	}
	const query = `
INSERT INTO app_settings (name, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.pool.Exec(ctx, query, name, raw); err != nil {
		return wrap("put "+name, err)
	}
	return nil
}
