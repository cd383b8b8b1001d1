// Package searchcache stores search result pages keyed by normalized keyword,
// search window and page token, so repeated searches do not spend quota.
package searchcache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/logging"
	"github.com/JakeFAU/contest-discovery/internal/metrics"
)

// DefaultTTL is how long a cached page stays usable.
const DefaultTTL = 24 * time.Hour

// Cache is a TTL cache over a discovery.CacheStore.
type Cache struct {
	store   discovery.CacheStore
	clock   discovery.Clock
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New builds a Cache. A non-positive ttl selects DefaultTTL.
func New(store discovery.CacheStore, clock discovery.Clock, ttl time.Duration, m *metrics.Metrics, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   store,
		clock:   clock,
		ttl:     ttl,
		metrics: m,
		logger:  logging.OrNop(logger).Named("searchcache"),
	}
}

// NormalizeKeyword lower-cases the keyword, drops repeated words and rejoins
// the sorted remainder with single spaces, so word order and repeats do not
// change the key.
func NormalizeKeyword(keyword string) string {
	words := strings.Fields(strings.ToLower(keyword))
	slices.Sort(words)
	return strings.Join(slices.Compact(words), " ")
}

// Key builds the cache key: the keyword is lower-cased, split into words,
// deduplicated and sorted before rejoining, so "Giveaway iPhone" and
// "iphone giveaway giveaway" share an entry. The window start is kept in UTC
// and each page token gets its own entry.
func Key(keyword string, windowStart time.Time, pageToken string) discovery.CacheKey {
	return discovery.CacheKey{
		Keyword:     NormalizeKeyword(keyword),
		WindowStart: windowStart.UTC(),
		PageToken:   pageToken,
	}
}

// Lookup returns the cached page, if present and fresh. Stale entries are
// deleted and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, keyword string, windowStart time.Time, pageToken string) (discovery.SearchPage, bool, error) {
	key := Key(keyword, windowStart, pageToken)
	entry, err := c.store.GetSearchCache(ctx, key)
	if errors.Is(err, discovery.ErrNotFound) {
		c.metrics.ObserveCacheLookup(metrics.CacheMiss)
		return discovery.SearchPage{}, false, nil
	}
	if err != nil {
		return discovery.SearchPage{}, false, fmt.Errorf("lookup search cache: %w", err)
	}
	if c.clock.Now().Sub(entry.FetchedAt) >= c.ttl {
		c.metrics.ObserveCacheLookup(metrics.CacheExpired)
		if err := c.store.DeleteSearchCache(ctx, key); err != nil {
			return discovery.SearchPage{}, false, fmt.Errorf("evict search cache: %w", err)
		}
		c.logger.Debug("evicted stale search page", zap.String("keyword", key.Keyword))
		return discovery.SearchPage{}, false, nil
	}
	c.metrics.ObserveCacheLookup(metrics.CacheHit)
	return entry.Page, true, nil
}

// Store saves a freshly fetched page.
func (c *Cache) Store(ctx context.Context, keyword string, windowStart time.Time, pageToken string, page discovery.SearchPage) error {
	entry := discovery.SearchCacheEntry{
		Key:       Key(keyword, windowStart, pageToken),
		Page:      page,
		FetchedAt: c.clock.Now(),
	}
	if err := c.store.PutSearchCache(ctx, entry); err != nil {
		return fmt.Errorf("store search cache: %w", err)
	}
	return nil
}

// Clear drops every cached page.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.ClearSearchCache(ctx); err != nil {
		return fmt.Errorf("clear search cache: %w", err)
	}
	return nil
}

// Cleanup deletes every entry older than the TTL and returns how many were removed.
func (c *Cache) Cleanup(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteSearchCacheBefore(ctx, c.clock.Now().Add(-c.ttl))
	if err != nil {
		return 0, fmt.Errorf("cleanup search cache: %w", err)
	}
	c.metrics.ObserveCacheEvictions(n)
	return n, nil
}

// RunCleanupLoop calls Cleanup every interval until ctx is cancelled.
func (c *Cache) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Cleanup(ctx)
			if err != nil {
				c.logger.Warn("search cache cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				c.logger.Info("search cache cleanup", zap.Int64("evicted", n))
			}
		}
	}
}
