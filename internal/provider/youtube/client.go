// Package youtube implements discovery.Provider on the YouTube Data API v3.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/logging"
	"github.com/JakeFAU/contest-discovery/internal/metrics"
	"github.com/JakeFAU/contest-discovery/internal/provider/retry"
)

// MaxIDsPerRequest is the API's limit on ids in one videos/channels list call.
const MaxIDsPerRequest = 50

// Options configures a Client.
type Options struct {
	APIKey   string
	Endpoint string
	// HTTPClient replaces the transport entirely; APIKey is ignored when set.
	HTTPClient        *http.Client
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Policy            retry.Policy
	RegionCode        string
	RelevanceLanguage string
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
}

// Client calls the Data API with a per-call timeout, a shared rate limit and
// bounded retries for transient failures.
type Client struct {
	svc      *yt.Service
	limiter  *rate.Limiter
	policy   retry.Policy
	timeout  time.Duration
	region   string
	language string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

var _ discovery.Provider = (*Client)(nil)

// New builds a Client.
func New(ctx context.Context, opts Options) (*Client, error) {
	var clientOpts []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	case opts.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	case opts.Endpoint != "":
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	default:
		return nil, errors.New("youtube api key is required")
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := yt.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	policy := opts.Policy
	if policy == nil {
		policy = retry.NewExponentialPolicy(3, 0, 0)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		svc:      svc,
		limiter:  rate.NewLimiter(limit, burst),
		policy:   policy,
		timeout:  timeout,
		region:   opts.RegionCode,
		language: opts.RelevanceLanguage,
		metrics:  opts.Metrics,
		logger:   logging.OrNop(opts.Logger).Named("youtube"),
	}, nil
}

// Search runs one search.list call for videos published after the query window.
func (c *Client) Search(ctx context.Context, q discovery.SearchQuery) (discovery.SearchPage, error) {
	var resp *yt.SearchListResponse
	err := c.call(ctx, "search", func(ctx context.Context) error {
		call := c.svc.Search.List([]string{"id", "snippet"}).
			Q(q.Query).
			Type("video").
			Order("date").
			MaxResults(int64(q.MaxResults))
		if !q.PublishedAfter.IsZero() {
			call = call.PublishedAfter(q.PublishedAfter.UTC().Format(time.RFC3339))
		}
		if q.PageToken != "" {
			call = call.PageToken(q.PageToken)
		}
		if c.region != "" {
			call = call.RegionCode(c.region)
		}
		if c.language != "" {
			call = call.RelevanceLanguage(c.language)
		}
		var err error
		resp, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return discovery.SearchPage{}, err
	}

	page := discovery.SearchPage{NextPageToken: resp.NextPageToken}
	for _, item := range resp.Items {
		if item == nil || item.Id == nil || item.Id.VideoId == "" {
			continue
		}
		res := discovery.SearchResult{VideoID: item.Id.VideoId}
		if sn := item.Snippet; sn != nil {
			res.ChannelID = sn.ChannelId
			res.Title = sn.Title
			res.PublishedAt = parseTime(sn.PublishedAt)
		}
		page.Items = append(page.Items, res)
	}
	return page, nil
}

// GetDetails runs one videos.list call for at most MaxIDsPerRequest ids.
func (c *Client) GetDetails(ctx context.Context, ids []string) ([]discovery.VideoDetails, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxIDsPerRequest {
		return nil, fmt.Errorf("get details: %d ids exceeds limit of %d", len(ids), MaxIDsPerRequest)
	}
	var resp *yt.VideoListResponse
	err := c.call(ctx, "details", func(ctx context.Context) error {
		var err error
		resp, err = c.svc.Videos.List([]string{"snippet", "statistics", "contentDetails"}).
			Id(strings.Join(ids, ",")).
			MaxResults(int64(len(ids))).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]discovery.VideoDetails, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil {
			continue
		}
		out = append(out, c.toDetails(item))
	}
	return out, nil
}

// GetChannels runs one channels.list call for at most MaxIDsPerRequest ids.
func (c *Client) GetChannels(ctx context.Context, ids []string) ([]discovery.ChannelInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxIDsPerRequest {
		return nil, fmt.Errorf("get channels: %d ids exceeds limit of %d", len(ids), MaxIDsPerRequest)
	}
	var resp *yt.ChannelListResponse
	err := c.call(ctx, "channel", func(ctx context.Context) error {
		var err error
		resp, err = c.svc.Channels.List([]string{"snippet", "statistics"}).
			Id(strings.Join(ids, ",")).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]discovery.ChannelInfo, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil {
			continue
		}
		info := discovery.ChannelInfo{ID: item.Id}
		if item.Snippet != nil {
			info.Title = item.Snippet.Title
		}
		if st := item.Statistics; st != nil {
			info.SubscriberCount = int64(st.SubscriberCount)
			info.VideoCount = int64(st.VideoCount)
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) toDetails(item *yt.Video) discovery.VideoDetails {
	d := discovery.VideoDetails{ID: item.Id}
	if sn := item.Snippet; sn != nil {
		d.ChannelID = sn.ChannelId
		d.ChannelTitle = sn.ChannelTitle
		d.Title = sn.Title
		d.Description = sn.Description
		d.Tags = append([]string(nil), sn.Tags...)
		d.PublishedAt = parseTime(sn.PublishedAt)
		d.ThumbnailURL = thumbnailURL(sn.Thumbnails)
	}
	if st := item.Statistics; st != nil {
		d.ViewCount = int64(st.ViewCount)
		d.LikeCount = int64(st.LikeCount)
		d.CommentCount = int64(st.CommentCount)
	}
	if cd := item.ContentDetails; cd != nil {
		secs, err := ParseDuration(cd.Duration)
		if err != nil {
			c.logger.Debug("unparseable video duration", zap.String("video_id", item.Id), zap.Error(err))
		}
		d.DurationSeconds = secs
	}
	return d
}

func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for rate limiter: %w", err)
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return classifyError(op, fn(callCtx))
	}, func(attempt int, wait time.Duration, err error) {
		c.logger.Warn("retrying provider call",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	c.metrics.ObserveProviderCall(op, err, time.Since(start))
	return err
}

var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
}

var throttleReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		perr := &discovery.ProviderError{Op: op, StatusCode: gerr.Code, Err: err}
		for _, item := range gerr.Errors {
			if quotaReasons[item.Reason] {
				perr.Err = fmt.Errorf("%w: %s", discovery.ErrQuotaExceeded, gerr.Message)
				return perr
			}
			if throttleReasons[item.Reason] {
				perr.Transient = true
			}
		}
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError {
			perr.Transient = true
		}
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &discovery.ProviderError{Op: op, Transient: true, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &discovery.ProviderError{Op: op, Transient: netErr.Timeout(), Err: err}
	}
	return &discovery.ProviderError{Op: op, Err: err}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func thumbnailURL(th *yt.ThumbnailDetails) string {
	if th == nil {
		return ""
	}
	for _, t := range []*yt.Thumbnail{th.High, th.Medium, th.Default} {
		if t != nil && t.Url != "" {
			return t.Url
		}
	}
	return ""
}
