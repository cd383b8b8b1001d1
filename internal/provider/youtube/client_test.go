package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/provider/retry"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(context.Background(), Options{
		Endpoint:   srv.URL + "/",
		HTTPClient: srv.Client(),
		Timeout:    2 * time.Second,
		Policy:     retry.NewExponentialPolicy(2, time.Millisecond, 2*time.Millisecond),
	})
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func apiError(code int, reason string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": "request failed",
			"errors":  []map[string]any{{"reason": reason, "domain": "youtube", "message": "request failed"}},
		},
	}
}

func TestSearchMapsResults(t *testing.T) {
	t.Parallel()

	after := time.Date(2024, 2, 23, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/youtube/v3/search", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "конкурс", q.Get("q"))
		require.Equal(t, "video", q.Get("type"))
		require.Equal(t, "25", q.Get("maxResults"))
		require.Equal(t, "tok-1", q.Get("pageToken"))
		require.Equal(t, after.Format(time.RFC3339), q.Get("publishedAfter"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"nextPageToken": "tok-2",
			"items": []map[string]any{
				{
					"id":      map[string]any{"kind": "youtube#video", "videoId": "vid1"},
					"snippet": map[string]any{"channelId": "ch1", "title": "Большой конкурс", "publishedAt": "2024-02-25T10:00:00Z"},
				},
				{"id": map[string]any{"kind": "youtube#channel", "channelId": "ch9"}},
			},
		})
	}))

	page, err := c.Search(context.Background(), discovery.SearchQuery{
		Query:          "конкурс",
		PublishedAfter: after,
		MaxResults:     25,
		PageToken:      "tok-1",
	})
	require.NoError(t, err)
	require.Equal(t, "tok-2", page.NextPageToken)
	require.Len(t, page.Items, 1)
	require.Equal(t, discovery.SearchResult{
		VideoID:     "vid1",
		ChannelID:   "ch1",
		Title:       "Большой конкурс",
		PublishedAt: time.Date(2024, 2, 25, 10, 0, 0, 0, time.UTC),
	}, page.Items[0])
}

func TestGetDetailsMapsVideos(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/youtube/v3/videos", r.URL.Path)
		require.Equal(t, "a,b", r.URL.Query().Get("id"))
		writeJSON(t, w, http.StatusOK, map[string]any{
			"items": []map[string]any{{
				"id": "a",
				"snippet": map[string]any{
					"channelId":    "ch1",
					"channelTitle": "Channel One",
					"title":        "Giveaway",
					"description":  "win",
					"tags":         []string{"giveaway"},
					"publishedAt":  "2024-02-25T10:00:00Z",
					"thumbnails":   map[string]any{"high": map[string]any{"url": "https://img/high.jpg"}},
				},
				"statistics":     map[string]any{"viewCount": "1200", "likeCount": "30", "commentCount": "4"},
				"contentDetails": map[string]any{"duration": "PT4M5S"},
			}},
		})
	}))

	got, err := c.GetDetails(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	d := got[0]
	require.Equal(t, "ch1", d.ChannelID)
	require.Equal(t, "Channel One", d.ChannelTitle)
	require.Equal(t, []string{"giveaway"}, d.Tags)
	require.Equal(t, int64(1200), d.ViewCount)
	require.Equal(t, int64(30), d.LikeCount)
	require.Equal(t, int64(4), d.CommentCount)
	require.Equal(t, int64(245), d.DurationSeconds)
	require.Equal(t, "https://img/high.jpg", d.ThumbnailURL)
}

func TestGetDetailsRejectsOversizedBatch(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFoundHandler())
	ids := make([]string, MaxIDsPerRequest+1)
	_, err := c.GetDetails(context.Background(), ids)
	require.Error(t, err)

	got, err := c.GetDetails(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetChannels(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/youtube/v3/channels", r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]any{
			"items": []map[string]any{{
				"id":         "ch1",
				"snippet":    map[string]any{"title": "Channel One"},
				"statistics": map[string]any{"subscriberCount": "5000", "videoCount": "12"},
			}},
		})
	}))

	got, err := c.GetChannels(context.Background(), []string{"ch1"})
	require.NoError(t, err)
	require.Equal(t, []discovery.ChannelInfo{{ID: "ch1", Title: "Channel One", SubscriberCount: 5000, VideoCount: 12}}, got)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(t, w, http.StatusServiceUnavailable, apiError(503, "backendError"))
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"items": []any{}})
	}))

	page, err := c.Search(context.Background(), discovery.SearchQuery{Query: "x", MaxResults: 5})
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.Equal(t, int32(3), calls.Load())
}

func TestQuotaErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusForbidden, apiError(403, "quotaExceeded"))
	}))

	_, err := c.Search(context.Background(), discovery.SearchQuery{Query: "x", MaxResults: 5})
	require.ErrorIs(t, err, discovery.ErrQuotaExceeded)
	var perr *discovery.ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusForbidden, perr.StatusCode)
	require.Equal(t, int32(1), calls.Load())
}

func TestPermanentErrorsSurface(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(t, w, http.StatusBadRequest, apiError(400, "invalidParameter"))
	}))

	_, err := c.GetDetails(context.Background(), []string{"a"})
	var perr *discovery.ProviderError
	require.ErrorAs(t, err, &perr)
	require.False(t, perr.Transient)
	require.Equal(t, int32(1), calls.Load())
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	require.NoError(t, classifyError("search", nil))
	require.ErrorIs(t, classifyError("search", context.Canceled), context.Canceled)

	err := classifyError("search", context.DeadlineExceeded)
	require.True(t, discovery.IsTransient(err))

	err = classifyError("search", errors.New("weird"))
	require.False(t, discovery.IsTransient(err))
}
