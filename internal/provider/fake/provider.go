// Package fake is a scripted in-memory discovery.Provider for tests and local runs.
package fake

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
)

// Provider serves search results from per-keyword video lists, paginating them
// by SearchQuery.MaxResults, and details from a video map.
type Provider struct {
	mu       sync.Mutex
	results  map[string][]discovery.SearchResult
	videos   map[string]discovery.VideoDetails
	channels map[string]discovery.ChannelInfo
	errs     map[string]error
	// gate, when set, is received from before every GetDetails call.
	gate chan struct{}

	searches     []discovery.SearchQuery
	detailCalls  [][]string
	channelCalls [][]string
}

var _ discovery.Provider = (*Provider)(nil)

// New returns an empty Provider.
func New() *Provider {
	return &Provider{
		results:  make(map[string][]discovery.SearchResult),
		videos:   make(map[string]discovery.VideoDetails),
		channels: make(map[string]discovery.ChannelInfo),
		errs:     make(map[string]error),
	}
}

// AddVideo registers v and makes it a search hit for keyword.
func (p *Provider) AddVideo(keyword string, v discovery.VideoDetails) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videos[v.ID] = v
	p.results[keyword] = append(p.results[keyword], discovery.SearchResult{
		VideoID:     v.ID,
		ChannelID:   v.ChannelID,
		Title:       v.Title,
		PublishedAt: v.PublishedAt,
	})
}

// AddChannel registers channel metadata.
func (p *Provider) AddChannel(info discovery.ChannelInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[info.ID] = info
}

// FailOn makes every call of op ("search", "details", "channel") return err.
func (p *Provider) FailOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[op] = err
}

// Gate blocks each GetDetails call until a value is received on the returned channel.
func (p *Provider) Gate() chan<- struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	return p.gate
}

// Search pages through the keyword's registered hits; page tokens are offsets.
func (p *Provider) Search(ctx context.Context, q discovery.SearchQuery) (discovery.SearchPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searches = append(p.searches, q)
	if err := p.errs["search"]; err != nil {
		return discovery.SearchPage{}, err
	}
	if err := ctx.Err(); err != nil {
		return discovery.SearchPage{}, err
	}
	offset := 0
	if q.PageToken != "" {
		n, err := strconv.Atoi(q.PageToken)
		if err != nil {
			return discovery.SearchPage{}, fmt.Errorf("bad page token %q", q.PageToken)
		}
		offset = n
	}
	all := p.results[q.Query]
	var page discovery.SearchPage
	if offset >= len(all) {
		return page, nil
	}
	end := min(offset+q.MaxResults, len(all))
	page.Items = append(page.Items, all[offset:end]...)
	if end < len(all) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// GetDetails returns registered videos among ids.
func (p *Provider) GetDetails(ctx context.Context, ids []string) ([]discovery.VideoDetails, error) {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.detailCalls = append(p.detailCalls, append([]string(nil), ids...))
	if err := p.errs["details"]; err != nil {
		return nil, err
	}
	out := make([]discovery.VideoDetails, 0, len(ids))
	for _, id := range ids {
		if v, ok := p.videos[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetChannels returns registered channels among ids.
func (p *Provider) GetChannels(_ context.Context, ids []string) ([]discovery.ChannelInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channelCalls = append(p.channelCalls, append([]string(nil), ids...))
	if err := p.errs["channel"]; err != nil {
		return nil, err
	}
	out := make([]discovery.ChannelInfo, 0, len(ids))
	for _, id := range ids {
		if c, ok := p.channels[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Searches returns the queries received so far.
func (p *Provider) Searches() []discovery.SearchQuery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]discovery.SearchQuery(nil), p.searches...)
}

// DetailCalls returns the id lists passed to GetDetails so far.
func (p *Provider) DetailCalls() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.detailCalls))
	copy(out, p.detailCalls)
	return out
}

// ChannelCalls returns the id lists passed to GetChannels so far.
func (p *Provider) ChannelCalls() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.channelCalls))
	copy(out, p.channelCalls)
	return out
}
