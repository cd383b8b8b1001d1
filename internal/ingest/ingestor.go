// Package ingest turns search candidates into stored, classified videos.
// Each batch is deduplicated against storage, charged for, classified and
// persisted in a single transaction together with channel aggregate updates.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/classifier"
	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/logging"
)

// DefaultChunkSize matches the provider's per-request id limit.
const DefaultChunkSize = 50

// Charger consumes quota before a provider call. *quota.Governor satisfies it.
type Charger interface {
	ChargeN(ctx context.Context, op discovery.Operation, n int) (int64, error)
}

// Options tunes an Ingestor.
type Options struct {
	// Vocabulary is the contest keyword set handed to the classifier.
	Vocabulary       []string
	DetailsChunkSize int
	FetchChannels    bool
	Clock            discovery.Clock
	Logger           *zap.Logger
}

// Ingestor processes candidate batches.
type Ingestor struct {
	store         discovery.VideoStore
	provider      discovery.Provider
	quota         Charger
	vocabulary    []string
	chunkSize     int
	fetchChannels bool
	clock         discovery.Clock
	logger        *zap.Logger
}

// Batch is one group of candidates processed together.
type Batch struct {
	RunID      string
	Candidates []discovery.Candidate
	Settings   discovery.Settings
}

// BatchResult reports what a batch did. Videos holds the stored rows for every
// candidate: those already present plus those inserted by this batch.
type BatchResult struct {
	Videos      []discovery.Video
	Existing    int
	Inserted    int
	Filtered    int
	Missing     int
	Contests    int
	APIRequests int
	QuotaUsed   int64
}

// spendOnly keeps the calls made and quota spent by a batch that failed
// before anything was persisted.
func (r BatchResult) spendOnly() BatchResult {
	return BatchResult{APIRequests: r.APIRequests, QuotaUsed: r.QuotaUsed}
}

// Processed is the number of new ids whose details were fetched.
func (r BatchResult) Processed() int {
	return r.Inserted + r.Filtered + r.Missing
}

// New builds an Ingestor.
func New(store discovery.VideoStore, provider discovery.Provider, charger Charger, opts Options) (*Ingestor, error) {
	if store == nil || provider == nil || charger == nil {
		return nil, errors.New("ingestor requires a store, provider and charger")
	}
	if opts.Clock == nil {
		return nil, errors.New("ingestor requires a clock")
	}
	chunk := opts.DetailsChunkSize
	if chunk <= 0 || chunk > DefaultChunkSize {
		chunk = DefaultChunkSize
	}
	return &Ingestor{
		store:         store,
		provider:      provider,
		quota:         charger,
		vocabulary:    append([]string(nil), opts.Vocabulary...),
		chunkSize:     chunk,
		fetchChannels: opts.FetchChannels,
		clock:         opts.Clock,
		logger:        logging.OrNop(opts.Logger).Named("ingest"),
	}, nil
}

// Process ingests one batch. On error nothing from the batch is persisted; the
// returned result still reports requests made and quota spent so far.
func (i *Ingestor) Process(ctx context.Context, batch Batch) (BatchResult, error) {
	var res BatchResult
	ids, byID := uniqueCandidates(batch.Candidates)
	if len(ids) == 0 {
		return res, nil
	}

	existing, err := i.store.GetVideos(ctx, ids)
	if err != nil {
		return res, storageError("load existing videos", err)
	}
	stored := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		stored[v.ID] = struct{}{}
	}
	newIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := stored[id]; !ok {
			newIDs = append(newIDs, id)
		}
	}
	res.Existing = len(existing)
	res.Videos = append(res.Videos, existing...)

	if len(newIDs) > 0 {
		details, err := i.fetchDetails(ctx, newIDs, &res)
		if err != nil {
			return res.spendOnly(), err
		}
		videos := i.classify(batch, byID, details, &res)
		res.Missing = len(newIDs) - len(details)

		gains := channelGains(videos)
		if i.fetchChannels && len(gains) > 0 {
			if err := i.enrichChannels(ctx, gains, &res); err != nil {
				return res.spendOnly(), err
			}
		}
		if len(videos) > 0 {
			if err := i.store.InsertVideoBatch(ctx, videos, gains); err != nil {
				return res.spendOnly(), storageError("insert video batch", err)
			}
		}
		res.Inserted = len(videos)
		res.Videos = append(res.Videos, videos...)
	}

	for _, v := range res.Videos {
		if v.IsContest {
			res.Contests++
		}
	}
	i.logger.Debug("batch ingested",
		zap.String("run_id", batch.RunID),
		zap.Int("candidates", len(ids)),
		zap.Int("existing", res.Existing),
		zap.Int("inserted", res.Inserted),
		zap.Int("filtered", res.Filtered),
		zap.Int("contests", res.Contests),
	)
	return res, nil
}

// fetchDetails charges once for every new id, then fetches in chunks.
func (i *Ingestor) fetchDetails(ctx context.Context, ids []string, res *BatchResult) ([]discovery.VideoDetails, error) {
	units, err := i.quota.ChargeN(ctx, discovery.OpDetails, len(ids))
	if err != nil {
		return nil, err
	}
	res.QuotaUsed += units

	out := make([]discovery.VideoDetails, 0, len(ids))
	for start := 0; start < len(ids); start += i.chunkSize {
		end := min(start+i.chunkSize, len(ids))
		res.APIRequests++
		details, err := i.provider.GetDetails(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("fetch video details: %w", err)
		}
		out = append(out, details...)
	}
	return out, nil
}

func (i *Ingestor) classify(batch Batch, byID map[string]discovery.Candidate, details []discovery.VideoDetails, res *BatchResult) []discovery.Video {
	c := classifier.New(classifier.ConfigFrom(i.vocabulary, batch.Settings))
	now := i.clock.Now()
	videos := make([]discovery.Video, 0, len(details))
	seen := make(map[string]struct{}, len(details))
	for _, d := range details {
		cand, ok := byID[d.ID]
		if !ok {
			continue
		}
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		if !passesFilters(batch.Settings, d) {
			res.Filtered++
			continue
		}
		cls := c.Classify(d)
		if d.ChannelID == "" {
			d.ChannelID = cand.ChannelID
		}
		videos = append(videos, discovery.Video{
			ID:              d.ID,
			ChannelID:       d.ChannelID,
			ChannelTitle:    d.ChannelTitle,
			Title:           d.Title,
			Description:     d.Description,
			Tags:            d.Tags,
			PublishedAt:     d.PublishedAt,
			ViewCount:       d.ViewCount,
			LikeCount:       d.LikeCount,
			CommentCount:    d.CommentCount,
			DurationSeconds: d.DurationSeconds,
			ThumbnailURL:    d.ThumbnailURL,
			IsContest:       cls.IsContest,
			Score:           cls.Score,
			Breakdown:       cls.Breakdown,
			Keyword:         cand.Keyword,
			RunID:           batch.RunID,
			DiscoveredAt:    now,
		})
	}
	return videos
}

// enrichChannels fetches metadata for channels that have no aggregate row yet.
func (i *Ingestor) enrichChannels(ctx context.Context, gains []discovery.ChannelGain, res *BatchResult) error {
	ids := make([]string, 0, len(gains))
	for _, g := range gains {
		ids = append(ids, g.ChannelID)
	}
	known, err := i.store.KnownChannels(ctx, ids)
	if err != nil {
		return storageError("load known channels", err)
	}
	unknown := make([]string, 0, len(ids))
	for _, id := range ids {
		if !known[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	units, err := i.quota.ChargeN(ctx, discovery.OpChannel, len(unknown))
	if err != nil {
		return err
	}
	res.QuotaUsed += units

	infos := make(map[string]discovery.ChannelInfo, len(unknown))
	for start := 0; start < len(unknown); start += i.chunkSize {
		end := min(start+i.chunkSize, len(unknown))
		res.APIRequests++
		got, err := i.provider.GetChannels(ctx, unknown[start:end])
		if err != nil {
			return fmt.Errorf("fetch channels: %w", err)
		}
		for _, info := range got {
			infos[info.ID] = info
		}
	}
	for idx := range gains {
		if info, ok := infos[gains[idx].ChannelID]; ok {
			if info.Title != "" {
				gains[idx].Title = info.Title
			}
			gains[idx].SubscriberCount = info.SubscriberCount
		}
	}
	return nil
}

// channelGains counts contest videos per channel, in first-seen order.
func channelGains(videos []discovery.Video) []discovery.ChannelGain {
	var gains []discovery.ChannelGain
	index := make(map[string]int)
	for _, v := range videos {
		if !v.IsContest || v.ChannelID == "" {
			continue
		}
		idx, ok := index[v.ChannelID]
		if !ok {
			idx = len(gains)
			index[v.ChannelID] = idx
			gains = append(gains, discovery.ChannelGain{ChannelID: v.ChannelID, Title: v.ChannelTitle})
		}
		gains[idx].Contests++
	}
	return gains
}

func passesFilters(s discovery.Settings, d discovery.VideoDetails) bool {
	if s.MinVideoViews > 0 && d.ViewCount < s.MinVideoViews {
		return false
	}
	if s.MinLikes > 0 && d.LikeCount < s.MinLikes {
		return false
	}
	if s.MinDurationMinutes > 0 && d.DurationSeconds < int64(s.MinDurationMinutes)*60 {
		return false
	}
	if s.MaxDurationMinutes > 0 && d.DurationSeconds > int64(s.MaxDurationMinutes)*60 {
		return false
	}
	return true
}

func uniqueCandidates(cands []discovery.Candidate) ([]string, map[string]discovery.Candidate) {
	ids := make([]string, 0, len(cands))
	byID := make(map[string]discovery.Candidate, len(cands))
	for _, c := range cands {
		if c.VideoID == "" {
			continue
		}
		if _, ok := byID[c.VideoID]; ok {
			continue
		}
		byID[c.VideoID] = c
		ids = append(ids, c.VideoID)
	}
	return ids, byID
}

func storageError(op string, err error) error {
	var serr *discovery.StorageError
	if errors.As(err, &serr) {
		return err
	}
	return &discovery.StorageError{Op: op, Err: err}
}
