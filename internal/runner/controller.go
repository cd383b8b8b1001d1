// Package runner drives discovery runs: it walks the configured keywords,
// pages through search results, hands batches to the ingestor and publishes
// progress until the run completes, fails or is stopped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/ingest"
	"github.com/JakeFAU/contest-discovery/internal/logging"
	"github.com/JakeFAU/contest-discovery/internal/progress"
	"github.com/JakeFAU/contest-discovery/internal/searchcache"
)

const (
	defaultPageSize        = 50
	defaultMaxPages        = 10
	defaultFinalizeTimeout = 10 * time.Second
)

// Cache is the search cache consulted before every provider search.
type Cache interface {
	Lookup(ctx context.Context, keyword string, windowStart time.Time, pageToken string) (discovery.SearchPage, bool, error)
	Store(ctx context.Context, keyword string, windowStart time.Time, pageToken string, page discovery.SearchPage) error
	Clear(ctx context.Context) error
}

// Charger admits a single quota-bearing call.
type Charger interface {
	Charge(ctx context.Context, op discovery.Operation) (int64, error)
}

// Ingestor processes one candidate batch.
type Ingestor interface {
	Process(ctx context.Context, batch ingest.Batch) (ingest.BatchResult, error)
}

// Options wires a Controller.
type Options struct {
	Runs     discovery.RunStore
	Settings discovery.SettingsStore
	Cache    Cache
	Provider discovery.Provider
	Quota    Charger
	Ingestor Ingestor
	Progress progress.Publisher
	Clock    discovery.Clock
	IDs      discovery.IDGenerator

	// DefaultSettings apply when no settings have been saved.
	DefaultSettings    discovery.Settings
	PageSize           int
	MaxPagesPerKeyword int
	LookbackDays       int
	// BaseContext bounds every run; cancelling it ends an active run as stopped.
	BaseContext     context.Context
	FinalizeTimeout time.Duration
	Logger          *zap.Logger
}

// Controller owns the run state machine. At most one run is active at a time.
type Controller struct {
	opts   Options
	state  *State
	logger *zap.Logger

	mu     sync.Mutex
	active *activeRun
}

type activeRun struct {
	record   discovery.RunRecord
	progress discovery.Progress
	keyword  string
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (r *activeRun) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *activeRun) stopRequested() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// New validates opts and returns an idle Controller.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Runs == nil:
		return nil, errors.New("runner requires a run store")
	case opts.Cache == nil:
		return nil, errors.New("runner requires a search cache")
	case opts.Provider == nil:
		return nil, errors.New("runner requires a provider")
	case opts.Quota == nil:
		return nil, errors.New("runner requires a quota charger")
	case opts.Ingestor == nil:
		return nil, errors.New("runner requires an ingestor")
	case opts.Clock == nil:
		return nil, errors.New("runner requires a clock")
	case opts.IDs == nil:
		return nil, errors.New("runner requires an id generator")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxPagesPerKeyword <= 0 {
		opts.MaxPagesPerKeyword = defaultMaxPages
	}
	if opts.LookbackDays < 0 {
		opts.LookbackDays = 0
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = defaultFinalizeTimeout
	}
	if len(opts.DefaultSettings.Keywords) == 0 {
		opts.DefaultSettings = discovery.DefaultSettings()
	}
	return &Controller{
		opts:   opts,
		state:  newState(),
		logger: logging.OrNop(opts.Logger).Named("runner"),
	}, nil
}

// State returns the process-wide run state.
func (c *Controller) State() *State {
	return c.state
}

// Status returns a copy of the current run state.
func (c *Controller) Status() discovery.RunState {
	return c.state.Snapshot()
}

// Running reports whether a run is active.
func (c *Controller) Running() bool {
	return c.state.Running()
}

// CurrentSettings returns the saved settings, or the defaults when none are saved.
func (c *Controller) CurrentSettings(ctx context.Context) (discovery.Settings, error) {
	if c.opts.Settings == nil {
		return c.opts.DefaultSettings.Clone(), nil
	}
	s, err := c.opts.Settings.GetSettings(ctx)
	if errors.Is(err, discovery.ErrNotFound) {
		return c.opts.DefaultSettings.Clone(), nil
	}
	if err != nil {
		return discovery.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return s, nil
}

// Start begins a run with the current settings and returns its id.
func (c *Controller) Start(ctx context.Context) (string, error) {
	settings, err := c.CurrentSettings(ctx)
	if err != nil {
		return "", err
	}
	return c.StartWith(ctx, settings)
}

// StartWith begins a run with explicit settings. It returns ErrAlreadyRunning
// without side effects when a run is active. The run itself continues in the
// background under the controller's base context, not ctx.
func (c *Controller) StartWith(ctx context.Context, settings discovery.Settings) (string, error) {
	if err := settings.Validate(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Running() {
		return "", discovery.ErrAlreadyRunning
	}

	runID, err := c.opts.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	start := c.opts.Clock.Now()
	prev, err := c.state.begin(runID, start)
	if err != nil {
		return "", err
	}
	record := discovery.RunRecord{
		ID:        runID,
		StartTime: start,
		Status:    discovery.RunRunning,
		Settings:  settings.Clone(),
	}
	if err := c.opts.Runs.CreateRun(ctx, record); err != nil {
		c.state.release(prev)
		return "", fmt.Errorf("create run record: %w", err)
	}

	run := &activeRun{
		record: record,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.active = run
	c.logger.Info("discovery run started",
		zap.String("run_id", runID),
		zap.Strings("keywords", settings.Keywords),
	)
	c.publishLocked(run, discovery.RunRunning, "")
	go c.execute(run)
	return runID, nil
}

// Stop asks the active run to stop at its next batch boundary. It reports
// whether a run was active.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	run := c.active
	c.mu.Unlock()
	if run == nil {
		return false
	}
	run.requestStop()
	c.logger.Info("discovery run stop requested", zap.String("run_id", run.record.ID))
	return true
}

// Wait blocks until the active run, if any, reaches its terminal state.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	run := c.active
	c.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) execute(run *activeRun) {
	ctx := c.opts.BaseContext
	status, runErr := c.loop(ctx, run)
	c.finish(ctx, run, status, runErr)
}

// errCapReached ends a run early as completed.
var errCapReached = errors.New("run cap reached")

func (c *Controller) loop(ctx context.Context, run *activeRun) (discovery.RunStatus, error) {
	settings := run.record.Settings
	if err := c.opts.Cache.Clear(ctx); err != nil {
		return c.disposition(ctx, fmt.Errorf("clear search cache: %w", err))
	}
	session := searchcache.NewSession()
	window := discovery.DayOf(run.record.StartTime).AddDate(0, 0, -c.opts.LookbackDays)
	perKeyword := ceilDiv(settings.MaxVideosPerRun, len(settings.Keywords))

	for _, keyword := range settings.Keywords {
		if run.stopRequested() {
			return discovery.RunStopped, nil
		}
		err := c.runKeyword(ctx, run, session, keyword, window, perKeyword)
		switch {
		case errors.Is(err, errCapReached):
			return discovery.RunCompleted, nil
		case errors.Is(err, errStopped):
			return discovery.RunStopped, nil
		case err != nil:
			return c.disposition(ctx, err)
		}
	}
	return discovery.RunCompleted, nil
}

// errStopped unwinds a keyword when a stop was observed at a batch boundary.
var errStopped = errors.New("run stopped")

func (c *Controller) runKeyword(
	ctx context.Context,
	run *activeRun,
	session *searchcache.Session,
	keyword string,
	window time.Time,
	perKeyword int,
) error {
	settings := run.record.Settings
	c.setKeyword(run, keyword)
	pageToken := ""
	taken := 0
	for page := 0; page < c.opts.MaxPagesPerKeyword; page++ {
		if run.stopRequested() {
			return errStopped
		}
		if err := c.checkCaps(run, settings); err != nil {
			return err
		}

		results, err := c.fetchPage(ctx, run, keyword, window, pageToken)
		if err != nil {
			return err
		}
		candidates := c.candidates(session, keyword, results.Items)
		if limit := min(perKeyword-taken, settings.MaxVideosPerRun-int(run.progress.ProcessedVideos)); len(candidates) > limit {
			candidates = candidates[:max(limit, 0)]
		}
		taken += len(candidates)

		if len(candidates) > 0 {
			res, err := c.opts.Ingestor.Process(ctx, ingest.Batch{
				RunID:      run.record.ID,
				Candidates: candidates,
				Settings:   settings,
			})
			delta := discovery.Progress{
				TotalVideos: int64(len(candidates)),
				APIRequests: int64(res.APIRequests),
				QuotaUsed:   res.QuotaUsed,
			}
			// A failed batch persisted nothing, so only its spend counts.
			if err == nil {
				delta.ProcessedVideos = int64(res.Processed())
				delta.FoundContests = int64(res.Contests)
			}
			c.addProgress(run, delta)
			if err != nil {
				return fmt.Errorf("ingest %q batch: %w", keyword, err)
			}
		}
		c.publish(run, discovery.RunRunning, "")

		if len(results.Items) < c.opts.PageSize || results.NextPageToken == "" || taken >= perKeyword {
			return nil
		}
		pageToken = results.NextPageToken
	}
	return nil
}

func (c *Controller) checkCaps(run *activeRun, settings discovery.Settings) error {
	c.mu.Lock()
	p := run.progress
	c.mu.Unlock()
	if p.ProcessedVideos >= int64(settings.MaxVideosPerRun) || p.APIRequests >= int64(settings.MaxAPIRequestsPerRun) {
		c.logger.Info("discovery run cap reached",
			zap.String("run_id", run.record.ID),
			zap.Int64("processed_videos", p.ProcessedVideos),
			zap.Int64("api_requests", p.APIRequests),
		)
		return errCapReached
	}
	return nil
}

// fetchPage serves a page from the cache or charges for and performs a search.
func (c *Controller) fetchPage(
	ctx context.Context,
	run *activeRun,
	keyword string,
	window time.Time,
	pageToken string,
) (discovery.SearchPage, error) {
	page, ok, err := c.opts.Cache.Lookup(ctx, keyword, window, pageToken)
	if err != nil {
		c.logger.Warn("search cache lookup failed", zap.String("keyword", keyword), zap.Error(err))
	}
	if ok {
		return page, nil
	}

	units, err := c.opts.Quota.Charge(ctx, discovery.OpSearch)
	if err != nil {
		return discovery.SearchPage{}, err
	}
	c.addProgress(run, discovery.Progress{APIRequests: 1, QuotaUsed: units})

	page, err = c.opts.Provider.Search(ctx, discovery.SearchQuery{
		Query:          keyword,
		PublishedAfter: window,
		MaxResults:     c.opts.PageSize,
		PageToken:      pageToken,
	})
	if err != nil {
		return discovery.SearchPage{}, fmt.Errorf("search %q: %w", keyword, err)
	}
	if err := c.opts.Cache.Store(ctx, keyword, window, pageToken, page); err != nil {
		c.logger.Warn("search cache store failed", zap.String("keyword", keyword), zap.Error(err))
	}
	return page, nil
}

func (c *Controller) candidates(session *searchcache.Session, keyword string, items []discovery.SearchResult) []discovery.Candidate {
	byID := make(map[string]discovery.SearchResult, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		byID[item.VideoID] = item
		ids = append(ids, item.VideoID)
	}
	fresh := session.Filter(ids)
	out := make([]discovery.Candidate, 0, len(fresh))
	for _, id := range fresh {
		out = append(out, discovery.Candidate{
			VideoID:   id,
			ChannelID: byID[id].ChannelID,
			Keyword:   keyword,
		})
	}
	return out
}

// disposition maps a run-fatal error to its terminal status. Cancellation of
// the base context means process shutdown and ends the run as stopped.
func (c *Controller) disposition(ctx context.Context, err error) (discovery.RunStatus, error) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return discovery.RunStopped, nil
	}
	return discovery.RunError, err
}

func (c *Controller) setKeyword(run *activeRun, keyword string) {
	c.mu.Lock()
	run.keyword = keyword
	p := run.progress
	c.mu.Unlock()
	c.state.update(keyword, p)
}

func (c *Controller) addProgress(run *activeRun, delta discovery.Progress) {
	c.mu.Lock()
	run.progress.Add(delta)
	p, keyword := run.progress, run.keyword
	c.mu.Unlock()
	c.state.update(keyword, p)
}

func (c *Controller) publish(run *activeRun, status discovery.RunStatus, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(run, status, errMsg)
}

// publishLocked requires c.mu. Publishing under the lock keeps snapshots of
// consecutive runs in order.
func (c *Controller) publishLocked(run *activeRun, status discovery.RunStatus, errMsg string) {
	if c.opts.Progress == nil {
		return
	}
	c.opts.Progress.Publish(progress.Snapshot{
		RunID:    run.record.ID,
		Status:   status,
		Keyword:  run.keyword,
		Progress: run.progress,
		Error:    errMsg,
		TS:       c.opts.Clock.Now(),
	})
}

// finish performs the single terminal transition: it persists the closed run
// record, releases the state, publishes the final snapshot and wakes waiters.
func (c *Controller) finish(ctx context.Context, run *activeRun, status discovery.RunStatus, runErr error) {
	end := c.opts.Clock.Now()
	c.mu.Lock()
	record := run.record
	record.Progress = run.progress
	c.mu.Unlock()
	record.Status = status
	record.EndTime = &end
	if runErr != nil {
		record.Error = runErr.Error()
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FinalizeTimeout)
	defer cancel()
	if err := c.opts.Runs.CompleteRun(persistCtx, record); err != nil {
		c.logger.Error("persist run record", zap.String("run_id", record.ID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("run_id", record.ID),
		zap.String("status", string(status)),
		zap.Int64("total_videos", record.TotalVideos),
		zap.Int64("processed_videos", record.ProcessedVideos),
		zap.Int64("found_contests", record.FoundContests),
		zap.Int64("api_requests", record.APIRequests),
		zap.Int64("quota_used", record.QuotaUsed),
		zap.Duration("elapsed", end.Sub(record.StartTime)),
	}
	if runErr != nil {
		fields = append(fields, zap.Error(runErr))
	}
	c.logger.Info("discovery run finished", fields...)

	c.mu.Lock()
	c.state.end(status, record.Progress, record.Error)
	c.active = nil
	c.publishLocked(run, status, record.Error)
	c.mu.Unlock()
	close(run.done)
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
