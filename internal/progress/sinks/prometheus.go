package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/progress"
)

// PrometheusSink exports run-level metrics derived from progress snapshots.
// Counter increments are computed as deltas against the previous snapshot of
// the same run, so replayed or coalesced snapshots never double count.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	videosProcessed prometheus.Counter
	contestsFound   prometheus.Counter
	apiRequests     prometheus.Counter
	quotaUsed       prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_runs_started_total",
			Help: "Total discovery runs that have started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_runs_finished_total",
			Help: "Total discovery runs finished partitioned by terminal status.",
		}, []string{"status"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "discovery_runs_running",
			Help: "Current number of running discovery runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discovery_run_duration_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"}),
		videosProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_videos_processed_total",
			Help: "Videos whose details were fetched and classified.",
		}),
		contestsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_contests_found_total",
			Help: "Contest videos counted by runs.",
		}),
		apiRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_run_api_requests_total",
			Help: "Provider requests issued by runs.",
		}),
		quotaUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "discovery_run_quota_units_total",
			Help: "Quota units consumed by runs.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.videosProcessed,
		s.contestsFound,
		s.apiRequests,
		s.quotaUsed,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Snapshot) error {
	for _, snap := range batch {
		s.consumeSnapshot(snap)
	}
	return nil
}

func (s *PrometheusSink) consumeSnapshot(snap progress.Snapshot) {
	delta, started, finished := s.tracker.observe(snap)
	if started {
		s.runsStarted.Inc()
		s.runsRunning.Inc()
	}
	addPositive(s.videosProcessed, delta.ProcessedVideos)
	addPositive(s.contestsFound, delta.FoundContests)
	addPositive(s.apiRequests, delta.APIRequests)
	addPositive(s.quotaUsed, delta.QuotaUsed)
	if finished != nil {
		status := string(snap.Status)
		s.runsFinished.WithLabelValues(status).Inc()
		s.runsRunning.Dec()
		if finished.duration > 0 {
			s.runDuration.WithLabelValues(status).Observe(finished.duration.Seconds())
		}
	}
}

func addPositive(c prometheus.Counter, v int64) {
	if v > 0 {
		c.Add(float64(v))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runEntry struct {
	start time.Time
	last  discovery.Progress
}

type finishedRun struct {
	duration time.Duration
}

type runTracker struct {
	mu   sync.Mutex
	runs map[string]*runEntry
	done map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{
		runs: make(map[string]*runEntry),
		done: make(map[string]struct{}),
	}
}

// observe returns the counter delta since the previous snapshot of the run,
// whether this snapshot opened the run, and the run summary when it closed it.
func (t *runTracker) observe(snap progress.Snapshot) (discovery.Progress, bool, *finishedRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.done[snap.RunID]; ok {
		return discovery.Progress{}, false, nil
	}
	entry, ok := t.runs[snap.RunID]
	started := !ok
	if !ok {
		entry = &runEntry{start: snap.TS}
		t.runs[snap.RunID] = entry
	}
	delta := discovery.Progress{
		ProcessedVideos: snap.Progress.ProcessedVideos - entry.last.ProcessedVideos,
		FoundContests:   snap.Progress.FoundContests - entry.last.FoundContests,
		APIRequests:     snap.Progress.APIRequests - entry.last.APIRequests,
		QuotaUsed:       snap.Progress.QuotaUsed - entry.last.QuotaUsed,
	}
	entry.last = snap.Progress
	if !snap.Terminal() {
		return delta, started, nil
	}
	delete(t.runs, snap.RunID)
	t.done[snap.RunID] = struct{}{}
	return delta, started, &finishedRun{duration: snap.TS.Sub(entry.start)}
}
