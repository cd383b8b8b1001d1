package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/progress"
)

// LogSink emits structured logs for run snapshots. Terminal snapshots are
// logged at info, intermediate ones at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each snapshot in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Snapshot) error {
	for _, snap := range batch {
		fields := []zap.Field{
			zap.String("run_id", snap.RunID),
			zap.String("status", string(snap.Status)),
			zap.String("keyword", snap.Keyword),
			zap.Int64("total_videos", snap.Progress.TotalVideos),
			zap.Int64("processed_videos", snap.Progress.ProcessedVideos),
			zap.Int64("found_contests", snap.Progress.FoundContests),
			zap.Int64("api_requests", snap.Progress.APIRequests),
			zap.Int64("quota_used", snap.Progress.QuotaUsed),
		}
		if snap.Error != "" {
			fields = append(fields, zap.String("error", snap.Error))
		}
		if snap.Terminal() {
			s.logger.Info("discovery run finished", fields...)
			continue
		}
		s.logger.Debug("discovery progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
