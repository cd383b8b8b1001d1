package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/progress"
	"github.com/JakeFAU/contest-discovery/internal/publisher"
)

// PublisherSink forwards each snapshot to a broker topic as a push message.
type PublisherSink struct {
	pub    publisher.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink constructs a PublisherSink for topic.
func NewPublisherSink(pub publisher.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

// Consume publishes every snapshot in order. A failed publish does not stop
// the rest of the batch; the joined error is returned.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Snapshot) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	for _, snap := range batch {
		id, err := s.pub.Publish(ctx, s.topic, snap.Message())
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s snapshot for %s: %w", snap.Status, snap.RunID, err))
			continue
		}
		s.logger.Debug("progress published", zap.String("run_id", snap.RunID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close releases the publisher when it supports closing.
func (s *PublisherSink) Close(context.Context) error {
	if s == nil {
		return nil
	}
	if c, ok := s.pub.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
