package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/progress"
	"github.com/JakeFAU/contest-discovery/internal/publisher/memory"
)

func TestPublisherSinkPublishesMessages(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "discovery-progress", nil)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	batch := []progress.Snapshot{
		snapshot("run-1", discovery.RunRunning, now, discovery.Progress{APIRequests: 1}),
		snapshot("run-1", discovery.RunCompleted, now.Add(time.Second), discovery.Progress{APIRequests: 2}),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Topic("discovery-progress")
	require.Len(t, msgs, 2)

	var decoded progress.Message
	require.NoError(t, json.Unmarshal(msgs[1].Data, &decoded))
	require.Equal(t, progress.MessageType, decoded.Type)
	require.Equal(t, discovery.RunCompleted, decoded.Data.Status)
	require.Equal(t, int64(2), decoded.Data.Progress.APIRequests)
	require.Equal(t, "run-1", msgs[1].OrderingKey)
	require.Equal(t, "completed", msgs[1].Attributes["status"])
	require.NoError(t, sink.Close(context.Background()))
}

func TestPublisherSinkJoinsErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("broker down"))
	sink := NewPublisherSink(pub, "topic", zap.NewNop())
	now := time.Now().UTC()
	err := sink.Consume(context.Background(), []progress.Snapshot{
		snapshot("run-1", discovery.RunRunning, now, discovery.Progress{}),
		snapshot("run-1", discovery.RunError, now, discovery.Progress{}),
	})
	require.ErrorContains(t, err, "broker down")
	require.ErrorContains(t, err, "error snapshot")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now().UTC()
	failed := snapshot("run-1", discovery.RunError, now, discovery.Progress{})
	failed.Error = "quota exceeded"
	require.NoError(t, sink.Consume(context.Background(), []progress.Snapshot{
		snapshot("run-1", discovery.RunRunning, now, discovery.Progress{}),
		failed,
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.DebugLevel, entries[0].Level)
	require.Equal(t, "discovery run finished", entries[1].Message)
	require.Equal(t, "quota exceeded", entries[1].ContextMap()["error"])
	require.NoError(t, sink.Close(context.Background()))
}
