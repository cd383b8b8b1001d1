package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type attributedPayload struct {
	Name string `json:"name"`
}

func (attributedPayload) Attributes() map[string]string { return map[string]string{"kind": "test"} }
func (attributedPayload) OrderingKey() string           { return "run-1" }

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", attributedPayload{Name: "x"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.JSONEq(t, `{"k":"v"}`, string(msgs[0].Data))
	require.Nil(t, msgs[0].Attributes)
	require.Equal(t, "test", msgs[1].Attributes["kind"])
	require.Equal(t, "run-1", msgs[1].OrderingKey)

	var decoded attributedPayload
	require.NoError(t, json.Unmarshal(msgs[1].Data, &decoded))
	require.Equal(t, "x", decoded.Name)

	require.Len(t, pub.Topic("topic-b"), 1)
	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic)
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "t", "payload")
	require.ErrorIs(t, err, boom)

	_, err = pub.Publish(context.Background(), "t", make(chan int))
	require.Error(t, err)

	pub.FailWith(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pub.Publish(ctx, "t", "payload")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, pub.Messages())
}
