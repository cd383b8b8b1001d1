// Package publisher defines the outbound message interface used to fan run
// progress out to external subscribers.
package publisher

import "context"

// Publisher sends a payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Attributed payloads carry broker attributes alongside the body.
type Attributed interface {
	Attributes() map[string]string
}

// Ordered payloads name the key that serializes their delivery.
type Ordered interface {
	OrderingKey() string
}
