// Package queue defines interfaces for message broker operations.
// This abstraction allows swapping implementations (Kafka, in-memory)
// without changing business logic.
package queue

import (
	"context"
)

// Header keys set by the publisher and read by the consumer.
const (
	HeaderEnvelopeType = "envelope-type"
	HeaderEnvelopeID   = "envelope-id"
)

// Message represents a message on the broker.
type Message struct {
	// Topic is the destination topic when publishing, and the source topic when consuming.
	Topic string

	// Key is the partition key for ordering guarantees.
	Key []byte

	// Value is the message payload.
	Value []byte

	// Headers contains optional metadata.
	Headers map[string]string
}

// Header returns the named header value, or an empty string.
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Producer defines the interface for publishing messages to the broker.
// Implementations must be safe for concurrent use.
type Producer interface {
	// Publish sends a message to msg.Topic and returns once the broker
	// acknowledged it or the attempt failed.
	Publish(ctx context.Context, msg *Message) error

	// Close releases any resources held by the producer.
	Close() error
}

// MessageHandler is a callback function for processing consumed messages.
// Returning nil acknowledges the message; an error leaves it unacknowledged.
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer defines the interface for consuming messages from the broker.
type Consumer interface {
	// Start begins consuming messages and calls the handler for each one.
	// This is a blocking call that runs until the context is canceled
	// or an unrecoverable error occurs.
	Start(ctx context.Context, handler MessageHandler) error

	// Close stops consuming and releases any resources.
	Close() error
}

// HealthChecker reports whether the broker is reachable.
// Implementations must never block past their own timeout and must treat
// every failure as unavailable. The answer is advisory only.
type HealthChecker interface {
	IsAvailable(ctx context.Context) bool
}
