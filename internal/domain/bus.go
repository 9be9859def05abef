package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Backed by Go channels (default tier) or NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// Task is the evaluation task message consumed by the pipeline.
// Delivery is at-least-once; consumers must be idempotent per
// correlation id.
type Task struct {
	TransactionID string    `json:"transactionId"`
	CorrelationID string    `json:"correlationId"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`

	// Attempt counts deliveries of this task, starting at 1.
	Attempt int `json:"attempt"`
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the evaluation pipeline.
const (
	TopicTransactionIngested = "kestrel.transaction.ingested"
	TopicVerdict             = "kestrel.verdict"
	TopicAlert               = "kestrel.alert"
	TopicDeadLetter          = "kestrel.deadletter"
)
