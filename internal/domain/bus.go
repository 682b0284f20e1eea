package domain

import (
	"context"
)

// EventBus is the outbound event fan-out boundary. The core publishes; the
// transport layer (WebSocket, HTTP polling) subscribes. Supports Go channels
// (in-process) or NATS (external).
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
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
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

// Topics published by the core. Payload shapes are documented next to the
// publishing component.
const (
	TopicTransactionQueued    = "transaction_queued"
	TopicTransactionProcessed = "transaction_processed"
	TopicTransactionFailed    = "transaction_failed"
	TopicValidationCompleted  = "validation_completed"
	TopicValidationFailed     = "validation_failed"
	TopicAnomalyDetected      = "anomaly_detected"
	TopicHealthCheck          = "health_check"
	TopicRulesUpdated         = "rules_updated"
)
