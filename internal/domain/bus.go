package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

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
	Type string `json:"type" yaml:"type" toml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channelBufferSize" toml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"natsUrl" toml:"natsUrl"`
	NATSToken         string `json:"natsToken" yaml:"natsToken" toml:"natsToken"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"natsMaxReconnects" toml:"natsMaxReconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"natsReconnectWait" toml:"natsReconnectWait"` // seconds

	// NATSQueueGroup load-balances work topics across nodes. Empty uses DefaultQueueGroup.
	NATSQueueGroup string `json:"natsQueueGroup" yaml:"natsQueueGroup" toml:"natsQueueGroup"`
}

// DefaultQueueGroup is the NATS queue group shared by evaluation workers.
const DefaultQueueGroup = "kestrel-workers"

// Topic names for the fraud pipeline.
const (
	TopicSubmissionIngested = "kestrel.submission.ingested"
	TopicSubmissionFailed   = "kestrel.submission.failed"
	TopicDetection          = "kestrel.fraud.detection"
	TopicAlert              = "kestrel.fraud.alert"
	TopicThresholdsChanged  = "kestrel.thresholds.changed"
)

// IsWorkTopic reports whether each message on topic should reach one
// subscriber per deployment instead of every node.
func IsWorkTopic(topic string) bool {
	return topic == TopicSubmissionIngested
}

// SubmissionEvent is the payload of TopicSubmissionIngested and TopicSubmissionFailed.
type SubmissionEvent struct {
	SubmissionID string `json:"submissionId"`
	Attempt      int    `json:"attempt,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ThresholdsChangedEvent is the payload of TopicThresholdsChanged.
type ThresholdsChangedEvent struct {
	RuleKey string `json:"ruleKey,omitempty"`
	Version int    `json:"version,omitempty"`
	Actor   string `json:"actor,omitempty"`
}
