package domain

import (
	"context"
)

// EventBus carries transaction batches to workers and score results out.
// The channel bus serves a single process; NATS spans processes.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe delivers each message on topic to handler until the
	// returned Subscription is cancelled or the bus is closed.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler handles one delivered message. A returned error is logged
// by the bus; the message is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope delivered to handlers. Metadata carries
// correlation values such as the publisher's trace ID.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Subscription is a live registration returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus.
type EventBusConfig struct {
	Type string `mapstructure:"type" validate:"oneof=channel nats"`

	// Per-subscriber queue depth for the channel bus
	ChannelBufferSize int `mapstructure:"channelbuffersize"`

	NATSUrl           string `mapstructure:"natsurl"`
	NATSToken         string `mapstructure:"natstoken"`
	NATSMaxReconnects int    `mapstructure:"natsmaxreconnects"`
	NATSReconnectWait int    `mapstructure:"natsreconnectwait"` // seconds
}

// Standard topic names for the scoring pipeline.
const (
	TopicTransactionBatch = "kestrel.transactions.batch"
	TopicScores           = "kestrel.scores"
	TopicAlert            = "kestrel.alert"
)

// TransactionBatch is the bus payload asking for a batch to be scored.
// Accounts may be omitted; the worker resolves them from the repository.
type TransactionBatch struct {
	BatchID      string        `json:"batchId"`
	TraceID      string        `json:"traceId,omitempty"`
	Transactions []Transaction `json:"transactions"`
	Accounts     []Account     `json:"accounts,omitempty"`

	// History feeds velocity windows and account statistics; it is not
	// scored.
	History []Transaction `json:"history,omitempty"`
}
