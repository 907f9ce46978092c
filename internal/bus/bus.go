package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MetaTraceID carries the publisher's trace ID in message metadata.
const MetaTraceID = "trace_id"

// New returns the bus named by cfg.Type: "channel" stays in process,
// "nats" connects to a NATS server.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	if cfg.Type == "nats" {
		return NewNATSBus(cfg)
	}
	if cfg.Type != "channel" {
		return nil, fmt.Errorf("event bus type %q is not supported", cfg.Type)
	}
	return NewChannelBus(cfg.ChannelBufferSize), nil
}

// newMessage builds the envelope both buses deliver.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata[MetaTraceID] = sc.TraceID().String()
	}
	return msg
}
