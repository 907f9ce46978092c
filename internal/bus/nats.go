package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// workerQueue is the queue group for batch subscriptions, so each batch is
// scored by exactly one worker process.
const workerQueue = "kestrel-workers"

// Envelope fields travel as NATS headers; the message body is the raw
// payload. Nats-Msg-Id also lets a JetStream stream deduplicate.
const (
	headerMsgID     = "Nats-Msg-Id"
	headerTimestamp = "Kestrel-Timestamp"
	headerMetaPref  = "Kestrel-Meta-"
	metaPrefLower   = "kestrel-meta-"
)

// NATSBus implements EventBus on a NATS connection. It is the Pro tier bus.
type NATSBus struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus connects to cfg.NATSUrl, retrying the initial dial up to
// NATSMaxReconnects times. The same limits govern reconnects afterwards.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var (
		conn *nats.Conn
		err  error
	)
	for attempt := 1; ; attempt++ {
		conn, err = nats.Connect(cfg.NATSUrl, natsOptions(cfg, wait)...)
		if err == nil || attempt == cfg.NATSMaxReconnects {
			break
		}
		slog.Warn("NATS dial failed, retrying",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		time.Sleep(wait)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)
	return &NATSBus{
		conn: conn,
		subs: make(map[*natsSubscription]struct{}),
	}, nil
}

func natsOptions(cfg domain.EventBusConfig, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		// batches can be large; keep publishes buffered through a reconnect
		nats.ReconnectBufSize(8 << 20),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish sends payload as the message body. The envelope ID, timestamp and
// metadata (including the trace ID) are carried in headers.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.conn.PublishMsg(toNATS(newMessage(ctx, topic, payload))); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic. Batch subscriptions join the worker
// queue group; every other topic fans out to all subscribers.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		msg := fromNATS(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var (
		ns  *nats.Subscription
		err error
	)
	if topic == domain.TopicTransactionBatch {
		ns, err = b.conn.QueueSubscribe(topic, workerQueue, cb)
	} else {
		ns, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &natsSubscription{topic: topic, sub: ns, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// toNATS maps an envelope onto a NATS message.
func toNATS(env *domain.Message) *nats.Msg {
	m := nats.NewMsg(env.Topic)
	m.Data = env.Payload
	m.Header.Set(headerMsgID, env.ID)
	m.Header.Set(headerTimestamp, strconv.FormatInt(env.Timestamp, 10))
	for k, v := range env.Metadata {
		m.Header.Set(headerMetaPref+k, v)
	}
	return m
}

// fromNATS rebuilds the envelope from a NATS message.
func fromNATS(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	for k, vals := range m.Header {
		if len(vals) == 0 {
			continue
		}
		switch {
		case strings.EqualFold(k, headerMsgID):
			msg.ID = vals[0]
		case strings.EqualFold(k, headerTimestamp):
			msg.Timestamp, _ = strconv.ParseInt(vals[0], 10, 64)
		case strings.HasPrefix(strings.ToLower(k), metaPrefLower):
			// metadata keys are lower snake_case; undo any header casing
			msg.Metadata[strings.ToLower(k[len(metaPrefLower):])] = vals[0]
		}
	}
	return msg
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("NATS not connected: " + b.conn.Status().String())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains in-flight messages from every subscription and then closes
// the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
