package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestChannelBus(t *testing.T) {
	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		bus := NewChannelBus(100)
		defer bus.Close()

		got := make(chan *domain.Message, 1)
		sub, err := bus.Subscribe(ctx, domain.TopicScores, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if sub.Topic() != domain.TopicScores {
			t.Errorf("expected topic %s, got %s", domain.TopicScores, sub.Topic())
		}

		if err := bus.Publish(ctx, domain.TopicScores, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-got:
			if string(msg.Payload) != "hello" || msg.Topic != domain.TopicScores {
				t.Errorf("unexpected message: %+v", msg)
			}
			if msg.ID == "" || msg.Timestamp == 0 {
				t.Error("expected message id and timestamp")
			}
			if _, ok := msg.Metadata[MetaTraceID]; ok {
				t.Error("expected no trace id without a span")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TraceIDPropagated", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		traceID := trace.TraceID{0x4b, 0x1e, 0x57, 0x12, 0x01}
		sc := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID,
			SpanID:  trace.SpanID{0x01},
		})
		traced := trace.ContextWithSpanContext(ctx, sc)

		got := make(chan *domain.Message, 1)
		bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			got <- msg
			return nil
		})
		bus.Publish(traced, domain.TopicAlert, []byte("{}"))

		select {
		case msg := <-got:
			if msg.Metadata[MetaTraceID] != traceID.String() {
				t.Errorf("expected trace id %s, got %q", traceID, msg.Metadata[MetaTraceID])
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("FanOut", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		var count atomic.Int32
		for i := 0; i < 3; i++ {
			bus.Subscribe(ctx, domain.TopicScores, func(ctx context.Context, msg *domain.Message) error {
				count.Add(1)
				return nil
			})
		}
		bus.Publish(ctx, domain.TopicScores, []byte("x"))
		waitFor(t, func() bool { return count.Load() == 3 })
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		var alerts, scores atomic.Int32
		bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			alerts.Add(1)
			return nil
		})
		bus.Subscribe(ctx, domain.TopicScores, func(ctx context.Context, msg *domain.Message) error {
			scores.Add(1)
			return nil
		})

		bus.Publish(ctx, domain.TopicScores, []byte("a"))
		bus.Publish(ctx, domain.TopicScores, []byte("b"))
		waitFor(t, func() bool { return scores.Load() == 2 })
		if alerts.Load() != 0 {
			t.Errorf("alert subscriber received %d score messages", alerts.Load())
		}
	})

	t.Run("OrderPreserved", func(t *testing.T) {
		bus := NewChannelBus(100)
		defer bus.Close()

		var mu sync.Mutex
		var seen []string
		bus.Subscribe(ctx, domain.TopicScores, func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			seen = append(seen, string(msg.Payload))
			mu.Unlock()
			return nil
		})
		for _, p := range []string{"1", "2", "3", "4"} {
			bus.Publish(ctx, domain.TopicScores, []byte(p))
		}
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 4
		})
		for i, want := range []string{"1", "2", "3", "4"} {
			if seen[i] != want {
				t.Fatalf("expected publish order, got %v", seen)
			}
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		bus := NewChannelBus(10)
		defer bus.Close()

		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, domain.TopicScores, func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		bus.Publish(ctx, domain.TopicScores, []byte("x"))
		time.Sleep(20 * time.Millisecond)
		if count.Load() != 0 {
			t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
		}

		bus.mu.RLock()
		remaining := len(bus.topics[domain.TopicScores])
		bus.mu.RUnlock()
		if remaining != 0 {
			t.Errorf("expected subscription removed, %d remain", remaining)
		}
	})

	t.Run("FullBufferDrops", func(t *testing.T) {
		bus := NewChannelBus(1)
		defer bus.Close()

		release := make(chan struct{})
		var count atomic.Int32
		bus.Subscribe(ctx, domain.TopicScores, func(ctx context.Context, msg *domain.Message) error {
			<-release
			count.Add(1)
			return nil
		})

		for i := 0; i < 10; i++ {
			if err := bus.Publish(ctx, domain.TopicScores, []byte("x")); err != nil {
				t.Fatalf("publish must not fail on a full buffer: %v", err)
			}
		}
		close(release)
		time.Sleep(20 * time.Millisecond)
		if n := count.Load(); n >= 10 {
			t.Errorf("expected drops with a buffer of one, got %d deliveries", n)
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	ctx := context.Background()
	bus := NewChannelBus(10)

	if err := bus.Ping(ctx); err != nil {
		t.Errorf("ping failed on open bus: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close must be a no-op: %v", err)
	}

	if err := bus.Publish(ctx, domain.TopicScores, []byte("x")); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe(ctx, domain.TopicScores, func(context.Context, *domain.Message) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping on closed bus to fail")
	}
}

func TestChannelBusCloseWaitsForHandlers(t *testing.T) {
	ctx := context.Background()
	bus := NewChannelBus(10)

	started := make(chan struct{})
	var finished atomic.Bool
	bus.Subscribe(ctx, domain.TopicScores, func(ctx context.Context, msg *domain.Message) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	bus.Publish(ctx, domain.TopicScores, []byte("x"))
	<-started

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !finished.Load() {
		t.Error("close returned before the running handler finished")
	}
}

func TestNewBus(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 5})
	if err != nil {
		t.Fatalf("failed to create channel bus: %v", err)
	}
	defer b.Close()
	if cb, ok := b.(*ChannelBus); !ok || cb.depth != 5 {
		t.Errorf("expected *ChannelBus with buffer 5, got %T", b)
	}

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported bus type")
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	ctx := context.Background()
	bus := NewChannelBus(10000)
	defer bus.Close()

	var count atomic.Int64
	bus.Subscribe(ctx, domain.TopicTransactionBatch, func(ctx context.Context, msg *domain.Message) error {
		count.Add(1)
		return nil
	})

	const publishers, perPublisher = 10, 500
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(ctx, domain.TopicTransactionBatch, []byte("batch"))
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return count.Load() == publishers*perPublisher })
}

func TestNATSEnvelope(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(),
		trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid}))

	env := newMessage(ctx, domain.TopicScores, []byte(`{"alerts":1}`))
	got := fromNATS(toNATS(env))

	if got.ID != env.ID || got.Timestamp != env.Timestamp || got.Topic != env.Topic {
		t.Errorf("envelope not preserved: got %+v, want %+v", got, env)
	}
	if string(got.Payload) != `{"alerts":1}` {
		t.Errorf("payload must travel as the raw body, got %s", got.Payload)
	}
	if got.Metadata[MetaTraceID] != tid.String() {
		t.Errorf("expected trace ID %s in metadata, got %v", tid, got.Metadata)
	}

	t.Run("CanonicalizedHeaders", func(t *testing.T) {
		m := toNATS(env)
		m.Header = map[string][]string{
			"nats-msg-id":           {env.ID},
			"Kestrel-Meta-Trace_id": {tid.String()},
		}
		got := fromNATS(m)
		if got.ID != env.ID || got.Metadata[MetaTraceID] != tid.String() {
			t.Errorf("header casing should not matter, got %+v", got)
		}
	})
}
