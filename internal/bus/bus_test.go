package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oslsr/kestrel/internal/domain"
)

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
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		received := make(chan *domain.Message, 1)

		_, err := bus.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, "test.topic", []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case msg := <-received:
			if string(msg.Payload) != "hello" {
				t.Errorf("expected payload 'hello', got '%s'", string(msg.Payload))
			}
			if msg.Topic != "test.topic" || msg.ID == "" {
				t.Errorf("unexpected envelope: %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var a, b atomic.Int32

		bus.Subscribe(ctx, domain.TopicDetection, func(ctx context.Context, msg *domain.Message) error {
			a.Add(1)
			return nil
		})
		bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
			b.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, domain.TopicDetection, []byte("d"))

		waitFor(t, func() bool { return a.Load() == 1 })
		time.Sleep(20 * time.Millisecond)
		if b.Load() != 0 {
			t.Errorf("expected alert subscriber untouched, got %d", b.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		_ = bus.Publish(ctx, "unsub.topic", []byte("1"))
		waitFor(t, func() bool { return count.Load() == 1 })

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}

		_ = bus.Publish(ctx, "unsub.topic", []byte("2"))
		time.Sleep(20 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count atomic.Int32
		for i := 0; i < 3; i++ {
			bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
				count.Add(1)
				return nil
			})
		}

		_ = bus.Publish(ctx, "multi.topic", []byte("fanout"))
		waitFor(t, func() bool { return count.Load() == 3 })
	})

	t.Run("HandlerErrorDoesNotStopSubscription", func(t *testing.T) {
		var count atomic.Int32
		bus.Subscribe(ctx, "err.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return errors.New("boom")
		})

		_ = bus.Publish(ctx, "err.topic", nil)
		_ = bus.Publish(ctx, "err.topic", nil)
		waitFor(t, func() bool { return count.Load() == 2 })
	})

	t.Run("Request", func(t *testing.T) {
		bus.Subscribe(ctx, "echo", func(ctx context.Context, msg *domain.Message) error {
			return bus.Publish(ctx, msg.Metadata[MetaReplyTo], append([]byte("re:"), msg.Payload...))
		})

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		reply, err := bus.Request(reqCtx, "echo", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "re:ping" {
			t.Errorf("expected 're:ping', got %q", reply)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestPublishJSON(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()
	ctx := context.Background()

	got := make(chan domain.SubmissionEvent, 1)
	bus.Subscribe(ctx, domain.TopicSubmissionIngested, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.SubmissionEvent
		if err := Decode(msg, &ev); err != nil {
			return err
		}
		got <- ev
		return nil
	})

	if err := PublishJSON(ctx, bus, domain.TopicSubmissionIngested, domain.SubmissionEvent{SubmissionID: "sub-001", Attempt: 2}); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	select {
	case ev := <-got:
		if ev.SubmissionID != "sub-001" || ev.Attempt != 2 {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	if err := Decode(&domain.Message{Payload: []byte("{")}, &struct{}{}); err == nil {
		t.Error("expected decode error")
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	bus.Subscribe(ctx, "t", func(ctx context.Context, msg *domain.Message) error { return nil })

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	if err := bus.Publish(ctx, "t", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on publish, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "t", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on subscribe, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping to fail after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(10000)
	defer bus.Close()
	ctx := context.Background()

	var received atomic.Int64
	bus.Subscribe(ctx, "load", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		return nil
	})

	const publishers = 10
	const perPublisher = 500

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				_ = bus.Publish(ctx, "load", []byte("x"))
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return received.Load() == publishers*perPublisher })
}

func TestQueueFor(t *testing.T) {
	t.Run("WorkTopicUsesDefaultGroup", func(t *testing.T) {
		got := queueFor(domain.EventBusConfig{}, domain.TopicSubmissionIngested)
		if got != domain.DefaultQueueGroup {
			t.Errorf("expected %q, got %q", domain.DefaultQueueGroup, got)
		}
	})

	t.Run("WorkTopicUsesConfiguredGroup", func(t *testing.T) {
		cfg := domain.EventBusConfig{NATSQueueGroup: "region-a"}
		if got := queueFor(cfg, domain.TopicSubmissionIngested); got != "region-a" {
			t.Errorf("expected region-a, got %q", got)
		}
	})

	t.Run("BroadcastTopicsReachEveryNode", func(t *testing.T) {
		cfg := domain.EventBusConfig{NATSQueueGroup: "region-a"}
		for _, topic := range []string{
			domain.TopicThresholdsChanged,
			domain.TopicDetection,
			domain.TopicAlert,
			domain.TopicSubmissionFailed,
		} {
			if got := queueFor(cfg, topic); got != "" {
				t.Errorf("%s: expected no queue group, got %q", topic, got)
			}
		}
	})
}
