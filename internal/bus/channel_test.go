package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestChannelBusPublishSubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	var mu sync.Mutex
	var received []*domain.Message

	_, err := b.Subscribe(context.Background(), "transaction_processed", func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "transaction_processed", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	msg := received[0]
	mu.Unlock()
	if msg.Topic != "transaction_processed" {
		t.Errorf("topic = %q", msg.Topic)
	}
	if string(msg.Payload) != `{"ok":true}` {
		t.Errorf("payload = %s", msg.Payload)
	}
	if msg.ID == "" {
		t.Error("expected a message id")
	}
}

func TestChannelBusTopicIsolation(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	var count int
	var mu sync.Mutex

	_, err := b.Subscribe(context.Background(), "topic_a", func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "topic_b", []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("received %d messages from an unrelated topic", count)
	}
}

func TestChannelBusFanOut(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	var mu sync.Mutex
	counts := make(map[int]int)

	for i := 0; i < 3; i++ {
		i := i
		_, err := b.Subscribe(context.Background(), "anomaly_detected", func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			counts[i]++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	if err := b.Publish(context.Background(), "anomaly_detected", []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts[0] == 1 && counts[1] == 1 && counts[2] == 1
	})
}

func TestChannelBusUnsubscribe(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	var count int
	var mu sync.Mutex

	sub, err := b.Subscribe(context.Background(), "health_check", func(ctx context.Context, msg *domain.Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if sub.Topic() != "health_check" {
		t.Errorf("Topic() = %q", sub.Topic())
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "health_check", []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("received %d messages after unsubscribe", count)
	}
}

func TestChannelBusClosed(t *testing.T) {
	b := NewChannelBus(10)

	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("ping failed on open bus: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}

	if err := b.Ping(context.Background()); err == nil {
		t.Error("ping should fail on a closed bus")
	}
	if err := b.Publish(context.Background(), "t", nil); err == nil {
		t.Error("publish should fail on a closed bus")
	}
	if _, err := b.Subscribe(context.Background(), "t", nil); err == nil {
		t.Error("subscribe should fail on a closed bus")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer b.Close()

	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("New(channel) = %T, want *ChannelBus", b)
	}

	if _, err := New(domain.EventBusConfig{Type: "carrier_pigeon"}); err == nil {
		t.Error("expected an error for an unknown bus type")
	}
}
