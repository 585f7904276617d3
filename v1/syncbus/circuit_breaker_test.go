package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"

	lockerrors "github.com/mirkobrombin/go-joblock/v1/errors"
)

type mockBus struct {
	publishFunc func(ctx context.Context, topic string) error
	*InMemoryBus
}

func (m *mockBus) Publish(ctx context.Context, topic string) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, topic)
	}
	return m.InMemoryBus.Publish(ctx, topic)
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	threshold := 2
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(mb, threshold, timeout)

	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	mb.publishFunc = func(ctx context.Context, topic string) error { return failErr }
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}

	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "key"); !errors.Is(err, lockerrors.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)

	if !cb.IsHealthy() {
		t.Fatal("expected healthy once the timeout elapsed")
	}

	mb.publishFunc = func(ctx context.Context, topic string) error { return nil }
	if err := cb.Publish(ctx, "key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.failures != 0 {
		t.Fatalf("expected failures=0, got %d", cb.failures)
	}

	mb.publishFunc = func(ctx context.Context, topic string) error { return failErr }
	_ = cb.Publish(ctx, "key")
	_ = cb.Publish(ctx, "key")
	if cb.IsHealthy() {
		t.Fatal("expected open")
	}

	time.Sleep(timeout + 10*time.Millisecond)
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr from probe, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after half-open failure")
	}
	if err := cb.Publish(ctx, "key"); !errors.Is(err, lockerrors.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_Passthrough(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(mb, 5, time.Minute)

	ctx := context.Background()
	sub, err := cb.Subscribe(ctx, "foo")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, "foo"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on underlying bus")
	}
	if err := cb.Unsubscribe(ctx, "foo", sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if mb.f.has("foo") {
		t.Fatal("expected unsubscribe to reach the underlying bus")
	}
}
