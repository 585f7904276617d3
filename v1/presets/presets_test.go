package presets

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/mirkobrombin/go-joblock/v1/lock"
	"github.com/mirkobrombin/go-joblock/v1/syncbus"
)

func expectEvents(t *testing.T, s *Stack, l *lock.Lock) {
	t.Helper()
	ctx := context.Background()
	key := l.LockKey("a")
	unlocked, err := s.Bus.Subscribe(ctx, syncbus.UnlockTopic(key))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	err = l.Around(ctx, func(ctx context.Context) error {
		if locked, _ := l.Locked(ctx, "a"); !locked {
			t.Error("expected lock held while running")
		}
		return nil
	}, "a")
	if err != nil {
		t.Fatalf("around: %v", err)
	}
	select {
	case <-unlocked:
	case <-time.After(2 * time.Second):
		t.Fatal("expected unlock event")
	}
}

func TestNewInMemoryStandalone(t *testing.T) {
	s := NewInMemoryStandalone()
	defer s.Close()
	expectEvents(t, s, s.Lock("Standalone", lock.WithTimeout(time.Minute)))
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	s := NewRedis(RedisOptions{Addr: mr.Addr(), OpTimeout: time.Second, BreakerThreshold: 3})
	defer s.Close()
	if _, ok := s.Bus.(*syncbus.CircuitBreakerBus); !ok {
		t.Fatalf("expected circuit breaker bus, got %T", s.Bus)
	}
	l := s.Lock("RedisPreset")
	expectEvents(t, s, l)

	q := s.Queue()
	q.Register("RedisPreset", func(context.Context, ...any) error { return nil }, lock.WithLoner())
	if _, ok, err := q.Enqueue(context.Background(), "RedisPreset", 1); !ok || err != nil {
		t.Fatalf("enqueue: %v %v", ok, err)
	}
	if !mr.Exists("loner:lock:RedisPreset:1") {
		t.Fatal("expected loner key in redis")
	}
}

func TestNewRedisConnectionError(t *testing.T) {
	s := NewRedis(RedisOptions{Addr: "127.0.0.1:1", OpTimeout: 200 * time.Millisecond})
	defer s.Close()
	_, err := s.Lock("Down").Acquire(context.Background())
	if err == nil {
		t.Fatal("expected connection error")
	}
}

func TestNewNATS(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natsserver.RunServer(&opts)
	defer srv.Shutdown()

	s, err := NewNATS(NATSOptions{URL: srv.ClientURL(), Bucket: "presets"})
	if err != nil {
		t.Fatalf("NewNATS: %v", err)
	}
	defer s.Close()
	expectEvents(t, s, s.Lock("NATSPreset", lock.WithTimeout(time.Minute)))
}
