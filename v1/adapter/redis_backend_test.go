package adapter_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-joblock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-joblock/v1/errors"
)

// newRedisBackendWithServer returns a Redis-backed backend along with the
// underlying miniredis server and client. When JOBLOCK_TEST_REDIS_ADDR is
// set the real server at that address is used instead and the returned
// miniredis is nil.
func newRedisBackendWithServer(t *testing.T) (*adapter.RedisBackend, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	ctx := context.Background()
	if addr := os.Getenv("JOBLOCK_TEST_REDIS_ADDR"); addr != "" {
		t.Logf("using real Redis at %s", addr)
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flushdb: %v", err)
		}
		t.Cleanup(func() {
			_ = client.FlushDB(ctx).Err()
			_ = client.Close()
		})
		return adapter.NewRedisBackend(client), nil, client
	}
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return adapter.NewRedisBackend(client), mr, client
}

func TestRedisBackendContract(t *testing.T) {
	b, _, _ := newRedisBackendWithServer(t)
	testBackendContract(t, b)
}

func TestRedisBackendStoresPlainStrings(t *testing.T) {
	b, _, client := newRedisBackendWithServer(t)
	ctx := context.Background()
	if _, err := b.SetIfAbsent(ctx, "lock:job:1", "1700000000"); err != nil {
		t.Fatalf("SetIfAbsent: %v", err)
	}
	v, err := client.Get(ctx, "lock:job:1").Result()
	if err != nil || v != "1700000000" {
		t.Fatalf("raw GET: expected 1700000000, got %q err %v", v, err)
	}
}

func TestRedisBackendServerDown(t *testing.T) {
	b, mr, _ := newRedisBackendWithServer(t)
	if mr == nil {
		t.Skip("server shutdown needs miniredis")
	}
	mr.Close()
	if _, err := b.SetIfAbsent(context.Background(), "k", "v"); err == nil {
		t.Fatal("expected error with server down")
	}
}

func TestRedisBackendSentinelErrors(t *testing.T) {
	t.Run("connection closed", func(t *testing.T) {
		b, _, client := newRedisBackendWithServer(t)
		_ = client.Close()
		if _, _, err := b.Get(context.Background(), "k"); !errors.Is(err, lockerrors.ErrConnectionClosed) {
			t.Fatalf("expected connection closed, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		b, _, _ := newRedisBackendWithServer(t)
		tCtx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		time.Sleep(time.Millisecond)
		if _, err := b.Exists(tCtx, "k"); !errors.Is(err, lockerrors.ErrTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	})
}
