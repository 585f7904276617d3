package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-joblock/v1/adapter"
	"github.com/mirkobrombin/go-joblock/v1/syncbus"
)

func TestAcquireWaitWakesOnRelease(t *testing.T) {
	ctx := context.Background()
	bus := syncbus.NewInMemoryBus()
	backend := adapter.NewInMemoryBackend()
	l := New("Waiter", backend, WithBus(bus), WithPollInterval(time.Minute))

	if res, _ := l.Acquire(ctx); !res.Acquired() {
		t.Fatal("expected setup acquire")
	}

	done := make(chan Result, 1)
	go func() {
		res, err := l.AcquireWait(ctx)
		if err != nil {
			t.Errorf("acquire wait: %v", err)
		}
		done <- res
	}()

	// give the waiter time to subscribe and fail its first attempt
	time.Sleep(50 * time.Millisecond)
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case res := <-done:
		if !res.Acquired() {
			t.Fatalf("expected waiter to acquire, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake on release")
	}
}

func TestAcquireWaitPolls(t *testing.T) {
	ctx := context.Background()
	l := New("Poller", adapter.NewInMemoryBackend(), WithPollInterval(10*time.Millisecond))
	if res, _ := l.Acquire(ctx); !res.Acquired() {
		t.Fatal("expected setup acquire")
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = l.Release(ctx)
	}()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := l.AcquireWait(wctx)
	if err != nil || !res.Acquired() {
		t.Fatalf("expected polling acquire, got %+v err %v", res, err)
	}
}

func TestAcquireWaitHonorsContext(t *testing.T) {
	ctx := context.Background()
	var failed atomic.Int32
	l := New("Impatient", adapter.NewInMemoryBackend(),
		WithPollInterval(5*time.Millisecond),
		WithOnLockFailed(func(context.Context, ...any) { failed.Add(1) }))
	if res, _ := l.Acquire(ctx); !res.Acquired() {
		t.Fatal("expected setup acquire")
	}
	wctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := l.AcquireWait(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if failed.Load() != 0 {
		t.Fatalf("waiting must not run LockFailed, ran %d times", failed.Load())
	}
}

func TestAcquireWaitContendedWorkers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	l := New("Contended", adapter.NewInMemoryBackend(), WithBus(syncbus.NewInMemoryBus()), WithPollInterval(10*time.Millisecond))

	var holders, runs atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := l.AcquireWait(ctx); err != nil {
					t.Errorf("acquire wait: %v", err)
					return
				}
				if holders.Add(1) != 1 {
					t.Error("two workers hold the lock")
				}
				runs.Add(1)
				holders.Add(-1)
				if err := l.Release(ctx); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if runs.Load() != 800 {
		t.Fatalf("expected 800 runs, got %d", runs.Load())
	}
}
