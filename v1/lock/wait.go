package lock

import (
	"context"
	"time"

	"github.com/mirkobrombin/go-joblock/v1/syncbus"
)

// AcquireWait retries Acquire until the lock is obtained or ctx is done.
// With a bus configured it retries as soon as the lock is released,
// otherwise every poll interval. Waiters are not served in order and
// intermediate denials do not run the LockFailed hook.
func (l *Lock) AcquireWait(ctx context.Context, args ...any) (Result, error) {
	key := l.LockKey(args...)
	secs := l.timeoutSeconds(args...)

	var wake chan struct{}
	if l.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := l.bus.Subscribe(subCtx, syncbus.UnlockTopic(key))
		if err != nil {
			l.logger.Warn("joblock: unlock subscription failed, polling", "job", l.name, "key", key, "error", err)
		} else {
			wake = ch
		}
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		res, err := l.acquire(ctx, key, secs)
		if err != nil || res.Acquired() {
			return res, err
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		}
	}
}
