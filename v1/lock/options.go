package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-joblock/v1/adapter"
	"github.com/mirkobrombin/go-joblock/v1/syncbus"
)

// Hook is a callback invoked with the job arguments.
type Hook func(ctx context.Context, args ...any)

// Hooks groups the optional callbacks of a Lock. A nil field is a no-op.
type Hooks struct {
	// LockFailed runs when Acquire is denied.
	LockFailed Hook
	// LockExpiredBeforeRelease runs when a timed lock expired before the
	// job finished. The lock record is left untouched in that case.
	LockExpiredBeforeRelease Hook
	// EnqueueFailed runs when BeforeEnqueue rejects a loner job.
	EnqueueFailed Hook
}

// Option configures a Lock.
type Option func(*Lock)

// WithNamespace sets the first segment of the default lock key.
// The default namespace is "lock".
func WithNamespace(ns string) Option {
	return func(l *Lock) {
		l.namespace = ns
	}
}

// WithIdentifier overrides how job arguments become the identifier segment
// of the lock key. Returning a constant serializes every instance of the job
// regardless of its arguments.
func WithIdentifier(fn func(args ...any) string) Option {
	return func(l *Lock) {
		l.identifier = fn
	}
}

// WithLockKey fully overrides the lock key.
func WithLockKey(fn func(args ...any) string) Option {
	return func(l *Lock) {
		l.lockKey = fn
	}
}

// WithLonerKey fully overrides the loner key.
func WithLonerKey(fn func(args ...any) string) Option {
	return func(l *Lock) {
		l.lonerKey = fn
	}
}

// WithTimeout sets how long the lock may be held. Zero or a negative value
// makes the lock untimed: it is held until released.
func WithTimeout(d time.Duration) Option {
	return func(l *Lock) {
		l.timeout = func(...any) time.Duration { return d }
	}
}

// WithTimeoutFunc computes the timeout from the job arguments.
func WithTimeoutFunc(fn func(args ...any) time.Duration) Option {
	return func(l *Lock) {
		l.timeout = fn
	}
}

// WithLoner allows at most one queued or running instance of the job per
// lock key.
func WithLoner() Option {
	return func(l *Lock) {
		l.loner = true
	}
}

// WithBackend stores the lock records of this job in b instead of the
// backend passed to New.
func WithBackend(b adapter.Backend) Option {
	return func(l *Lock) {
		l.backend = b
	}
}

// WithHooks sets all callbacks at once.
func WithHooks(h Hooks) Option {
	return func(l *Lock) {
		l.hooks = h
	}
}

// WithOnLockFailed sets Hooks.LockFailed.
func WithOnLockFailed(fn Hook) Option {
	return func(l *Lock) {
		l.hooks.LockFailed = fn
	}
}

// WithOnLockExpiredBeforeRelease sets Hooks.LockExpiredBeforeRelease.
func WithOnLockExpiredBeforeRelease(fn Hook) Option {
	return func(l *Lock) {
		l.hooks.LockExpiredBeforeRelease = fn
	}
}

// WithOnEnqueueFailed sets Hooks.EnqueueFailed.
func WithOnEnqueueFailed(fn Hook) Option {
	return func(l *Lock) {
		l.hooks.EnqueueFailed = fn
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		l.now = now
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lock) {
		l.logger = logger
	}
}

// WithTracing enables OpenTelemetry tracing for lock operations.
func WithTracing() Option {
	return func(l *Lock) {
		l.traceEnabled = true
	}
}

// WithBus publishes lock and unlock events for every acquisition and
// release. AcquireWait also uses it to wake up on releases.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Lock) {
		l.bus = bus
	}
}

// WithKeeper makes Around refresh timed locks through k while the job runs.
func WithKeeper(k *Keeper) Option {
	return func(l *Lock) {
		l.keeper = k
	}
}

// WithPollInterval sets how often AcquireWait retries when no unlock event
// arrives. The default is one second.
func WithPollInterval(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}
