package lock

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-joblock/v1/metrics"
)

// Around runs body while holding the lock for args.
//
// The loner key is cleared as soon as the job is dequeued, whether or not
// the lock is obtained. When the lock is denied body is skipped and Around
// returns nil. Otherwise the lock is released after body returns, fails or
// panics, unless a timed lock already expired: then the record is left for
// whoever holds it now and the LockExpiredBeforeRelease hook runs instead.
//
// The error of body is returned, joined with any release error.
func (l *Lock) Around(ctx context.Context, body func(ctx context.Context) error, args ...any) (err error) {
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Around")
		defer span.End()
	}

	res, err := l.Acquire(ctx, args...)
	if err != nil {
		return err
	}
	if l.loner {
		if lerr := l.ReleaseLoner(ctx, args...); lerr != nil {
			if res.Acquired() {
				lerr = errors.Join(lerr, l.Release(context.WithoutCancel(ctx), args...))
			}
			return lerr
		}
	}
	if span != nil {
		span.SetAttributes(attribute.Bool("joblock.acquired", res.Acquired()))
	}
	if !res.Acquired() {
		return nil
	}

	var lease *Lease
	if l.keeper != nil && res.Outcome == AcquiredTimed {
		lease, err = l.keeper.start(ctx, l, res.Expiry, args)
		if err != nil {
			l.logger.Warn("joblock: lock keeper unavailable", "job", l.name, "error", err)
		}
	}

	running := metrics.RunningGauge.WithLabelValues(l.name)
	running.Inc()
	defer func() {
		running.Dec()
		expiry := res.Expiry
		if lease != nil {
			lease.Stop()
			expiry = lease.Expiry()
		}
		if rerr := l.finish(context.WithoutCancel(ctx), res.Outcome, expiry, args); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	return body(ctx)
}

// finish releases the lock after a run, or reports that it expired first.
func (l *Lock) finish(ctx context.Context, outcome Outcome, expiry time.Time, args []any) error {
	if outcome == AcquiredTimed && l.now().Unix() >= expiry.Unix() {
		metrics.ExpiredCounter.WithLabelValues(l.name).Inc()
		l.logger.Warn("joblock: lock expired before release", "job", l.name, "key", l.LockKey(args...), "expiry", expiry)
		if l.hooks.LockExpiredBeforeRelease != nil {
			l.hooks.LockExpiredBeforeRelease(ctx, args...)
		}
		return nil
	}
	return l.Release(ctx, args...)
}
