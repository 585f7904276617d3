package lock

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-joblock/v1/metrics"
)

// Enqueued reports whether a loner job with args is waiting to run.
func (l *Lock) Enqueued(ctx context.Context, args ...any) (bool, error) {
	return l.inspect(ctx, l.LonerKey(args...), l.timeoutSeconds(args...))
}

// LonerLocked reports whether the job is running or, for loner jobs,
// waiting to run.
func (l *Lock) LonerLocked(ctx context.Context, args ...any) (bool, error) {
	locked, err := l.Locked(ctx, args...)
	if err != nil || locked || !l.loner {
		return locked, err
	}
	return l.Enqueued(ctx, args...)
}

// BeforeEnqueue decides whether a job with args may be submitted. Jobs that
// are not loners are always admitted. A loner is rejected while the same job
// runs or waits to run; otherwise the loner key is taken with the same
// algorithm as Acquire and stays set until Around starts the job.
func (l *Lock) BeforeEnqueue(ctx context.Context, args ...any) (bool, error) {
	if !l.loner {
		return true, nil
	}
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.BeforeEnqueue")
		defer span.End()
	}
	ok, err := l.admit(ctx, args...)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return false, err
	}
	if span != nil {
		span.SetAttributes(attribute.Bool("joblock.admitted", ok))
	}
	if !ok {
		metrics.EnqueueCounter.WithLabelValues(l.name, metrics.ResultRejected).Inc()
		l.logger.Debug("joblock: loner enqueue rejected", "job", l.name, "key", l.LonerKey(args...))
		if l.hooks.EnqueueFailed != nil {
			l.hooks.EnqueueFailed(ctx, args...)
		}
		return false, nil
	}
	metrics.EnqueueCounter.WithLabelValues(l.name, metrics.ResultAdmitted).Inc()
	return true, nil
}

func (l *Lock) admit(ctx context.Context, args ...any) (bool, error) {
	locked, err := l.Locked(ctx, args...)
	if err != nil || locked {
		return false, err
	}
	key := l.LonerKey(args...)
	res, err := l.acquireKey(ctx, key, l.timeoutSeconds(args...))
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return res.Acquired(), nil
}

// ReleaseLoner deletes the loner key for args.
func (l *Lock) ReleaseLoner(ctx context.Context, args ...any) error {
	key := l.LonerKey(args...)
	if _, err := l.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
