package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-joblock/v1/adapter"
	"github.com/mirkobrombin/go-joblock/v1/metrics"
	"github.com/mirkobrombin/go-joblock/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-joblock/v1/lock")

const (
	// DefaultNamespace is the first segment of lock keys.
	DefaultNamespace = "lock"

	// untimedMarker is the value stored by locks without a timeout.
	untimedMarker = "true"

	defaultPollInterval = time.Second
)

// defaultBackend is shared by every Lock created without a backend.
var defaultBackend = adapter.NewInMemoryBackend()

// Outcome is the result of an acquisition attempt.
type Outcome int

const (
	// Denied means another holder owns the lock.
	Denied Outcome = iota
	// AcquiredUntimed means the lock was taken without an expiry.
	AcquiredUntimed
	// AcquiredTimed means the lock was taken until Result.Expiry.
	AcquiredTimed
)

func (o Outcome) String() string {
	switch o {
	case AcquiredUntimed:
		return "acquired_untimed"
	case AcquiredTimed:
		return "acquired_timed"
	default:
		return "denied"
	}
}

// Result describes an acquisition attempt.
type Result struct {
	Outcome Outcome
	// Expiry is the instant a timed lock self-expires. It is zero for
	// untimed and denied results.
	Expiry time.Time
	// Recovered is set when a stale timed lock was taken over.
	Recovered bool
}

// Acquired reports whether the lock was obtained.
func (r Result) Acquired() bool { return r.Outcome != Denied }

// Lock is the immutable lock configuration of one job type. It holds no
// lock state itself and is safe for concurrent use.
type Lock struct {
	name       string
	backend    adapter.Backend
	namespace  string
	identifier func(args ...any) string
	lockKey    func(args ...any) string
	lonerKey   func(args ...any) string
	timeout    func(args ...any) time.Duration
	loner      bool
	hooks      Hooks

	now          func() time.Time
	logger       *slog.Logger
	traceEnabled bool
	bus          syncbus.Bus
	keeper       *Keeper
	pollInterval time.Duration
}

// New returns the lock of the job called name, storing its records in
// backend. A nil backend selects an in-memory backend shared by the whole
// process.
func New(name string, backend adapter.Backend, opts ...Option) *Lock {
	l := &Lock{
		name:         name,
		backend:      backend,
		namespace:    DefaultNamespace,
		timeout:      func(...any) time.Duration { return 0 },
		now:          time.Now,
		logger:       slog.Default(),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.backend == nil {
		l.backend = defaultBackend
	}
	return l
}

// Name returns the job name.
func (l *Lock) Name() string { return l.name }

// Loner reports whether the job allows a single queued or running instance.
func (l *Lock) Loner() bool { return l.loner }

// Backend returns the backend holding the lock records.
func (l *Lock) Backend() adapter.Backend { return l.backend }

// Timeout returns the effective timeout for args. Records hold whole
// seconds, so positive timeouts are rounded up to the next second.
func (l *Lock) Timeout(args ...any) time.Duration {
	return time.Duration(l.timeoutSeconds(args...)) * time.Second
}

func (l *Lock) timeoutSeconds(args ...any) int64 {
	d := l.timeout(args...)
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

// Acquire tries to take the lock for args without waiting. A denial is not
// an error: it is reported through the Result and the LockFailed hook.
//
// Timed locks follow the SETNX recovery pattern: create the record, or take
// over a stale one with an exchange, or make a last create attempt when the
// record is still valid or vanished meanwhile.
func (l *Lock) Acquire(ctx context.Context, args ...any) (Result, error) {
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Acquire")
		defer span.End()
	}
	key := l.LockKey(args...)
	res, err := l.acquire(ctx, key, l.timeoutSeconds(args...))
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}
	if span != nil {
		span.SetAttributes(
			attribute.String("joblock.key", key),
			attribute.String("joblock.outcome", res.Outcome.String()),
		)
	}
	if !res.Acquired() {
		l.logger.Debug("joblock: lock denied", "job", l.name, "key", key)
		if l.hooks.LockFailed != nil {
			l.hooks.LockFailed(ctx, args...)
		}
	}
	return res, nil
}

// acquire runs one acquisition attempt on key and records its metrics.
func (l *Lock) acquire(ctx context.Context, key string, secs int64) (Result, error) {
	start := time.Now()
	res, err := l.acquireKey(ctx, key, secs)
	metrics.AcquireLatency.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	if err != nil {
		return res, fmt.Errorf("acquire %s: %w", key, err)
	}
	switch {
	case !res.Acquired():
		metrics.AcquireCounter.WithLabelValues(l.name, metrics.ResultDenied).Inc()
	case res.Recovered:
		metrics.AcquireCounter.WithLabelValues(l.name, metrics.ResultRecovered).Inc()
		l.logger.Info("joblock: recovered stale lock", "job", l.name, "key", key)
	default:
		metrics.AcquireCounter.WithLabelValues(l.name, metrics.ResultAcquired).Inc()
	}
	if res.Acquired() {
		l.publish(ctx, syncbus.LockTopic(key))
	}
	return res, nil
}

// acquireKey implements the acquisition algorithm on an arbitrary key. It
// makes at most three backend round trips.
func (l *Lock) acquireKey(ctx context.Context, key string, secs int64) (Result, error) {
	if secs <= 0 {
		ok, err := l.backend.SetIfAbsent(ctx, key, untimedMarker)
		if err != nil || !ok {
			return Result{}, err
		}
		return Result{Outcome: AcquiredUntimed}, nil
	}

	now := l.now().Unix()
	until := now + secs
	value := strconv.FormatInt(until, 10)
	acquired := Result{Outcome: AcquiredTimed, Expiry: time.Unix(until, 0)}

	ok, err := l.backend.SetIfAbsent(ctx, key, value)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return acquired, nil
	}

	current, found, err := l.backend.Get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if found && parseExpiry(current) < now {
		prev, had, err := l.backend.Exchange(ctx, key, value)
		if err != nil {
			return Result{}, err
		}
		if !had || parseExpiry(prev) < now {
			acquired.Recovered = true
			return acquired, nil
		}
		// another process recovered it first
		return Result{}, nil
	}

	// still held, or released between the reads
	ok, err = l.backend.SetIfAbsent(ctx, key, value)
	if err != nil || !ok {
		return Result{}, err
	}
	return acquired, nil
}

// Release deletes the lock record for args. It does not check ownership:
// Around skips it when the lock expired before the job finished.
func (l *Lock) Release(ctx context.Context, args ...any) error {
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Release")
		defer span.End()
	}
	key := l.LockKey(args...)
	if _, err := l.backend.Delete(ctx, key); err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return fmt.Errorf("release %s: %w", key, err)
	}
	metrics.ReleaseCounter.WithLabelValues(l.name).Inc()
	l.publish(ctx, syncbus.UnlockTopic(key))
	return nil
}

// Refresh unconditionally rewrites the lock record with a new expiry of now
// plus the timeout and returns it. Refreshing an untimed lock rewrites its
// marker and returns the zero time.
func (l *Lock) Refresh(ctx context.Context, args ...any) (time.Time, error) {
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Refresh")
		defer span.End()
	}
	key := l.LockKey(args...)
	secs := l.timeoutSeconds(args...)

	value := untimedMarker
	var expiry time.Time
	if secs > 0 {
		until := l.now().Unix() + secs
		value = strconv.FormatInt(until, 10)
		expiry = time.Unix(until, 0)
	}
	if _, _, err := l.backend.Exchange(ctx, key, value); err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return time.Time{}, fmt.Errorf("refresh %s: %w", key, err)
	}
	metrics.RefreshCounter.WithLabelValues(l.name).Inc()
	return expiry, nil
}

// Locked reports whether the lock for args is held. A timed lock whose
// expiry has passed is not held even if its record still exists.
func (l *Lock) Locked(ctx context.Context, args ...any) (bool, error) {
	return l.inspect(ctx, l.LockKey(args...), l.timeoutSeconds(args...))
}

func (l *Lock) inspect(ctx context.Context, key string, secs int64) (bool, error) {
	if secs <= 0 {
		return l.backend.Exists(ctx, key)
	}
	v, ok, err := l.backend.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return parseExpiry(v) > l.now().Unix(), nil
}

func (l *Lock) publish(ctx context.Context, topic string) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(ctx, topic); err != nil {
		l.logger.Warn("joblock: bus publish failed", "job", l.name, "topic", topic, "error", err)
	}
}

// parseExpiry reads a stored expiry. Anything that is not an integer reads
// as 0 and is therefore stale.
func parseExpiry(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
