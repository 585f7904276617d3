package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	lockerrors "github.com/mirkobrombin/go-joblock/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisBackend implements Backend on top of Redis using SETNX, GET, GETSET,
// DEL and EXISTS. Each of those commands is atomic on a single key.
type RedisBackend struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisBackend.
type RedisOption func(*redisBackendOptions)

type redisBackendOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisBackendOptions) {
		o.timeout = d
	}
}

// NewRedisBackend returns a new RedisBackend using the provided client.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	o := redisBackendOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisBackend{client: client, timeout: o.timeout}
}

// SetIfAbsent implements Backend.SetIfAbsent.
func (b *RedisBackend) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	cctx, cancel, err := b.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := b.client.SetNX(cctx, key, value, 0).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return ok, nil
}

// Get implements Backend.Get.
func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := b.opContext(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := b.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapRedisErr(err)
	}
	return v, true, nil
}

// Exchange implements Backend.Exchange using GETSET.
func (b *RedisBackend) Exchange(ctx context.Context, key, value string) (string, bool, error) {
	cctx, cancel, err := b.opContext(ctx)
	if err != nil {
		return "", false, err
	}
	defer cancel()
	prev, err := b.client.GetSet(cctx, key, value).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapRedisErr(err)
	}
	return prev, true, nil
}

// Delete implements Backend.Delete.
func (b *RedisBackend) Delete(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := b.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := b.client.Del(cctx, key).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n > 0, nil
}

// Exists implements Backend.Exists.
func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := b.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := b.client.Exists(cctx, key).Result()
	if err != nil {
		return false, mapRedisErr(err)
	}
	return n > 0, nil
}

func (b *RedisBackend) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, nil, lockerrors.ErrTimeout
		}
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	return cctx, cancel, nil
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return lockerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return lockerrors.ErrConnectionClosed
	}
	return err
}
