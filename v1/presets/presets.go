package presets

import (
	"errors"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-joblock/v1/adapter"
	"github.com/mirkobrombin/go-joblock/v1/lock"
	"github.com/mirkobrombin/go-joblock/v1/queue"
	"github.com/mirkobrombin/go-joblock/v1/syncbus"
)

// Stack is a lock backend paired with the bus carrying its lock events.
type Stack struct {
	Backend adapter.Backend
	Bus     syncbus.Bus

	closers []func() error
}

// Lock returns the lock of the job called name on this stack.
func (s *Stack) Lock(name string, opts ...lock.Option) *lock.Lock {
	return lock.New(name, s.Backend, append([]lock.Option{lock.WithBus(s.Bus)}, opts...)...)
}

// Queue returns a job queue whose locks use this stack.
func (s *Stack) Queue(opts ...queue.Option) *queue.Queue {
	return queue.New(s.Backend, append([]queue.Option{queue.WithLockOptions(lock.WithBus(s.Bus))}, opts...)...)
}

// Close releases the connections opened by the preset.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// OpTimeout bounds every lock operation. Zero keeps the backend default.
	OpTimeout time.Duration
	// BreakerThreshold wraps the bus in a circuit breaker opening after that
	// many consecutive publish failures. Zero disables it.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

func (o RedisOptions) client() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     o.Addr,
		Password: o.Password,
		DB:       o.DB,
	})
}

func (o RedisOptions) backend(client redis.UniversalClient) *adapter.RedisBackend {
	var opts []adapter.RedisOption
	if o.OpTimeout > 0 {
		opts = append(opts, adapter.WithTimeout(o.OpTimeout))
	}
	return adapter.NewRedisBackend(client, opts...)
}

func (o RedisOptions) wrap(bus syncbus.Bus) syncbus.Bus {
	if o.BreakerThreshold <= 0 {
		return bus
	}
	timeout := o.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return syncbus.NewCircuitBreaker(bus, o.BreakerThreshold, timeout)
}

// NewRedis uses Redis as both the lock store and the event bus.
func NewRedis(opts RedisOptions) *Stack {
	client := opts.client()
	bus := syncbus.NewRedisBus(client)
	return &Stack{
		Backend: opts.backend(client),
		Bus:     opts.wrap(bus),
		closers: []func() error{client.Close, bus.Close},
	}
}

// NewRedisKafka stores locks in Redis and publishes lock events to Kafka.
func NewRedisKafka(opts RedisOptions, brokers []string, cfg *sarama.Config) (*Stack, error) {
	bus, err := syncbus.NewKafkaBus(brokers, cfg)
	if err != nil {
		return nil, err
	}
	client := opts.client()
	return &Stack{
		Backend: opts.backend(client),
		Bus:     opts.wrap(bus),
		closers: []func() error{client.Close, func() error { bus.Close(); return nil }},
	}, nil
}

// NATSOptions configures the connection to NATS.
type NATSOptions struct {
	URL string
	// Bucket is the JetStream key-value bucket holding lock records.
	// It is created when missing.
	Bucket string
}

// NewNATS uses a NATS JetStream key-value bucket as the lock store and core
// NATS subjects as the event bus.
func NewNATS(opts NATSOptions) (*Stack, error) {
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	kv, err := adapter.OpenNATSBucket(js, opts.Bucket)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Stack{
		Backend: adapter.NewNATSBackend(kv),
		Bus:     syncbus.NewNATSBus(conn),
		closers: []func() error{func() error { conn.Close(); return nil }},
	}, nil
}

// NewInMemoryStandalone runs entirely in process with no external
// dependencies. Useful for local development and tests.
func NewInMemoryStandalone() *Stack {
	return &Stack{
		Backend: adapter.NewInMemoryBackend(),
		Bus:     syncbus.NewInMemoryBus(),
	}
}
