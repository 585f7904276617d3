package syncbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-joblock/v1/syncbus")

// RedisBus implements Bus using Redis pub/sub. Each topic with local
// subscribers holds one Redis subscription.
type RedisBus struct {
	client redis.UniversalClient
	f      *fanout

	mu   sync.Mutex
	subs map[string]*redisTopic
}

// redisTopic is the Redis subscription of one topic. ps and err are set
// before ready is closed.
type redisTopic struct {
	ready chan struct{}
	ps    *redis.PubSub
	err   error
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{
		client: client,
		f:      newFanout(),
		subs:   make(map[string]*redisTopic),
	}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("joblock.bus.topic", topic)))
	defer span.End()
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		span.RecordError(err)
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
// The first subscriber of a topic waits for the Redis confirmation without
// holding the bus lock; later subscribers of the same topic wait for it too.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	ch, _ := b.f.add(topic)
	rt, ok := b.subs[topic]
	if !ok {
		rt = &redisTopic{ready: make(chan struct{})}
		b.subs[topic] = rt
	}
	b.mu.Unlock()

	if !ok {
		ps := b.client.Subscribe(ctx, topic)
		// wait for the subscription confirmation so that no publish is missed
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			rt.err = err
			// let the next subscriber retry
			b.mu.Lock()
			if b.subs[topic] == rt {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
		} else {
			rt.ps = ps
			go b.dispatch(ps, topic)
		}
		close(rt.ready)
	}

	select {
	case <-rt.ready:
	case <-ctx.Done():
		_ = b.Unsubscribe(context.Background(), topic, ch)
		return nil, ctx.Err()
	}
	if rt.err != nil {
		_ = b.Unsubscribe(context.Background(), topic, ch)
		return nil, rt.err
	}
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub, topic string) {
	for range ps.Channel() {
		b.f.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	_, last := b.f.remove(topic, ch)
	rt, ok := b.subs[topic]
	if !last || !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, topic)
	b.mu.Unlock()
	return rt.close()
}

// close drops the Redis subscription once its setup has finished.
func (rt *redisTopic) close() error {
	<-rt.ready
	if rt.ps == nil {
		return nil
	}
	return rt.ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.f.metrics()
}

// Close drops every Redis subscription held by the bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	topics := make([]*redisTopic, 0, len(b.subs))
	for topic, rt := range b.subs {
		topics = append(topics, rt)
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	var firstErr error
	for _, rt := range topics {
		if err := rt.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
