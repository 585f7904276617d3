// Package syncbus propagates lock lifecycle notifications across processes.
//
// A lock configured with a Bus publishes LockTopic(key) after a successful
// acquisition and UnlockTopic(key) after a release. Waiters subscribe to the
// unlock topic to retry acquisition early instead of polling. Notifications
// carry no payload and are coalesced: a slow subscriber sees at most one
// pending wake-up per channel.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism for lock notifications.
type Bus interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error
}

// LockTopic is the topic published when key is acquired.
func LockTopic(key string) string { return "lock:" + key }

// UnlockTopic is the topic published when key is released.
func UnlockTopic(key string) string { return "unlock:" + key }

// Metrics reports bus activity counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps the local subscribers of every topic and delivers
// notifications to them without blocking.
type fanout struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string][]chan struct{})}
}

// add registers a new channel for topic. first reports whether topic had no
// subscribers before.
func (f *fanout) add(topic string) (ch chan struct{}, first bool) {
	ch = make(chan struct{}, 1)
	f.mu.Lock()
	first = len(f.subs[topic]) == 0
	f.subs[topic] = append(f.subs[topic], ch)
	f.mu.Unlock()
	return ch, first
}

// remove closes ch and drops it from topic. last reports whether topic has
// no subscribers left.
func (f *fanout) remove(topic string, ch chan struct{}) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[topic]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, topic)
		return found, true
	}
	f.subs[topic] = subs
	return found, false
}

// deliver sends under f.mu so that remove cannot close a channel mid-send.
func (f *fanout) deliver(topic string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		select {
		case ch <- struct{}{}:
			f.delivered.Add(1)
		default:
		}
	}
}

func (f *fanout) has(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic]) > 0
}

func (f *fanout) metrics() Metrics {
	return Metrics{
		Published: f.published.Load(),
		Delivered: f.delivered.Load(),
	}
}

// unsubscribeOnDone removes ch once ctx is done.
func unsubscribeOnDone(ctx context.Context, b Bus, topic string, ch chan struct{}) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
}

// InMemoryBus is a local implementation of Bus for a single process and
// for tests.
type InMemoryBus struct {
	f *fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{f: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.f.published.Add(1)
	b.f.deliver(topic)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch, _ := b.f.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.f.metrics()
}
