package syncbus

import (
	"context"
	"encoding/base64"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using core NATS subjects.
type NATSBus struct {
	conn *nats.Conn
	f    *fanout

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn: conn,
		f:    newFanout(),
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(natsSubject(topic), []byte("1")); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		sub, err := b.conn.Subscribe(natsSubject(topic), func(_ *nats.Msg) {
			b.f.deliver(topic)
		})
		if err != nil {
			return nil, err
		}
		// make sure the server knows about the interest before returning
		if err := b.conn.Flush(); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
		b.subs[topic] = sub
	}
	ch, _ := b.f.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.f.remove(topic, ch); !last {
		return nil
	}
	sub, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.f.metrics()
}

// natsSubject maps a topic onto a single-token NATS subject. The topic is
// base64url encoded, so distinct topics never share a subject.
func natsSubject(topic string) string {
	return "joblock." + base64.RawURLEncoding.EncodeToString([]byte(topic))
}
