package syncbus

import (
	"context"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"
)

// maxKafkaTopicLen is the longest topic name Kafka accepts.
const maxKafkaTopicLen = 249

// KafkaBus implements Bus using a Kafka backend. Every topic is consumed
// from partition 0 starting at the newest offset.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	closers  []func() error
	f        *fanout

	mu   sync.Mutex
	subs map[string]sarama.PartitionConsumer
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFromClients(producer, consumer)
	b.closers = append(b.closers, client.Close)
	return b, nil
}

// NewKafkaBusFromClients builds a KafkaBus over an existing producer and
// consumer. Close closes both.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		f:        newFanout(),
		subs:     make(map[string]sarama.PartitionConsumer),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: kafkaTopic(topic), Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[topic]; !ok {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		b.subs[topic] = pc
		go b.dispatch(pc, topic)
	}
	ch, _ := b.f.add(topic)
	unsubscribeOnDone(ctx, b, topic, ch)
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer, topic string) {
	for range pc.Messages() {
		b.f.deliver(topic)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, last := b.f.remove(topic, ch); !last {
		return nil
	}
	pc, ok := b.subs[topic]
	if !ok {
		return nil
	}
	delete(b.subs, topic)
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.f.metrics()
}

// Close releases resources used by the KafkaBus.
func (b *KafkaBus) Close() {
	b.mu.Lock()
	for topic, pc := range b.subs {
		_ = pc.Close()
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	_ = b.producer.Close()
	_ = b.consumer.Close()
	for _, c := range b.closers {
		_ = c()
	}
}

// kafkaTopic maps a topic onto the characters Kafka allows in topic names.
func kafkaTopic(topic string) string {
	t := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '.'
	}, "joblock."+topic)
	if len(t) > maxKafkaTopicLen {
		t = t[:maxKafkaTopicLen]
	}
	return t
}
