package redpanda

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// Publisher produces records to the bus. The outbox drainer is its only
// writer for delivery events, so duplicates on retry are expected and the
// consumer side is idempotent; no transactional producer is needed.
type Publisher struct {
	client *kgo.Client
}

// NewPublisher constructs a Publisher.
func NewPublisher(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=publisher.new: no seed brokers provided")
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=publisher.new: %w", err)
	}
	return &Publisher{client: client}, nil
}

// Publish produces one record synchronously. The key is the recipient user
// id so all of one user's events share a partition and stay ordered.
func (p *Publisher) Publish(ctx domain.Context, topic, key string, payload []byte) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: payload}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=publisher.publish topic=%s: %w", topic, err)
	}
	return nil
}

// PublishTombstone emits a nil-value record as a compaction hint.
func (p *Publisher) PublishTombstone(ctx domain.Context, topic, key string) error {
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: nil}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=publisher.tombstone topic=%s: %w", topic, err)
	}
	return nil
}

// Close flushes and closes the underlying client.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
