// Package redpanda provides the Redpanda/Kafka integration: the event
// publisher fed by the outbox drainer, the per-pod dispatcher that fans
// delivery events out to local SSE sinks, and the dead-letter ingest
// consumer.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// EnsureTopics creates the core topics and their paired dead-letter topics.
// Safe to call from every pod on startup.
func EnsureTopics(ctx context.Context, brokers []string, partitions int32, topics ...string) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("op=topics.ensure: %w", err)
	}
	defer client.Close()

	for _, topic := range topics {
		if err := createTopicIfNotExists(ctx, client, topic, partitions, 1); err != nil {
			slog.Warn("topic creation failed, it may already exist",
				slog.String("topic", topic), slog.Any("error", err))
		}
		// Dead-letter topics stay single-partition; ordering there is by
		// failure time and volume is expected to be tiny.
		if err := createTopicIfNotExists(ctx, client, topic+".dlt", 1, 1); err != nil {
			slog.Warn("dlt topic creation failed, it may already exist",
				slog.String("topic", topic+".dlt"), slog.Any("error", err))
		}
	}
	return nil
}

// createTopicIfNotExists creates a topic via the admin API and treats
// TOPIC_ALREADY_EXISTS (error code 36) as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		partitions = 1
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, tr := range createResp.Topics {
		if tr.ErrorCode != 0 {
			if tr.ErrorCode == 36 {
				return nil
			}
			msg := ""
			if tr.ErrorMessage != nil {
				msg = *tr.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", tr.Topic, msg, tr.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", tr.Topic), slog.Int("partitions", int(partitions)))
	}
	return nil
}
