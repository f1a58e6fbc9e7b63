package redpanda

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/broadcast-hub/internal/adapter/observability"
	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// DLTConsumer ingests dead-letter records into the database so operators can
// inspect and redrive them over HTTP. Unlike the dispatcher it uses a group
// id SHARED across pods: each quarantined record is persisted exactly once.
type DLTConsumer struct {
	client   *kgo.Client
	repo     domain.DltRepository
	groupID  string
	shutdown chan struct{}
}

// NewDLTConsumer constructs a DLTConsumer over the given .dlt topics.
func NewDLTConsumer(brokers []string, groupID string, topics []string, repo domain.DltRepository) (*DLTConsumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.FetchMaxWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &DLTConsumer{client: client, repo: repo, groupID: groupID, shutdown: make(chan struct{})}, nil
}

// Run polls until the context is cancelled, persisting each record.
func (c *DLTConsumer) Run(ctx context.Context) error {
	slog.Info("dlt consumer started", slog.String("group_id", c.groupID))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.shutdown:
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled {
					return ctx.Err()
				}
				slog.Error("dlt fetch error",
					slog.String("topic", fe.Topic), slog.Any("error", fe.Err))
			}
			time.Sleep(time.Second)
			continue
		}

		var processed []*kgo.Record
		seek := map[string]map[int32]kgo.EpochOffset{}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			done, failed := c.ingestPartition(ctx, p.Records)
			processed = append(processed, done...)
			if failed != nil {
				if seek[p.Topic] == nil {
					seek[p.Topic] = map[int32]kgo.EpochOffset{}
				}
				seek[p.Topic][p.Partition] = kgo.EpochOffset{Epoch: failed.LeaderEpoch, Offset: failed.Offset}
			}
		})
		if len(processed) > 0 {
			if err := c.client.CommitRecords(ctx, processed...); err != nil {
				slog.Error("dlt commit failed", slog.Any("error", err))
			}
		}
		if len(seek) > 0 {
			// Uncommitted records are not redelivered within a session, so
			// rewind the failed partitions to re-fetch from the failed record.
			c.client.SetOffsets(seek)
			time.Sleep(time.Second)
		}
	}
}

// ingestPartition persists records in offset order and stops at the first
// failure, returning the failed record. Only the contiguous prefix may be
// committed: committing a later record would move the group offset past the
// record that was never persisted.
func (c *DLTConsumer) ingestPartition(ctx context.Context, recs []*kgo.Record) (done []*kgo.Record, failed *kgo.Record) {
	for _, rec := range recs {
		if err := c.ingest(ctx, rec); err != nil {
			slog.Error("dlt ingest failed",
				slog.String("topic", rec.Topic),
				slog.Int64("offset", rec.Offset),
				slog.Any("error", err))
			return done, rec
		}
		done = append(done, rec)
	}
	return done, nil
}

// ingest persists one dead-letter record. The payload bytes are stored
// verbatim; the original coordinates come from the headers the dispatcher
// stamped when it dead-lettered the record.
func (c *DLTConsumer) ingest(ctx context.Context, rec *kgo.Record) error {
	dr := domain.DltRecord{
		OriginalTopic: rec.Topic,
		Payload:       rec.Value,
		FailedAt:      time.Now().UTC(),
	}
	for _, h := range rec.Headers {
		switch h.Key {
		case headerOriginalTopic:
			dr.OriginalTopic = string(h.Value)
		case headerOriginalPartition:
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				dr.OriginalPartition = int32(n)
			}
		case headerOriginalOffset:
			if n, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
				dr.OriginalOffset = n
			}
		case headerException:
			dr.ExceptionMessage = string(h.Value)
		}
	}
	if _, err := c.repo.Insert(ctx, dr); err != nil {
		return err
	}
	observability.DLTRecordsTotal.WithLabelValues("ingest").Inc()
	return nil
}

// Close stops polling and closes the client.
func (c *DLTConsumer) Close() {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}
	if c.client != nil {
		c.client.Close()
	}
}
