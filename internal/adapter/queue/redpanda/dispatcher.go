package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/broadcast-hub/internal/adapter/observability"
	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// Record headers used by the retry and dead-letter flow.
const (
	headerRetryCount        = "retry_count"
	headerOriginalTopic     = "original_topic"
	headerOriginalPartition = "original_partition"
	headerOriginalOffset    = "original_offset"
	headerException         = "exception_message"
)

// EventHandler routes one decoded delivery event. A returned error means the
// record is retried and eventually dead-lettered; handlers must swallow
// conditions that a retry cannot fix.
type EventHandler interface {
	Handle(ctx domain.Context, ev domain.MessageDeliveryEvent) error
	// DeadLettered records the terminal failure of an event that exhausted
	// its retries, after the record is on the dead-letter topic.
	DeadLettered(ctx domain.Context, ev domain.MessageDeliveryEvent)
}

// Dispatcher consumes delivery events and fans them out to this pod's SSE
// sinks. Every pod runs one with its own consumer group (prefix + pod id),
// so each pod sees every event; duplicate processing across pods is made
// harmless by the conditional transitions in the database.
type Dispatcher struct {
	client      *kgo.Client
	handler     EventHandler
	groupID     string
	topics      []string
	maxAttempts int
	shutdown    chan struct{}
}

// NewDispatcher constructs a Dispatcher consuming the given topics.
func NewDispatcher(brokers []string, groupID string, topics []string, maxAttempts int, handler EventHandler) (*Dispatcher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=dispatcher.new: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=dispatcher.new: missing group id")
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	kotelService := kotel.NewKotel(kotel.WithTracer(
		kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider())),
	))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=dispatcher.new: %w", err)
	}
	return &Dispatcher{
		client:      client,
		handler:     handler,
		groupID:     groupID,
		topics:      topics,
		maxAttempts: maxAttempts,
		shutdown:    make(chan struct{}),
	}, nil
}

// Run polls until the context is cancelled. Records within a partition are
// processed in order; partitions are independent.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started",
		slog.String("group_id", d.groupID), slog.Any("topics", d.topics))
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher shutting down", slog.String("group_id", d.groupID))
			return ctx.Err()
		case <-d.shutdown:
			return nil
		default:
		}

		fetches := d.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled {
					return ctx.Err()
				}
				slog.Error("dispatcher fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			time.Sleep(time.Second)
			continue
		}

		var processed []*kgo.Record
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				d.processRecord(ctx, rec)
				processed = append(processed, rec)
			}
		})
		if len(processed) > 0 {
			if err := d.client.CommitRecords(ctx, processed...); err != nil {
				slog.Error("dispatcher commit failed", slog.Any("error", err))
			}
		}
	}
}

// processRecord decodes and handles one record. Handler errors re-produce
// the record with an incremented retry count; past maxAttempts, or when the
// payload does not decode at all, the record goes to the dead-letter topic.
// The record is always committed: its failure lives on as a new record.
func (d *Dispatcher) processRecord(ctx context.Context, rec *kgo.Record) {
	tracer := otel.Tracer("queue.dispatcher")
	ctx, span := tracer.Start(ctx, "DispatchDeliveryEvent")
	defer span.End()

	if len(rec.Value) == 0 {
		// Compaction tombstone, nothing to dispatch.
		return
	}

	ev, err := domain.DecodeDeliveryEvent(rec.Value)
	if err != nil {
		slog.Error("undecodable record, dead-lettering",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		d.deadLetter(ctx, rec, err)
		observability.EventsDispatchedTotal.WithLabelValues("unknown", "dlt").Inc()
		return
	}

	if err := d.handler.Handle(ctx, ev); err != nil {
		attempt := retryCount(rec) + 1
		if attempt >= d.maxAttempts {
			slog.Error("record exhausted retries, dead-lettering",
				slog.String("topic", rec.Topic),
				slog.String("event_id", ev.EventID),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			d.deadLetter(ctx, rec, err)
			d.handler.DeadLettered(ctx, ev)
			observability.EventsDispatchedTotal.WithLabelValues(string(ev.EventType), "dlt").Inc()
			return
		}
		slog.Warn("record failed, requeueing",
			slog.String("topic", rec.Topic),
			slog.String("event_id", ev.EventID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		d.requeue(ctx, rec, attempt)
		observability.EventsDispatchedTotal.WithLabelValues(string(ev.EventType), "retried").Inc()
		return
	}
	observability.EventsDispatchedTotal.WithLabelValues(string(ev.EventType), "ok").Inc()
}

// requeue re-produces the record to its own topic with the retry count
// header bumped. Ordering within the partition is lost for this record,
// which is acceptable: every handler transition is conditional.
func (d *Dispatcher) requeue(ctx context.Context, rec *kgo.Record, attempt int) {
	next := &kgo.Record{
		Topic: rec.Topic,
		Key:   rec.Key,
		Value: rec.Value,
		Headers: []kgo.RecordHeader{
			{Key: headerRetryCount, Value: []byte(strconv.Itoa(attempt))},
		},
	}
	if err := d.client.ProduceSync(ctx, next).FirstErr(); err != nil {
		slog.Error("requeue produce failed, dead-lettering instead",
			slog.String("topic", rec.Topic), slog.Any("error", err))
		d.deadLetter(ctx, rec, fmt.Errorf("requeue failed: %w", err))
	}
}

// deadLetter produces the record verbatim to its paired .dlt topic with the
// original coordinates and failure message in headers.
func (d *Dispatcher) deadLetter(ctx context.Context, rec *kgo.Record, cause error) {
	dead := &kgo.Record{
		Topic: rec.Topic + ".dlt",
		Key:   rec.Key,
		Value: rec.Value,
		Headers: []kgo.RecordHeader{
			{Key: headerOriginalTopic, Value: []byte(rec.Topic)},
			{Key: headerOriginalPartition, Value: []byte(strconv.Itoa(int(rec.Partition)))},
			{Key: headerOriginalOffset, Value: []byte(strconv.FormatInt(rec.Offset, 10))},
			{Key: headerException, Value: []byte(cause.Error())},
		},
	}
	if err := d.client.ProduceSync(ctx, dead).FirstErr(); err != nil {
		// The record is lost from the bus but its PENDING row in the
		// database still exists; reconnect replay remains the backstop.
		slog.Error("dead-letter produce failed",
			slog.String("topic", dead.Topic), slog.Any("error", err))
	}
}

func retryCount(rec *kgo.Record) int {
	for _, h := range rec.Headers {
		if h.Key == headerRetryCount {
			n, err := strconv.Atoi(string(h.Value))
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}

// Close stops polling and closes the client.
func (d *Dispatcher) Close() {
	select {
	case <-d.shutdown:
	default:
		close(d.shutdown)
	}
	if d.client != nil {
		d.client.Close()
	}
}
