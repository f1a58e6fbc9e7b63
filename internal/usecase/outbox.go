package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/broadcast-hub/internal/adapter/observability"
	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// OutboxDrainer moves committed outbox rows to the bus. Every pod runs one;
// FOR UPDATE SKIP LOCKED in the repository keeps them off each other's rows.
type OutboxDrainer struct {
	outbox    domain.OutboxRepository
	publisher domain.EventPublisher
	interval  time.Duration
	batchSize int
}

// NewOutboxDrainer constructs an OutboxDrainer.
func NewOutboxDrainer(outbox domain.OutboxRepository, publisher domain.EventPublisher, interval time.Duration, batchSize int) *OutboxDrainer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxDrainer{outbox: outbox, publisher: publisher, interval: interval, batchSize: batchSize}
}

// Run polls until ctx is cancelled. A failed cycle rolls its rows back and
// backs off exponentially; a clean cycle resets the backoff.
func (d *OutboxDrainer) Run(ctx domain.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.interval
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	wait := d.interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		n, err := d.DrainOnce(ctx)
		if err != nil {
			observability.OutboxDrainFailuresTotal.Inc()
			wait = bo.NextBackOff()
			slog.Error("outbox drain failed",
				slog.Any("error", err), slog.Duration("retry_in", wait))
			continue
		}
		bo.Reset()
		wait = d.interval
		if n > 0 {
			slog.Debug("outbox drained", slog.Int("count", n))
		}
	}
}

// DrainOnce runs a single drain cycle and returns the rows published.
func (d *OutboxDrainer) DrainOnce(ctx domain.Context) (int, error) {
	n, err := d.outbox.Drain(ctx, d.batchSize, func(ctx domain.Context, events []domain.OutboxEvent) error {
		for _, ev := range events {
			if err := d.publisher.Publish(ctx, ev.Topic, ev.Key, ev.Payload); err != nil {
				return fmt.Errorf("op=outbox.publish id=%s: %w", ev.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	observability.OutboxDrainedTotal.Add(float64(n))
	return n, nil
}
