package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// OutboxRepo drains co-committed events to the bus. Rows are inserted by the
// business transactions (insertOutboxTx) and only this repo deletes them.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

func insertOutboxTx(ctx domain.Context, tx pgx.Tx, events []domain.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	q := `INSERT INTO outbox_events (id, topic, event_key, payload, created_at) VALUES ($1,$2,$3,$4,$5)`
	for _, ev := range events {
		batch.Queue(q, ev.ID, ev.Topic, ev.Key, ev.Payload, ev.CreatedAt)
	}
	br := tx.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("op=outbox.insert: %w", err)
		}
	}
	return nil
}

// Drain locks up to limit rows with FOR UPDATE SKIP LOCKED, publishes them,
// and deletes them iff publish succeeds. Any publish error rolls the
// transaction back and the unlocked rows are retried on the next tick.
// SKIP LOCKED is load-bearing: without it concurrent drainers block each
// other on the same rows.
func (r *OutboxRepo) Drain(ctx domain.Context, limit int, publish func(ctx domain.Context, events []domain.OutboxEvent) error) (int, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Drain")
	defer span.End()

	drained := 0
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		q := `SELECT id, topic, event_key, payload, created_at FROM outbox_events
		      ORDER BY created_at LIMIT $1
		      FOR UPDATE SKIP LOCKED`
		rows, err := tx.Query(ctx, q, limit)
		if err != nil {
			return fmt.Errorf("op=outbox.drain: %w", err)
		}
		var events []domain.OutboxEvent
		for rows.Next() {
			var ev domain.OutboxEvent
			if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Key, &ev.Payload, &ev.CreatedAt); err != nil {
				rows.Close()
				return fmt.Errorf("op=outbox.drain: %w", err)
			}
			events = append(events, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("op=outbox.drain: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		if err := publish(ctx, events); err != nil {
			return fmt.Errorf("op=outbox.publish: %w", err)
		}

		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
		}
		if _, err := tx.Exec(ctx, `DELETE FROM outbox_events WHERE id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("op=outbox.delete: %w", err)
		}
		drained = len(events)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return drained, nil
}
