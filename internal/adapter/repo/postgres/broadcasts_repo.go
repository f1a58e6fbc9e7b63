package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// BroadcastRepo persists broadcasts and drives their lifecycle transitions.
type BroadcastRepo struct{ Pool PgxPool }

// NewBroadcastRepo constructs a BroadcastRepo with the given pool.
func NewBroadcastRepo(p PgxPool) *BroadcastRepo { return &BroadcastRepo{Pool: p} }

const broadcastCols = `id, sender_id, sender_name, content, target_type, target_ids, priority, category, scheduled_at, expires_at, status, created_at, updated_at`

func scanBroadcast(row pgx.Row) (domain.Broadcast, error) {
	var b domain.Broadcast
	err := row.Scan(&b.ID, &b.SenderID, &b.SenderName, &b.Content, &b.TargetType, &b.TargetIDs,
		&b.Priority, &b.Category, &b.ScheduledAt, &b.ExpiresAt, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func insertBroadcastTx(ctx domain.Context, tx pgx.Tx, b domain.Broadcast) (domain.Broadcast, error) {
	q := `INSERT INTO broadcasts (sender_id, sender_name, content, target_type, target_ids, priority, category, scheduled_at, expires_at, status, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11) RETURNING ` + broadcastCols
	now := time.Now().UTC()
	return scanBroadcast(tx.QueryRow(ctx, q, b.SenderID, b.SenderName, b.Content, b.TargetType,
		b.TargetIDs, b.Priority, b.Category, b.ScheduledAt, b.ExpiresAt, b.Status, now))
}

// CreateActive inserts an ACTIVE broadcast, its delivery rows, a seeded
// statistics row, and the CREATED outbox events in one transaction.
func (r *BroadcastRepo) CreateActive(ctx domain.Context, b domain.Broadcast, materialize func(b domain.Broadcast) ([]domain.UserBroadcast, []domain.OutboxEvent, error)) (domain.Broadcast, error) {
	tracer := otel.Tracer("repo.broadcasts")
	ctx, span := tracer.Start(ctx, "broadcasts.CreateActive")
	defer span.End()

	b.Status = domain.BroadcastActive
	var created domain.Broadcast
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		var err error
		created, err = insertBroadcastTx(ctx, tx, b)
		if err != nil {
			return fmt.Errorf("op=broadcast.create_active: %w", err)
		}
		targets, events, err := materialize(created)
		if err != nil {
			return err
		}
		if err := insertUserBroadcastsTx(ctx, tx, targets); err != nil {
			return err
		}
		if err := seedStatisticsTx(ctx, tx, created.ID, int64(len(targets))); err != nil {
			return err
		}
		return insertOutboxTx(ctx, tx, events)
	})
	if err != nil {
		return domain.Broadcast{}, err
	}
	return created, nil
}

// CreateScheduled inserts a SCHEDULED broadcast; no delivery rows exist until
// the activation job runs.
func (r *BroadcastRepo) CreateScheduled(ctx domain.Context, b domain.Broadcast) (domain.Broadcast, error) {
	tracer := otel.Tracer("repo.broadcasts")
	ctx, span := tracer.Start(ctx, "broadcasts.CreateScheduled")
	defer span.End()

	b.Status = domain.BroadcastScheduled
	var created domain.Broadcast
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		var err error
		created, err = insertBroadcastTx(ctx, tx, b)
		if err != nil {
			return fmt.Errorf("op=broadcast.create_scheduled: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Broadcast{}, err
	}
	return created, nil
}

// Get loads a broadcast by id.
func (r *BroadcastRepo) Get(ctx domain.Context, id int64) (domain.Broadcast, error) {
	tracer := otel.Tracer("repo.broadcasts")
	ctx, span := tracer.Start(ctx, "broadcasts.Get")
	defer span.End()

	q := `SELECT ` + broadcastCols + ` FROM broadcasts WHERE id=$1`
	b, err := scanBroadcast(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Broadcast{}, fmt.Errorf("op=broadcast.get: %w", domain.ErrNotFound)
		}
		return domain.Broadcast{}, fmt.Errorf("op=broadcast.get: %w", err)
	}
	return b, nil
}

// List returns broadcasts newest first, optionally filtered by status.
func (r *BroadcastRepo) List(ctx domain.Context, filter domain.BroadcastFilter) ([]domain.Broadcast, error) {
	tracer := otel.Tracer("repo.broadcasts")
	ctx, span := tracer.Start(ctx, "broadcasts.List")
	defer span.End()

	q := `SELECT ` + broadcastCols + ` FROM broadcasts`
	var args []any
	switch filter {
	case domain.FilterActive:
		q += ` WHERE status=$1`
		args = append(args, domain.BroadcastActive)
	case domain.FilterScheduled:
		q += ` WHERE status=$1`
		args = append(args, domain.BroadcastScheduled)
	}
	q += ` ORDER BY created_at DESC LIMIT 500`
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=broadcast.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("op=broadcast.list: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ActivateDue claims due SCHEDULED broadcasts under FOR UPDATE SKIP LOCKED and
// materializes each one inside the same transaction. Competing pods skip the
// locked rows and observe zero due broadcasts.
func (r *BroadcastRepo) ActivateDue(ctx domain.Context, now time.Time, limit int, materialize func(ctx domain.Context, b domain.Broadcast) ([]domain.UserBroadcast, []domain.OutboxEvent, error)) (int, error) {
	tracer := otel.Tracer("repo.broadcasts")
	ctx, span := tracer.Start(ctx, "broadcasts.ActivateDue")
	defer span.End()

	activated := 0
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		q := `SELECT ` + broadcastCols + ` FROM broadcasts
		      WHERE status=$1 AND scheduled_at <= $2
		      ORDER BY scheduled_at LIMIT $3
		      FOR UPDATE SKIP LOCKED`
		rows, err := tx.Query(ctx, q, domain.BroadcastScheduled, now, limit)
		if err != nil {
			return fmt.Errorf("op=broadcast.activate_due: %w", err)
		}
		var due []domain.Broadcast
		for rows.Next() {
			b, err := scanBroadcast(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("op=broadcast.activate_due: %w", err)
			}
			due = append(due, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("op=broadcast.activate_due: %w", err)
		}

		for _, b := range due {
			b.Status = domain.BroadcastActive
			targets, events, err := materialize(ctx, b)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE broadcasts SET status=$2, updated_at=now() WHERE id=$1`, b.ID, domain.BroadcastActive); err != nil {
				return fmt.Errorf("op=broadcast.activate_due: %w", err)
			}
			if err := insertUserBroadcastsTx(ctx, tx, targets); err != nil {
				return err
			}
			if err := seedStatisticsTx(ctx, tx, b.ID, int64(len(targets))); err != nil {
				return err
			}
			if err := insertOutboxTx(ctx, tx, events); err != nil {
				return err
			}
			activated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return activated, nil
}

// ClaimExpired flips ACTIVE broadcasts past their expiry to EXPIRED and
// returns the claimed rows.
func (r *BroadcastRepo) ClaimExpired(ctx domain.Context, now time.Time, limit int) ([]domain.Broadcast, error) {
	tracer := otel.Tracer("repo.broadcasts")
	ctx, span := tracer.Start(ctx, "broadcasts.ClaimExpired")
	defer span.End()

	q := `UPDATE broadcasts SET status=$1, updated_at=now()
	      WHERE id IN (
	          SELECT id FROM broadcasts
	          WHERE status=$2 AND expires_at IS NOT NULL AND expires_at <= $3
	          ORDER BY expires_at LIMIT $4
	          FOR UPDATE SKIP LOCKED
	      )
	      RETURNING ` + broadcastCols
	rows, err := r.Pool.Query(ctx, q, domain.BroadcastExpired, domain.BroadcastActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=broadcast.claim_expired: %w", err)
	}
	defer rows.Close()
	var out []domain.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("op=broadcast.claim_expired: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Cancel flips a SCHEDULED or ACTIVE broadcast to CANCELLED and inserts the
// CANCELLED outbox events in the same transaction. A broadcast that is
// already terminal is left untouched and Cancel reports false.
func (r *BroadcastRepo) Cancel(ctx domain.Context, id int64, events []domain.OutboxEvent) (bool, error) {
	tracer := otel.Tracer("repo.broadcasts")
	ctx, span := tracer.Start(ctx, "broadcasts.Cancel")
	defer span.End()

	cancelled := false
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE broadcasts SET status=$2, updated_at=now() WHERE id=$1 AND status IN ($3,$4)`,
			id, domain.BroadcastCancelled, domain.BroadcastScheduled, domain.BroadcastActive)
		if err != nil {
			return fmt.Errorf("op=broadcast.cancel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		cancelled = true
		return insertOutboxTx(ctx, tx, events)
	})
	if err != nil {
		return false, err
	}
	return cancelled, nil
}
