package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// UserBroadcastRepo persists per-recipient delivery records and the
// statistics counters coupled to their transitions.
type UserBroadcastRepo struct{ Pool PgxPool }

// NewUserBroadcastRepo constructs a UserBroadcastRepo with the given pool.
func NewUserBroadcastRepo(p PgxPool) *UserBroadcastRepo { return &UserBroadcastRepo{Pool: p} }

const userBroadcastCols = `id, broadcast_id, user_id, delivery_status, read_status, delivered_at, read_at, created_at, updated_at`

func scanUserBroadcast(row pgx.Row) (domain.UserBroadcast, error) {
	var ub domain.UserBroadcast
	err := row.Scan(&ub.ID, &ub.BroadcastID, &ub.UserID, &ub.DeliveryStatus, &ub.ReadStatus,
		&ub.DeliveredAt, &ub.ReadAt, &ub.CreatedAt, &ub.UpdatedAt)
	return ub, err
}

func insertUserBroadcastsTx(ctx domain.Context, tx pgx.Tx, rows []domain.UserBroadcast) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	q := `INSERT INTO user_broadcasts (id, broadcast_id, user_id, delivery_status, read_status, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$6) ON CONFLICT (broadcast_id, user_id) DO NOTHING`
	for _, ub := range rows {
		batch.Queue(q, ub.ID, ub.BroadcastID, ub.UserID, ub.DeliveryStatus, ub.ReadStatus, ub.CreatedAt)
	}
	br := tx.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("op=user_broadcast.insert_batch: %w", err)
		}
	}
	return nil
}

func seedStatisticsTx(ctx domain.Context, tx pgx.Tx, broadcastID, totalTargeted int64) error {
	q := `INSERT INTO broadcast_statistics (broadcast_id, total_targeted, calculated_at)
	      VALUES ($1, $2, now())
	      ON CONFLICT (broadcast_id) DO UPDATE SET total_targeted = EXCLUDED.total_targeted, calculated_at = now()`
	if _, err := tx.Exec(ctx, q, broadcastID, totalTargeted); err != nil {
		return fmt.Errorf("op=statistics.seed: %w", err)
	}
	return nil
}

// FindPending returns the unique PENDING row for (user, broadcast). The
// status filter lives inside the query: a duplicate CREATED event finds no
// row and delivery becomes a no-op.
func (r *UserBroadcastRepo) FindPending(ctx domain.Context, userID string, broadcastID int64) (domain.UserBroadcast, error) {
	tracer := otel.Tracer("repo.user_broadcasts")
	ctx, span := tracer.Start(ctx, "user_broadcasts.FindPending")
	defer span.End()

	q := `SELECT ` + userBroadcastCols + ` FROM user_broadcasts WHERE user_id=$1 AND broadcast_id=$2 AND delivery_status=$3`
	ub, err := scanUserBroadcast(r.Pool.QueryRow(ctx, q, userID, broadcastID, domain.DeliveryPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserBroadcast{}, fmt.Errorf("op=user_broadcast.find_pending: %w", domain.ErrNotFound)
		}
		return domain.UserBroadcast{}, fmt.Errorf("op=user_broadcast.find_pending: %w", err)
	}
	return ub, nil
}

// ListPendingByUser returns PENDING rows in created-at ascending order so
// reconnect replay preserves send order.
func (r *UserBroadcastRepo) ListPendingByUser(ctx domain.Context, userID string) ([]domain.UserBroadcast, error) {
	tracer := otel.Tracer("repo.user_broadcasts")
	ctx, span := tracer.Start(ctx, "user_broadcasts.ListPendingByUser")
	defer span.End()

	q := `SELECT ` + userBroadcastCols + ` FROM user_broadcasts WHERE user_id=$1 AND delivery_status=$2 ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, userID, domain.DeliveryPending)
	if err != nil {
		return nil, fmt.Errorf("op=user_broadcast.list_pending: %w", err)
	}
	defer rows.Close()
	return collectUserBroadcasts(rows)
}

// ListByBroadcast returns all delivery rows of a broadcast.
func (r *UserBroadcastRepo) ListByBroadcast(ctx domain.Context, broadcastID int64) ([]domain.UserBroadcast, error) {
	q := `SELECT ` + userBroadcastCols + ` FROM user_broadcasts WHERE broadcast_id=$1 ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("op=user_broadcast.list_by_broadcast: %w", err)
	}
	defer rows.Close()
	return collectUserBroadcasts(rows)
}

// ListUserIDs returns the targeted user ids of a broadcast.
func (r *UserBroadcastRepo) ListUserIDs(ctx domain.Context, broadcastID int64) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `SELECT user_id FROM user_broadcasts WHERE broadcast_id=$1`, broadcastID)
	if err != nil {
		return nil, fmt.Errorf("op=user_broadcast.list_user_ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=user_broadcast.list_user_ids: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListForUser returns the user's messages joined with broadcast content,
// newest first.
func (r *UserBroadcastRepo) ListForUser(ctx domain.Context, userID string, limit int) ([]domain.UserMessage, error) {
	tracer := otel.Tracer("repo.user_broadcasts")
	ctx, span := tracer.Start(ctx, "user_broadcasts.ListForUser")
	defer span.End()

	q := `SELECT ub.id, ub.broadcast_id, ub.user_id, ub.delivery_status, ub.read_status, ub.delivered_at, ub.read_at, ub.created_at, ub.updated_at,
	             b.content, b.sender_name, b.priority, b.category
	      FROM user_broadcasts ub
	      JOIN broadcasts b ON b.id = ub.broadcast_id
	      WHERE ub.user_id=$1 AND b.status IN ($2,$3)
	      ORDER BY ub.created_at DESC LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, userID, domain.BroadcastActive, domain.BroadcastExpired, limit)
	if err != nil {
		return nil, fmt.Errorf("op=user_broadcast.list_for_user: %w", err)
	}
	defer rows.Close()
	var out []domain.UserMessage
	for rows.Next() {
		var m domain.UserMessage
		if err := rows.Scan(&m.ID, &m.BroadcastID, &m.UserID, &m.DeliveryStatus, &m.ReadStatus,
			&m.DeliveredAt, &m.ReadAt, &m.CreatedAt, &m.UpdatedAt,
			&m.Content, &m.SenderName, &m.Priority, &m.Category); err != nil {
			return nil, fmt.Errorf("op=user_broadcast.list_for_user: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDelivered performs the conditional PENDING->DELIVERED transition and
// increments total_delivered in the same statement. Zero affected rows means
// another pod already delivered the row; callers must not retry.
func (r *UserBroadcastRepo) MarkDelivered(ctx domain.Context, userBroadcastID string) (bool, error) {
	tracer := otel.Tracer("repo.user_broadcasts")
	ctx, span := tracer.Start(ctx, "user_broadcasts.MarkDelivered")
	defer span.End()

	q := `WITH delivered AS (
	          UPDATE user_broadcasts
	          SET delivery_status=$2, delivered_at=now(), updated_at=now()
	          WHERE id=$1 AND delivery_status=$3
	          RETURNING broadcast_id
	      )
	      UPDATE broadcast_statistics s
	      SET total_delivered = total_delivered + 1, calculated_at = now()
	      FROM delivered d WHERE s.broadcast_id = d.broadcast_id`
	tag, err := r.Pool.Exec(ctx, q, userBroadcastID, domain.DeliveryDelivered, domain.DeliveryPending)
	if err != nil {
		return false, fmt.Errorf("op=user_broadcast.mark_delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed performs the conditional PENDING->FAILED transition and
// increments total_failed in the same statement. Zero affected rows means the
// row was already delivered, superseded, or failed elsewhere.
func (r *UserBroadcastRepo) MarkFailed(ctx domain.Context, userID string, broadcastID int64) (bool, error) {
	tracer := otel.Tracer("repo.user_broadcasts")
	ctx, span := tracer.Start(ctx, "user_broadcasts.MarkFailed")
	defer span.End()

	q := `WITH failed AS (
	          UPDATE user_broadcasts
	          SET delivery_status=$3, updated_at=now()
	          WHERE user_id=$1 AND broadcast_id=$2 AND delivery_status=$4
	          RETURNING broadcast_id
	      )
	      UPDATE broadcast_statistics s
	      SET total_failed = total_failed + 1, calculated_at = now()
	      FROM failed f WHERE s.broadcast_id = f.broadcast_id`
	tag, err := r.Pool.Exec(ctx, q, userID, broadcastID, domain.DeliveryFailed, domain.DeliveryPending)
	if err != nil {
		return false, fmt.Errorf("op=user_broadcast.mark_failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkRead performs the conditional UNREAD->READ transition, increments
// total_read, and inserts the READ outbox events atomically.
func (r *UserBroadcastRepo) MarkRead(ctx domain.Context, userID string, broadcastID int64, events []domain.OutboxEvent) (bool, error) {
	tracer := otel.Tracer("repo.user_broadcasts")
	ctx, span := tracer.Start(ctx, "user_broadcasts.MarkRead")
	defer span.End()

	read := false
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		q := `WITH marked AS (
		          UPDATE user_broadcasts
		          SET read_status=$3, read_at=now(), updated_at=now()
		          WHERE user_id=$1 AND broadcast_id=$2 AND read_status=$4 AND delivery_status=$5
		          RETURNING broadcast_id
		      )
		      UPDATE broadcast_statistics s
		      SET total_read = total_read + 1, calculated_at = now()
		      FROM marked m WHERE s.broadcast_id = m.broadcast_id`
		tag, err := tx.Exec(ctx, q, userID, broadcastID, domain.ReadRead, domain.ReadUnread, domain.DeliveryDelivered)
		if err != nil {
			return fmt.Errorf("op=user_broadcast.mark_read: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		read = true
		return insertOutboxTx(ctx, tx, events)
	})
	if err != nil {
		return false, err
	}
	return read, nil
}

// Supersede flips still-PENDING rows of an expired broadcast to SUPERSEDED
// and inserts the EXPIRED outbox events atomically.
func (r *UserBroadcastRepo) Supersede(ctx domain.Context, broadcastID int64, events []domain.OutboxEvent) (int64, error) {
	tracer := otel.Tracer("repo.user_broadcasts")
	ctx, span := tracer.Start(ctx, "user_broadcasts.Supersede")
	defer span.End()

	var superseded int64
	err := inTx(ctx, r.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE user_broadcasts SET delivery_status=$2, updated_at=now() WHERE broadcast_id=$1 AND delivery_status=$3`,
			broadcastID, domain.DeliverySuperseded, domain.DeliveryPending)
		if err != nil {
			return fmt.Errorf("op=user_broadcast.supersede: %w", err)
		}
		superseded = tag.RowsAffected()
		return insertOutboxTx(ctx, tx, events)
	})
	if err != nil {
		return 0, err
	}
	return superseded, nil
}

// GetStatistics loads the counters row for a broadcast.
func (r *UserBroadcastRepo) GetStatistics(ctx domain.Context, broadcastID int64) (domain.BroadcastStatistics, error) {
	q := `SELECT broadcast_id, total_targeted, total_delivered, total_read, total_failed, calculated_at
	      FROM broadcast_statistics WHERE broadcast_id=$1`
	var s domain.BroadcastStatistics
	err := r.Pool.QueryRow(ctx, q, broadcastID).Scan(&s.BroadcastID, &s.TotalTargeted, &s.TotalDelivered, &s.TotalRead, &s.TotalFailed, &s.CalculatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BroadcastStatistics{}, fmt.Errorf("op=statistics.get: %w", domain.ErrNotFound)
		}
		return domain.BroadcastStatistics{}, fmt.Errorf("op=statistics.get: %w", err)
	}
	return s, nil
}

func collectUserBroadcasts(rows pgx.Rows) ([]domain.UserBroadcast, error) {
	var out []domain.UserBroadcast
	for rows.Next() {
		ub, err := scanUserBroadcast(rows)
		if err != nil {
			return nil, fmt.Errorf("op=user_broadcast.scan: %w", err)
		}
		out = append(out, ub)
	}
	return out, rows.Err()
}
