package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// DltRepo persists quarantined bus records.
type DltRepo struct{ Pool PgxPool }

// NewDltRepo constructs a DltRepo with the given pool.
func NewDltRepo(p PgxPool) *DltRepo { return &DltRepo{Pool: p} }

const dltCols = `id, original_topic, original_partition, original_offset, exception_message, payload, failed_at`

// Insert stores a dead-letter record. Payload bytes are kept verbatim so a
// later redrive republishes exactly what failed.
func (r *DltRepo) Insert(ctx domain.Context, rec domain.DltRecord) (domain.DltRecord, error) {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}
	q := `INSERT INTO dlt_records (` + dltCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, rec.ID, rec.OriginalTopic, rec.OriginalPartition, rec.OriginalOffset,
		rec.ExceptionMessage, rec.Payload, rec.FailedAt)
	if err != nil {
		return domain.DltRecord{}, fmt.Errorf("op=dlt.insert: %w", err)
	}
	return rec, nil
}

// Get loads a dead-letter record by id.
func (r *DltRepo) Get(ctx domain.Context, id string) (domain.DltRecord, error) {
	q := `SELECT ` + dltCols + ` FROM dlt_records WHERE id=$1`
	var rec domain.DltRecord
	err := r.Pool.QueryRow(ctx, q, id).Scan(&rec.ID, &rec.OriginalTopic, &rec.OriginalPartition,
		&rec.OriginalOffset, &rec.ExceptionMessage, &rec.Payload, &rec.FailedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DltRecord{}, fmt.Errorf("op=dlt.get: %w", domain.ErrNotFound)
		}
		return domain.DltRecord{}, fmt.Errorf("op=dlt.get: %w", err)
	}
	return rec, nil
}

// List returns dead-letter records newest first.
func (r *DltRepo) List(ctx domain.Context, limit, offset int) ([]domain.DltRecord, error) {
	q := `SELECT ` + dltCols + ` FROM dlt_records ORDER BY failed_at DESC LIMIT $1 OFFSET $2`
	rows, err := r.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=dlt.list: %w", err)
	}
	defer rows.Close()
	var out []domain.DltRecord
	for rows.Next() {
		var rec domain.DltRecord
		if err := rows.Scan(&rec.ID, &rec.OriginalTopic, &rec.OriginalPartition,
			&rec.OriginalOffset, &rec.ExceptionMessage, &rec.Payload, &rec.FailedAt); err != nil {
			return nil, fmt.Errorf("op=dlt.list: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record from the database only.
func (r *DltRepo) Delete(ctx domain.Context, id string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM dlt_records WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=dlt.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlt.delete: %w", domain.ErrNotFound)
	}
	return nil
}
