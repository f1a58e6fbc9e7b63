package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/broadcast-hub/internal/adapter/observability"
	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// DltService exposes the operator-facing dead-letter operations. Records are
// persisted by the DLT consumer; this service inspects, redrives, and purges
// them.
type DltService struct {
	repo      domain.DltRepository
	publisher domain.EventPublisher
}

// NewDltService constructs a DltService.
func NewDltService(repo domain.DltRepository, publisher domain.EventPublisher) *DltService {
	return &DltService{repo: repo, publisher: publisher}
}

// List returns dead-letter records newest first.
func (s *DltService) List(ctx domain.Context, limit, offset int) ([]domain.DltRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

// Get loads one record.
func (s *DltService) Get(ctx domain.Context, id string) (domain.DltRecord, error) {
	return s.repo.Get(ctx, id)
}

// Redrive republishes a record's verbatim payload to its original topic with
// the user id as key, then deletes the row. A payload that no longer decodes
// is unprocessable and stays quarantined.
func (s *DltService) Redrive(ctx domain.Context, id string) error {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=dlt.redrive: %w", err)
	}
	ev, err := domain.DecodeDeliveryEvent(rec.Payload)
	if err != nil {
		return fmt.Errorf("op=dlt.redrive: %w", err)
	}
	if err := s.publisher.Publish(ctx, rec.OriginalTopic, ev.UserID, rec.Payload); err != nil {
		return fmt.Errorf("op=dlt.redrive: %w", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=dlt.redrive: %w", err)
	}
	observability.DLTRecordsTotal.WithLabelValues("redrive").Inc()
	slog.Info("dlt record redriven",
		slog.String("id", id), slog.String("topic", rec.OriginalTopic))
	return nil
}

// Delete removes a record from the database only.
func (s *DltService) Delete(ctx domain.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// Purge deletes the record and emits a tombstone on the dead-letter topic so
// compaction drops the bus copy too.
func (s *DltService) Purge(ctx domain.Context, id string) error {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=dlt.purge: %w", err)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=dlt.purge: %w", err)
	}
	key := rec.ID
	if ev, err := domain.DecodeDeliveryEvent(rec.Payload); err == nil {
		key = ev.UserID
	}
	if err := s.publisher.PublishTombstone(ctx, rec.OriginalTopic+".dlt", key); err != nil {
		// The DB row is gone; the bus copy ages out with retention.
		slog.Warn("dlt tombstone publish failed",
			slog.String("id", id), slog.Any("error", err))
	}
	observability.DLTRecordsTotal.WithLabelValues("purge").Inc()
	return nil
}
