package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// Lease names for the four lifecycle jobs.
const (
	leaseActivateScheduled = "processScheduledBroadcasts"
	leaseExpireActive      = "processExpiredBroadcasts"
	leaseStaleCleanup      = "cleanupStaleSseSessions"
	leasePurgeSessions     = "purgeOldInactiveSessions"
)

// LifecycleConfig carries the controller's tunables.
type LifecycleConfig struct {
	Interval         time.Duration
	BatchSize        int
	LockMinHold      time.Duration
	LockMaxHold      time.Duration
	SessionRetention time.Duration
	PurgeHourUTC     int
}

// LifecycleController runs the periodic jobs that advance broadcast and
// session state. Every pod runs it; the named leases make each tick
// single-winner.
type LifecycleController struct {
	broadcasts     domain.BroadcastRepository
	userBroadcasts domain.UserBroadcastRepository
	sessions       domain.SessionRepository
	locks          domain.LockManager
	svc            *BroadcastService
	conns          *ConnectionManager
	cfg            LifecycleConfig
	now            func() time.Time
}

// NewLifecycleController constructs a LifecycleController.
func NewLifecycleController(b domain.BroadcastRepository, ub domain.UserBroadcastRepository, sessions domain.SessionRepository, locks domain.LockManager, svc *BroadcastService, conns *ConnectionManager, cfg LifecycleConfig) *LifecycleController {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &LifecycleController{
		broadcasts:     b,
		userBroadcasts: ub,
		sessions:       sessions,
		locks:          locks,
		svc:            svc,
		conns:          conns,
		cfg:            cfg,
		now:            time.Now,
	}
}

// Run starts the four jobs and blocks until ctx is cancelled.
func (c *LifecycleController) Run(ctx domain.Context) {
	go c.everyWithLease(ctx, leaseActivateScheduled, c.cfg.Interval, c.ActivateScheduled)
	go c.everyWithLease(ctx, leaseExpireActive, c.cfg.Interval, c.ExpireActive)
	go c.everyWithLease(ctx, leaseStaleCleanup, c.cfg.Interval, c.conns.CleanupStale)
	go c.dailyWithLease(ctx, leasePurgeSessions, c.cfg.PurgeHourUTC, c.PurgeOldSessions)
	<-ctx.Done()
}

// everyWithLease runs fn every period under the named lease. Losing the
// lease is the normal case on all but one pod.
func (c *LifecycleController) everyWithLease(ctx domain.Context, name string, period time.Duration, fn func(ctx domain.Context) error) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acquired, err := c.locks.WithLease(ctx, name, c.cfg.LockMinHold, c.cfg.LockMaxHold, fn)
			if err != nil {
				slog.Error("lifecycle job failed",
					slog.String("job", name), slog.Any("error", err))
				continue
			}
			if !acquired {
				slog.Debug("lease held elsewhere", slog.String("job", name))
			}
		}
	}
}

// dailyWithLease runs fn once a day at the given UTC hour.
func (c *LifecycleController) dailyWithLease(ctx domain.Context, name string, hourUTC int, fn func(ctx domain.Context) error) {
	for {
		now := c.now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		if _, err := c.locks.WithLease(ctx, name, c.cfg.LockMinHold, c.cfg.LockMaxHold, fn); err != nil {
			slog.Error("lifecycle job failed",
				slog.String("job", name), slog.Any("error", err))
		}
	}
}

// ActivateScheduled claims due SCHEDULED broadcasts and activates them:
// targeting, delivery rows, statistics seed, and CREATED outbox events all
// commit with the status flip.
func (c *LifecycleController) ActivateScheduled(ctx domain.Context) error {
	n, err := c.broadcasts.ActivateDue(ctx, c.now().UTC(), c.cfg.BatchSize, c.svc.Materialize)
	if err != nil {
		return fmt.Errorf("op=lifecycle.activate: %w", err)
	}
	if n > 0 {
		slog.Info("scheduled broadcasts activated", slog.Int("count", n))
	}
	return nil
}

// ExpireActive flips past-expiry ACTIVE broadcasts to EXPIRED, supersedes
// their still-PENDING rows, and queues EXPIRED events so connected clients
// drop the UI entry. Delivered rows keep their status.
func (c *LifecycleController) ExpireActive(ctx domain.Context) error {
	claimed, err := c.broadcasts.ClaimExpired(ctx, c.now().UTC(), c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("op=lifecycle.expire: %w", err)
	}
	for _, b := range claimed {
		userIDs, err := c.userBroadcasts.ListUserIDs(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("op=lifecycle.expire: %w", err)
		}
		events, err := c.svc.lifecycleEvents(b, userIDs, domain.EventExpired)
		if err != nil {
			return err
		}
		superseded, err := c.userBroadcasts.Supersede(ctx, b.ID, events)
		if err != nil {
			return fmt.Errorf("op=lifecycle.expire: %w", err)
		}
		slog.Info("broadcast expired",
			slog.Int64("broadcast_id", b.ID),
			slog.Int64("superseded", superseded),
			slog.Int("notified", len(userIDs)))
	}
	return nil
}

// PurgeOldSessions hard-deletes INACTIVE sessions past the retention window.
func (c *LifecycleController) PurgeOldSessions(ctx domain.Context) error {
	cutoff := c.now().UTC().Add(-c.cfg.SessionRetention)
	n, err := c.sessions.PurgeInactive(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=lifecycle.purge_sessions: %w", err)
	}
	if n > 0 {
		slog.Info("old sessions purged", slog.Int64("count", n))
	}
	return nil
}
