package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// SessionRepo persists SSE session rows.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

// Upsert merges on (user_id, session_id) and re-activates the row. A
// reconnect with the same session id takes ownership for the current pod.
func (r *SessionRepo) Upsert(ctx domain.Context, s domain.UserSession) (domain.UserSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Upsert")
	defer span.End()

	q := `INSERT INTO user_sessions (user_id, session_id, pod_id, status, connected_at, last_heartbeat)
	      VALUES ($1,$2,$3,$4,$5,$5)
	      ON CONFLICT (user_id, session_id) DO UPDATE SET
	        pod_id = EXCLUDED.pod_id,
	        status = EXCLUDED.status,
	        connected_at = EXCLUDED.connected_at,
	        disconnected_at = NULL,
	        last_heartbeat = EXCLUDED.last_heartbeat
	      RETURNING id, user_id, session_id, pod_id, status, connected_at, disconnected_at, last_heartbeat`
	now := time.Now().UTC()
	var out domain.UserSession
	err := r.Pool.QueryRow(ctx, q, s.UserID, s.SessionID, s.PodID, domain.ConnectionActive, now).
		Scan(&out.ID, &out.UserID, &out.SessionID, &out.PodID, &out.Status, &out.ConnectedAt, &out.DisconnectedAt, &out.LastHeartbeat)
	if err != nil {
		return domain.UserSession{}, fmt.Errorf("op=session.upsert: %w", err)
	}
	return out, nil
}

// MarkInactive closes a session bound by (session, pod) so another pod's
// session with the same id cannot be clobbered.
func (r *SessionRepo) MarkInactive(ctx domain.Context, sessionID, podID string) error {
	q := `UPDATE user_sessions SET status=$3, disconnected_at=now() WHERE session_id=$1 AND pod_id=$2 AND status=$4`
	if _, err := r.Pool.Exec(ctx, q, sessionID, podID, domain.ConnectionInactive, domain.ConnectionActive); err != nil {
		return fmt.Errorf("op=session.mark_inactive: %w", err)
	}
	return nil
}

// TouchHeartbeats updates last_heartbeat for this pod's sessions in one
// batched statement.
func (r *SessionRepo) TouchHeartbeats(ctx domain.Context, sessionIDs []string, now time.Time) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	q := `UPDATE user_sessions SET last_heartbeat=$2 WHERE session_id = ANY($1) AND status=$3`
	if _, err := r.Pool.Exec(ctx, q, sessionIDs, now.UTC(), domain.ConnectionActive); err != nil {
		return fmt.Errorf("op=session.touch_heartbeats: %w", err)
	}
	return nil
}

// ListStale returns ACTIVE sessions whose heartbeat is older than the cutoff.
func (r *SessionRepo) ListStale(ctx domain.Context, olderThan time.Time) ([]domain.UserSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ListStale")
	defer span.End()

	q := `SELECT id, user_id, session_id, pod_id, status, connected_at, disconnected_at, last_heartbeat
	      FROM user_sessions WHERE status=$1 AND last_heartbeat < $2`
	rows, err := r.Pool.Query(ctx, q, domain.ConnectionActive, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=session.list_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.UserSession
	for rows.Next() {
		var s domain.UserSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.SessionID, &s.PodID, &s.Status, &s.ConnectedAt, &s.DisconnectedAt, &s.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("op=session.list_stale: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkStaleInactive flips the given sessions to INACTIVE in one batch.
func (r *SessionRepo) MarkStaleInactive(ctx domain.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	q := `UPDATE user_sessions SET status=$2, disconnected_at=now() WHERE session_id = ANY($1) AND status=$3`
	if _, err := r.Pool.Exec(ctx, q, sessionIDs, domain.ConnectionInactive, domain.ConnectionActive); err != nil {
		return fmt.Errorf("op=session.mark_stale_inactive: %w", err)
	}
	return nil
}

// PurgeInactive hard-deletes INACTIVE rows disconnected before the cutoff.
func (r *SessionRepo) PurgeInactive(ctx domain.Context, before time.Time) (int64, error) {
	q := `DELETE FROM user_sessions WHERE status=$1 AND disconnected_at IS NOT NULL AND disconnected_at < $2`
	tag, err := r.Pool.Exec(ctx, q, domain.ConnectionInactive, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=session.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountActiveByPod returns ACTIVE session counts grouped by pod.
func (r *SessionRepo) CountActiveByPod(ctx domain.Context) (map[string]int64, error) {
	rows, err := r.Pool.Query(ctx, `SELECT pod_id, COUNT(*) FROM user_sessions WHERE status=$1 GROUP BY pod_id`, domain.ConnectionActive)
	if err != nil {
		return nil, fmt.Errorf("op=session.count_by_pod: %w", err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var pod string
		var n int64
		if err := rows.Scan(&pod, &n); err != nil {
			return nil, fmt.Errorf("op=session.count_by_pod: %w", err)
		}
		out[pod] = n
	}
	return out, rows.Err()
}
