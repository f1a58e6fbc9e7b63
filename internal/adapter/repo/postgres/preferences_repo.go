package postgres

import (
	"fmt"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// PreferencesRepo loads per-user delivery preferences. Callers chunk the id
// list; one call is one batch.
type PreferencesRepo struct{ Pool PgxPool }

// NewPreferencesRepo constructs a PreferencesRepo with the given pool.
func NewPreferencesRepo(p PgxPool) *PreferencesRepo { return &PreferencesRepo{Pool: p} }

// FindByUserIDs returns the preferences rows that exist for the given users.
// Users without a row get the default (notifications enabled, no filters).
func (r *PreferencesRepo) FindByUserIDs(ctx domain.Context, userIDs []string) (map[string]domain.UserPreferences, error) {
	out := make(map[string]domain.UserPreferences, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	q := `SELECT user_id, notifications_enabled, categories, quiet_start, quiet_end, timezone
	      FROM user_preferences WHERE user_id = ANY($1)`
	rows, err := r.Pool.Query(ctx, q, userIDs)
	if err != nil {
		return nil, fmt.Errorf("op=preferences.find_by_ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.UserPreferences
		if err := rows.Scan(&p.UserID, &p.NotificationsEnabled, &p.Categories, &p.QuietStart, &p.QuietEnd, &p.Timezone); err != nil {
			return nil, fmt.Errorf("op=preferences.find_by_ids: %w", err)
		}
		out[p.UserID] = p
	}
	return out, rows.Err()
}
