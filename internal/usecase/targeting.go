// Package usecase implements the application services of the delivery
// pipeline: targeting, delivery, the connection registry, broadcast
// administration, the outbox drainer, the lifecycle jobs, and dead-letter
// operations. Services depend on the ports in internal/domain only.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

// Targeting resolves a broadcast's target set to the concrete user ids that
// should receive it, after preference filtering.
type Targeting struct {
	directory domain.UserDirectory
	prefs     domain.PreferencesRepository
	chunkSize int
	now       func() time.Time
}

// NewTargeting constructs a Targeting service. chunkSize bounds one
// preferences query; it protects against SQL parameter-list limits.
func NewTargeting(directory domain.UserDirectory, prefs domain.PreferencesRepository, chunkSize int) *Targeting {
	if chunkSize <= 0 {
		chunkSize = 900
	}
	return &Targeting{directory: directory, prefs: prefs, chunkSize: chunkSize, now: time.Now}
}

// Resolve returns the surviving recipient ids for a broadcast. Directory
// failures propagate: delivering to a partial roster is worse than failing.
func (t *Targeting) Resolve(ctx domain.Context, b domain.Broadcast) ([]string, error) {
	candidates, err := t.candidates(ctx, b)
	if err != nil {
		return nil, err
	}
	candidates = dedupe(candidates)

	var out []string
	for start := 0; start < len(candidates); start += t.chunkSize {
		end := start + t.chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]
		prefsByID, err := t.prefs.FindByUserIDs(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("op=targeting.resolve: %w", err)
		}
		for _, id := range chunk {
			p, ok := prefsByID[id]
			if !ok {
				// No preferences row means the default: everything on.
				out = append(out, id)
				continue
			}
			if t.allowed(p, b) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (t *Targeting) candidates(ctx domain.Context, b domain.Broadcast) ([]string, error) {
	switch b.TargetType {
	case domain.TargetAll:
		return t.directory.AllUsers(ctx)
	case domain.TargetRole:
		if len(b.TargetIDs) == 0 {
			return nil, fmt.Errorf("op=targeting.candidates: %w: role broadcast without role", domain.ErrInvalidArgument)
		}
		return t.directory.UsersInRole(ctx, b.TargetIDs[0])
	case domain.TargetSelected:
		return b.TargetIDs, nil
	default:
		return nil, fmt.Errorf("op=targeting.candidates: %w: target type %q", domain.ErrInvalidArgument, b.TargetType)
	}
}

// allowed applies the preference filter: notifications toggle, category
// allow-list, and the quiet-hours window in the user's timezone.
func (t *Targeting) allowed(p domain.UserPreferences, b domain.Broadcast) bool {
	if !p.NotificationsEnabled {
		return false
	}
	if len(p.Categories) > 0 && b.Category != "" && !contains(p.Categories, b.Category) {
		return false
	}
	if inQuietHours(p, t.now()) {
		return false
	}
	return true
}

// inQuietHours reports whether now falls inside the user's quiet window.
// Start > End means the window crosses midnight.
func inQuietHours(p domain.UserPreferences, now time.Time) bool {
	if p.QuietStart == "" || p.QuietEnd == "" {
		return false
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		slog.Warn("unknown timezone in preferences, skipping quiet hours",
			slog.String("user_id", p.UserID), slog.String("timezone", p.Timezone))
		return false
	}
	start, okS := parseClock(p.QuietStart)
	end, okE := parseClock(p.QuietEnd)
	if !okS || !okE || start == end {
		return false
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	tm, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return tm.Hour()*60 + tm.Minute(), true
}

// dedupe drops blanks and duplicates into a fresh slice; the input may be a
// caller-owned TargetIDs slice and must not be reordered.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
