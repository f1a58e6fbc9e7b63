package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/broadcast-hub/internal/domain"
)

type fakeDirectory struct {
	all   []string
	roles map[string][]string
	err   error
}

func (f *fakeDirectory) AllUsers(_ domain.Context) ([]string, error) {
	return f.all, f.err
}

func (f *fakeDirectory) UsersInRole(_ domain.Context, role string) ([]string, error) {
	return f.roles[role], f.err
}

type fakePrefs struct {
	byID  map[string]domain.UserPreferences
	calls [][]string
}

func (f *fakePrefs) FindByUserIDs(_ domain.Context, ids []string) (map[string]domain.UserPreferences, error) {
	f.calls = append(f.calls, ids)
	out := make(map[string]domain.UserPreferences)
	for _, id := range ids {
		if p, ok := f.byID[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func enabled(userID string) domain.UserPreferences {
	return domain.UserPreferences{UserID: userID, NotificationsEnabled: true}
}

func TestTargeting_ResolveAll(t *testing.T) {
	dir := &fakeDirectory{all: []string{"u1", "u2", "u2", "u3", ""}}
	tg := NewTargeting(dir, &fakePrefs{}, 900)

	got, err := tg.Resolve(context.Background(), domain.Broadcast{TargetType: domain.TargetAll})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, got)
}

func TestTargeting_ResolveRole(t *testing.T) {
	dir := &fakeDirectory{roles: map[string][]string{"ops": {"u5", "u6"}}}
	tg := NewTargeting(dir, &fakePrefs{}, 900)

	got, err := tg.Resolve(context.Background(), domain.Broadcast{
		TargetType: domain.TargetRole,
		TargetIDs:  []string{"ops"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u5", "u6"}, got)

	_, err = tg.Resolve(context.Background(), domain.Broadcast{TargetType: domain.TargetRole})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTargeting_SelectedDuplicatesLeaveInputIntact(t *testing.T) {
	ids := []string{"u1", "u1", "u2"}
	tg := NewTargeting(&fakeDirectory{}, &fakePrefs{}, 900)

	got, err := tg.Resolve(context.Background(), domain.Broadcast{
		TargetType: domain.TargetSelected,
		TargetIDs:  ids,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, got)
	// The broadcast echoed back to the admin carries this slice.
	assert.Equal(t, []string{"u1", "u1", "u2"}, ids)
}

func TestTargeting_DirectoryFailurePropagates(t *testing.T) {
	dir := &fakeDirectory{err: domain.ErrDirectoryUnavailable}
	tg := NewTargeting(dir, &fakePrefs{}, 900)

	_, err := tg.Resolve(context.Background(), domain.Broadcast{TargetType: domain.TargetAll})
	assert.ErrorIs(t, err, domain.ErrDirectoryUnavailable)
}

func TestTargeting_PreferenceFilters(t *testing.T) {
	prefs := &fakePrefs{byID: map[string]domain.UserPreferences{
		"disabled": {UserID: "disabled", NotificationsEnabled: false},
		"sports":   {UserID: "sports", NotificationsEnabled: true, Categories: []string{"SPORTS"}},
		"any":      {UserID: "any", NotificationsEnabled: true},
	}}
	tg := NewTargeting(&fakeDirectory{}, prefs, 900)

	got, err := tg.Resolve(context.Background(), domain.Broadcast{
		TargetType: domain.TargetSelected,
		TargetIDs:  []string{"disabled", "sports", "any", "norow"},
		Category:   "NEWS",
	})
	require.NoError(t, err)
	// disabled: toggle off; sports: category filtered; norow: default allows.
	assert.Equal(t, []string{"any", "norow"}, got)
}

func TestTargeting_ChunksPreferenceLookups(t *testing.T) {
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	prefs := &fakePrefs{}
	tg := NewTargeting(&fakeDirectory{}, prefs, 2)

	got, err := tg.Resolve(context.Background(), domain.Broadcast{
		TargetType: domain.TargetSelected,
		TargetIDs:  ids,
	})
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Len(t, prefs.calls, 3)
}

func TestInQuietHours(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
		tz    string
		at    time.Time
		want  bool
	}{
		{"inside same-day window", "09:00", "17:00", "UTC", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), true},
		{"outside same-day window", "09:00", "17:00", "UTC", time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC), false},
		{"overnight before midnight", "22:00", "06:00", "UTC", time.Date(2026, 8, 1, 23, 30, 0, 0, time.UTC), true},
		{"overnight after midnight", "22:00", "06:00", "UTC", time.Date(2026, 8, 1, 5, 0, 0, 0, time.UTC), true},
		{"overnight daytime", "22:00", "06:00", "UTC", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), false},
		{"no window configured", "", "", "UTC", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), false},
		{"bad timezone skips filter", "00:00", "23:59", "Not/AZone", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := domain.UserPreferences{
				UserID:               "u",
				NotificationsEnabled: true,
				QuietStart:           tc.start,
				QuietEnd:             tc.end,
				Timezone:             tc.tz,
			}
			assert.Equal(t, tc.want, inQuietHours(p, tc.at))
		})
	}
}
