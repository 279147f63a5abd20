package timestamps

import (
	"sort"
	"time"
)

// Snapshot is every rendering of one resolved timestamp. All fields derive
// from the same localized instant.
type Snapshot struct {
	Timestamp             any    `json:"timestamp"`
	Valid                 bool   `json:"is_valid"`
	UTC                   string `json:"utc_timestamp,omitempty"`
	Formatted             string `json:"formatted"`
	FormattedWithRelative string `json:"formatted_with_relative"`
	FormattedAudit        string `json:"formatted_audit"`
	FormattedDashboard    string `json:"formatted_dashboard"`
	FormattedTimeTracker  string `json:"formatted_time_tracker"`
	IsToday               bool   `json:"is_today"`
	IsYesterday           bool   `json:"is_yesterday"`
	IsThisWeek            bool   `json:"is_this_week"`
	IsThisMonth           bool   `json:"is_this_month"`
	HoursAgo              *int64 `json:"hours_ago"`
	DaysAgo               *int64 `json:"days_ago"`
	MinutesAgo            *int64 `json:"minutes_ago"`
}

// multipleFields are the audit fields rendered by Multiple.
var multipleFields = []string{"created_at", "updated_at", "date_created", "date_updated", "last_updated_at"}

// Snapshot resolves the entity's canonical timestamp once and derives every
// rendering and calendar helper from it.
func (f *Formatter) Snapshot(entity Entity, entityType string) Snapshot {
	return f.snapshotOf(Resolve(entity, entityType))
}

// Multiple renders a snapshot for each populated audit field of entity.
func (f *Formatter) Multiple(entity Entity) map[string]Snapshot {
	snapshots := make(map[string]Snapshot)
	for _, field := range multipleFields {
		value, ok := entity[field]
		if !ok || !truthy(value) {
			continue
		}
		snapshots[field] = f.snapshotOf(value)
	}
	return snapshots
}

func (f *Formatter) snapshotOf(raw any) Snapshot {
	snapshot := Snapshot{
		Timestamp:             raw,
		Formatted:             NotAvailable,
		FormattedWithRelative: NotAvailable,
		FormattedAudit:        NotAvailable,
		FormattedDashboard:    NotAvailable,
		FormattedTimeTracker:  NotAvailable,
	}
	local, ok := f.Local(raw)
	if !ok {
		return snapshot
	}

	current := f.clock().In(f.location)
	relative := f.relativePhrase(local)

	snapshot.Valid = true
	snapshot.UTC = local.UTC().Format(utcISOLayout)
	snapshot.Formatted = local.Format(LayoutDefault)
	snapshot.FormattedWithRelative = snapshot.Formatted + " (" + relative + ")"
	snapshot.FormattedAudit = local.Format(LayoutAudit)
	snapshot.FormattedDashboard = snapshot.FormattedWithRelative
	snapshot.FormattedTimeTracker = local.Format(LayoutTimeTracker)
	snapshot.IsToday = sameDay(local, current)
	snapshot.IsYesterday = sameDay(local, current.AddDate(0, 0, -1))
	snapshot.IsThisWeek = startOfWeek(local).Equal(startOfWeek(current))
	snapshot.IsThisMonth = local.Year() == current.Year() && local.Month() == current.Month()

	elapsed := current.Sub(local)
	hours := int64(elapsed / time.Hour)
	days := int64(elapsed / (24 * time.Hour))
	minutes := int64(elapsed / time.Minute)
	snapshot.HoursAgo = &hours
	snapshot.DaysAgo = &days
	snapshot.MinutesAgo = &minutes
	return snapshot
}

// SortByTimestamp returns a copy of entities ordered by their resolved
// timestamp. Entities without a valid timestamp sort last when descending and
// first when ascending.
func SortByTimestamp(entities []Entity, entityType string, ascending bool) []Entity {
	type keyed struct {
		entity  Entity
		instant time.Time
		ok      bool
	}
	items := make([]keyed, len(entities))
	for index, entity := range entities {
		instant, ok := Parse(Resolve(entity, entityType))
		items[index] = keyed{entity: entity, instant: instant, ok: ok}
	}
	sort.SliceStable(items, func(i, j int) bool {
		left, right := items[i], items[j]
		switch {
		case !left.ok && !right.ok:
			return false
		case !left.ok:
			return ascending
		case !right.ok:
			return !ascending
		case ascending:
			return left.instant.Before(right.instant)
		default:
			return left.instant.After(right.instant)
		}
	})
	sorted := make([]Entity, len(items))
	for index, item := range items {
		sorted[index] = item.entity
	}
	return sorted
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func startOfWeek(t time.Time) time.Time {
	year, month, day := t.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(midnight.Weekday()))
}
