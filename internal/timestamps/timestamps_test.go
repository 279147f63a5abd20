package timestamps

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

var testLocation = time.FixedZone("UTC-5", -5*60*60)

func newTestFormatter(current time.Time) *Formatter {
	return NewFormatter(FormatterConfig{
		Clock: func() time.Time {
			return current
		},
		Location: testLocation,
	})
}

func TestResolvePrefersCreatedAtForTickets(t *testing.T) {
	entity := Entity{
		"created_at":   "2024-06-01T10:00:00",
		"date_created": "2023-01-01T00:00:00",
	}
	for attempt := 0; attempt < 5; attempt++ {
		if got := Resolve(entity, "tickets"); got != "2024-06-01T10:00:00" {
			t.Fatalf("expected created_at value, got %v", got)
		}
	}

	onlyLegacy := Entity{"date_created": "2023-01-01T00:00:00"}
	if got := Resolve(onlyLegacy, "tickets"); got != "2023-01-01T00:00:00" {
		t.Fatalf("expected date_created fallback, got %v", got)
	}
}

func TestResolveIsKeyedByEntityType(t *testing.T) {
	entity := Entity{"created_at": "2024-06-01T10:00:00"}
	if got := Resolve(entity, "shipments"); got != nil {
		t.Fatalf("shipments only consult date_created, got %v", got)
	}
	if got := Resolve(entity, "unknown_type"); got != "2024-06-01T10:00:00" {
		t.Fatalf("expected default priority to use created_at, got %v", got)
	}
}

func TestResolveSkipsEmptyValues(t *testing.T) {
	entity := Entity{"created_at": "", "date_created": "2023-01-01"}
	if got := Resolve(entity, "tickets"); got != "2023-01-01" {
		t.Fatalf("expected empty created_at to be skipped, got %v", got)
	}
	if got := Resolve(Entity{}, "tickets"); got != nil {
		t.Fatalf("expected nil for empty entity, got %v", got)
	}
	if got := Resolve(nil, "tickets"); got != nil {
		t.Fatalf("expected nil for nil entity, got %v", got)
	}
}

func TestFieldPriorityReturnsCopy(t *testing.T) {
	fields := FieldPriority("tickets")
	fields[0] = "mutated"
	if FieldPriority("tickets")[0] != "created_at" {
		t.Fatalf("priority table must not be mutable through FieldPriority")
	}
}

func TestIsValid(t *testing.T) {
	testCases := []struct {
		name  string
		value any
		valid bool
	}{
		{name: "nil", value: nil, valid: false},
		{name: "empty", value: "", valid: false},
		{name: "garbage", value: "not a date", valid: false},
		{name: "rfc3339", value: "2024-06-01T15:04:05Z", valid: true},
		{name: "unlabelled iso", value: "2024-06-01T15:04:05.123456", valid: true},
		{name: "space separated", value: "2024-06-01 15:04:05", valid: true},
		{name: "date only", value: "2024-06-01", valid: true},
		{name: "epoch millis", value: float64(1717254245000), valid: true},
		{name: "slash date", value: "2024/06/01", valid: true},
		{name: "us date", value: "6/1/2024", valid: true},
		{name: "rfc1123", value: "Sat, 01 Jun 2024 15:04:05 UTC", valid: true},
		{name: "ansic", value: "Sat Jun  1 15:04:05 2024", valid: true},
		{name: "bare hour", value: "1", valid: false},
		{name: "bare number string", value: "10", valid: false},
		{name: "clock time only", value: "12:30", valid: false},
		{name: "month and day only", value: "6-1", valid: false},
		{name: "overflowing float millis", value: float64(1e30), valid: false},
		{name: "overflowing json millis", value: json.Number("1e30"), valid: false},
		{name: "not a number", value: math.NaN(), valid: false},
		{name: "zero time", value: time.Time{}, valid: false},
		{name: "unsupported type", value: []string{"2024"}, valid: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := IsValid(testCase.value); got != testCase.valid {
				t.Fatalf("IsValid(%v) = %v, want %v", testCase.value, got, testCase.valid)
			}
		})
	}
}

func TestNormalizeToUTCTreatsUnlabelledAsUTC(t *testing.T) {
	normalized, ok := NormalizeToUTC("2024-06-01T15:04:05")
	if !ok {
		t.Fatalf("expected valid timestamp")
	}
	if normalized != "2024-06-01T15:04:05.000Z" {
		t.Fatalf("unexpected normalized value %q", normalized)
	}
	if _, ok := NormalizeToUTC(nil); ok {
		t.Fatalf("expected nil to be rejected")
	}
}

func TestNormalizeToUTCRoundTrip(t *testing.T) {
	inputs := []string{
		"2024-06-01T15:04:05",
		"2024-06-01T10:04:05-05:00",
		"2024-06-01 15:04:05.250",
	}
	for _, input := range inputs {
		original, ok := Parse(input)
		if !ok {
			t.Fatalf("failed to parse %q", input)
		}
		normalized, ok := NormalizeToUTC(input)
		if !ok {
			t.Fatalf("failed to normalize %q", input)
		}
		reparsed, ok := Parse(normalized)
		if !ok {
			t.Fatalf("failed to reparse %q", normalized)
		}
		if !reparsed.Equal(original.Truncate(time.Millisecond)) {
			t.Fatalf("round trip changed instant: %s -> %s", original, reparsed)
		}
	}
}

func TestFormatConvertsToViewerLocation(t *testing.T) {
	formatter := newTestFormatter(time.Date(2024, 6, 1, 22, 4, 5, 0, time.UTC))

	if got := formatter.Format("2024-06-01T20:04:05", ""); got != "Jun 1, 2024 3:04 PM" {
		t.Fatalf("unexpected default format %q", got)
	}
	if got := formatter.Audit("2024-06-01T20:04:05"); got != "Jun 01, 2024 15:04" {
		t.Fatalf("unexpected audit format %q", got)
	}
	if got := formatter.TimeTrackerEnd("2024-06-01T20:04:05"); got != "15:04" {
		t.Fatalf("unexpected time tracker end format %q", got)
	}
	if got := formatter.DetailedAudit("2024-06-01T20:04:05"); got != "June 01, 2024 15:04:05" {
		t.Fatalf("unexpected detailed audit format %q", got)
	}
}

func TestFormatWithRelative(t *testing.T) {
	formatter := newTestFormatter(time.Date(2024, 6, 1, 22, 4, 5, 0, time.UTC))

	got := formatter.FormatWithRelative("2024-06-01T20:04:05", LayoutDefault)
	if got != "Jun 1, 2024 3:04 PM (2 hours ago)" {
		t.Fatalf("unexpected relative format %q", got)
	}
	if got := formatter.Dashboard("2024-06-01T20:04:05"); got != "Jun 1, 2024 3:04 PM (2 hours ago)" {
		t.Fatalf("unexpected dashboard format %q", got)
	}
}

func TestFormatFallsBackToNotAvailable(t *testing.T) {
	formatter := newTestFormatter(time.Now())
	inputs := []any{nil, "", "garbage", struct{}{}}
	for _, input := range inputs {
		if got := formatter.Format(input, LayoutDefault); got != NotAvailable {
			t.Fatalf("Format(%v) = %q, want N/A", input, got)
		}
		if got := formatter.FormatWithRelative(input, ""); got != NotAvailable {
			t.Fatalf("FormatWithRelative(%v) = %q, want N/A", input, got)
		}
		if got := formatter.Relative(input); got != NotAvailable {
			t.Fatalf("Relative(%v) = %q, want N/A", input, got)
		}
	}
	if got := formatter.FormatEntity(Entity{}, "tickets", ""); got != NotAvailable {
		t.Fatalf("expected N/A for entity without timestamp, got %q", got)
	}
}

func TestSnapshotDerivesHelpersFromOneInstant(t *testing.T) {
	// Wednesday 2024-06-05 12:00 in the viewer location.
	formatter := newTestFormatter(time.Date(2024, 6, 5, 17, 0, 0, 0, time.UTC))
	entity := Entity{"created_at": "2024-06-04T15:00:00"}

	snapshot := formatter.Snapshot(entity, "tickets")
	if !snapshot.Valid {
		t.Fatalf("expected valid snapshot")
	}
	if snapshot.UTC != "2024-06-04T15:00:00.000Z" {
		t.Fatalf("unexpected utc timestamp %q", snapshot.UTC)
	}
	if snapshot.IsToday || !snapshot.IsYesterday {
		t.Fatalf("expected yesterday, got today=%v yesterday=%v", snapshot.IsToday, snapshot.IsYesterday)
	}
	if !snapshot.IsThisWeek || !snapshot.IsThisMonth {
		t.Fatalf("expected same week and month")
	}
	if snapshot.HoursAgo == nil || *snapshot.HoursAgo != 26 {
		t.Fatalf("unexpected hours ago %v", snapshot.HoursAgo)
	}
	if snapshot.DaysAgo == nil || *snapshot.DaysAgo != 1 {
		t.Fatalf("unexpected days ago %v", snapshot.DaysAgo)
	}
	if snapshot.MinutesAgo == nil || *snapshot.MinutesAgo != 26*60 {
		t.Fatalf("unexpected minutes ago %v", snapshot.MinutesAgo)
	}
	if snapshot.Formatted != "Jun 4, 2024 10:00 AM" {
		t.Fatalf("unexpected formatted value %q", snapshot.Formatted)
	}
}

func TestSnapshotWeekStartsOnSunday(t *testing.T) {
	// Sunday 2024-06-02 09:00 in the viewer location.
	formatter := newTestFormatter(time.Date(2024, 6, 2, 14, 0, 0, 0, time.UTC))

	saturday := formatter.Snapshot(Entity{"created_at": "2024-06-01T20:00:00"}, "tickets")
	if saturday.IsThisWeek {
		t.Fatalf("saturday belongs to the previous week")
	}
	if !saturday.IsYesterday {
		t.Fatalf("expected saturday to be yesterday")
	}
}

func TestSnapshotForMissingEntity(t *testing.T) {
	formatter := newTestFormatter(time.Now())
	snapshot := formatter.Snapshot(nil, "tickets")
	if snapshot.Valid || snapshot.IsToday || snapshot.IsYesterday || snapshot.IsThisWeek || snapshot.IsThisMonth {
		t.Fatalf("expected all booleans false, got %+v", snapshot)
	}
	if snapshot.HoursAgo != nil || snapshot.DaysAgo != nil || snapshot.MinutesAgo != nil {
		t.Fatalf("expected nil ago values")
	}
	if snapshot.Formatted != NotAvailable || snapshot.FormattedDashboard != NotAvailable {
		t.Fatalf("expected N/A renderings, got %+v", snapshot)
	}
}

func TestMultipleRendersPopulatedFields(t *testing.T) {
	formatter := newTestFormatter(time.Date(2024, 6, 5, 17, 0, 0, 0, time.UTC))
	snapshots := formatter.Multiple(Entity{
		"created_at":   "2024-06-04T15:00:00",
		"updated_at":   "2024-06-05T16:00:00",
		"date_created": "",
	})
	if len(snapshots) != 2 {
		t.Fatalf("expected two snapshots, got %d", len(snapshots))
	}
	if !snapshots["updated_at"].IsToday {
		t.Fatalf("expected updated_at to be today")
	}
}

func TestSortByTimestamp(t *testing.T) {
	oldest := Entity{"id": "oldest", "created_at": "2024-01-01T00:00:00"}
	newest := Entity{"id": "newest", "created_at": "2024-03-01T00:00:00"}
	middle := Entity{"id": "middle", "date_created": "2024-02-01T00:00:00"}
	missing := Entity{"id": "missing"}
	entities := []Entity{middle, missing, oldest, newest}

	descending := SortByTimestamp(entities, "tickets", false)
	expectedDescending := []string{"newest", "middle", "oldest", "missing"}
	for index, id := range expectedDescending {
		if descending[index]["id"] != id {
			t.Fatalf("descending[%d] = %v, want %s", index, descending[index]["id"], id)
		}
	}

	ascending := SortByTimestamp(entities, "tickets", true)
	expectedAscending := []string{"missing", "oldest", "middle", "newest"}
	for index, id := range expectedAscending {
		if ascending[index]["id"] != id {
			t.Fatalf("ascending[%d] = %v, want %s", index, ascending[index]["id"], id)
		}
	}

	if entities[0]["id"] != "middle" {
		t.Fatalf("input slice must not be reordered")
	}
}
