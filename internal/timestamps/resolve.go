package timestamps

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/jinzhu/now"
)

// Entity is a decoded API record. Field values arrive as JSON scalars.
type Entity map[string]any

const utcISOLayout = "2006-01-02T15:04:05.000Z"

var defaultFieldPriority = []string{"created_at", "date_created"}

// fieldPriority lists the candidate timestamp fields per entity type. Every
// view resolves through this table so one entity never shows two different
// creation times.
var fieldPriority = map[string][]string{
	"tickets":        {"created_at", "date_created"},
	"shipments":      {"date_created"},
	"tasks":          {"created_at"},
	"comments":       {"created_at"},
	"time_entries":   {"created_at"},
	"sla_rules":      {"created_at"},
	"site_equipment": {"created_at"},
}

// wireLayouts are tried before the permissive fallback. Strings without a
// zone designator are read as UTC.
var wireLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.RFC822Z,
	time.RFC822,
	time.RubyDate,
	time.UnixDate,
	time.ANSIC,
}

// calendarDate matches a full year, month and day. Only strings carrying
// one reach the permissive parser, which would otherwise fill missing date
// parts from the wall clock.
var calendarDate = regexp.MustCompile(`(?i)\d{4}[-/.]\d{1,2}[-/.]\d{1,2}|\d{1,2}/\d{1,2}/\d{4}|\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.? +\d{1,2}\b.*\b\d{4}\b|\b\d{1,2} +(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]* +\d{4}\b`)

// Numeric timestamps are bounded to years 0001 through 9999.
const (
	minEpochMillis = -62135596800000
	maxEpochMillis = 253402300799999
)

// FieldPriority returns the ordered candidate fields for an entity type.
func FieldPriority(entityType string) []string {
	fields, ok := fieldPriority[entityType]
	if !ok {
		fields = defaultFieldPriority
	}
	return append([]string(nil), fields...)
}

// Resolve returns the raw value of the first present, non-empty candidate
// field for entityType, or nil.
func Resolve(entity Entity, entityType string) any {
	if entity == nil {
		return nil
	}
	fields, ok := fieldPriority[entityType]
	if !ok {
		fields = defaultFieldPriority
	}
	for _, field := range fields {
		value, present := entity[field]
		if present && truthy(value) {
			return value
		}
	}
	return nil
}

// IsValid reports whether value parses as a calendar instant.
func IsValid(value any) bool {
	_, ok := Parse(value)
	return ok
}

// NormalizeToUTC renders value as an RFC 3339 UTC string with millisecond
// precision. The boolean is false when value is not a valid instant.
func NormalizeToUTC(value any) (string, bool) {
	instant, ok := Parse(value)
	if !ok {
		return "", false
	}
	return instant.UTC().Format(utcISOLayout), true
}

// Parse converts a wire value into an instant. Strings are parsed
// permissively and treated as UTC when unlabelled; numbers are epoch
// milliseconds.
func Parse(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return typed, !typed.IsZero()
	case *time.Time:
		if typed == nil || typed.IsZero() {
			return time.Time{}, false
		}
		return *typed, true
	case string:
		return parseString(typed)
	case json.Number:
		millis, err := typed.Int64()
		if err != nil {
			floatValue, floatErr := typed.Float64()
			if floatErr != nil {
				return time.Time{}, false
			}
			return fromFloatMillis(floatValue)
		}
		return fromMillis(millis)
	case float64:
		return fromFloatMillis(typed)
	case int64:
		return fromMillis(typed)
	case int:
		return fromMillis(int64(typed))
	default:
		return time.Time{}, false
	}
}

func parseString(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range wireLayouts {
		if parsed, err := time.ParseInLocation(layout, trimmed, time.UTC); err == nil {
			return parsed, true
		}
	}
	if !calendarDate.MatchString(trimmed) {
		return time.Time{}, false
	}
	parsed, err := now.ParseInLocation(time.UTC, trimmed)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func fromFloatMillis(millis float64) (time.Time, bool) {
	if !(millis >= minEpochMillis && millis <= maxEpochMillis) {
		return time.Time{}, false
	}
	return fromMillis(int64(millis))
}

func fromMillis(millis int64) (time.Time, bool) {
	if millis == 0 || millis < minEpochMillis || millis > maxEpochMillis {
		return time.Time{}, false
	}
	return time.UnixMilli(millis).UTC(), true
}

func truthy(value any) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case string:
		return typed != ""
	case bool:
		return typed
	case float64:
		return typed != 0
	case int:
		return typed != 0
	case int64:
		return typed != 0
	case json.Number:
		return typed != "" && typed != "0"
	case time.Time:
		return !typed.IsZero()
	case *time.Time:
		return typed != nil && !typed.IsZero()
	default:
		return true
	}
}
