package timestamps

import (
	"time"

	"github.com/dustin/go-humanize"
)

// NotAvailable is rendered in place of any missing or invalid timestamp.
const NotAvailable = "N/A"

// Layouts used by the console views.
const (
	LayoutDefault        = "Jan 2, 2006 3:04 PM"
	LayoutAudit          = "Jan 02, 2006 15:04"
	LayoutDetailedAudit  = "January 02, 2006 15:04:05"
	LayoutTimeTracker    = "Jan 02, 2006 15:04"
	LayoutTimeTrackerEnd = "15:04"
)

// FormatterConfig configures the viewer's clock and location.
type FormatterConfig struct {
	Clock    func() time.Time
	Location *time.Location
}

// Formatter renders wire timestamps in the viewer's location.
type Formatter struct {
	clock    func() time.Time
	location *time.Location
}

// NewFormatter constructs a Formatter, defaulting to time.Now and time.Local.
func NewFormatter(cfg FormatterConfig) *Formatter {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	return &Formatter{clock: clock, location: location}
}

// Location returns the viewer location.
func (f *Formatter) Location() *time.Location {
	return f.location
}

// Local parses value as UTC and converts it to the viewer location.
func (f *Formatter) Local(value any) (time.Time, bool) {
	instant, ok := Parse(value)
	if !ok {
		return time.Time{}, false
	}
	return instant.In(f.location), true
}

// Format renders value with layout, or LayoutDefault when layout is empty.
func (f *Formatter) Format(value any, layout string) string {
	local, ok := f.Local(value)
	if !ok {
		return NotAvailable
	}
	return local.Format(layoutOrDefault(layout))
}

// FormatWithRelative renders "<formatted> (<relative phrase>)".
func (f *Formatter) FormatWithRelative(value any, layout string) string {
	local, ok := f.Local(value)
	if !ok {
		return NotAvailable
	}
	return local.Format(layoutOrDefault(layout)) + " (" + f.relativePhrase(local) + ")"
}

// Relative renders only the relative phrase, e.g. "2 hours ago".
func (f *Formatter) Relative(value any) string {
	local, ok := f.Local(value)
	if !ok {
		return NotAvailable
	}
	return f.relativePhrase(local)
}

func (f *Formatter) Audit(value any) string {
	return f.Format(value, LayoutAudit)
}

func (f *Formatter) DetailedAudit(value any) string {
	return f.Format(value, LayoutDetailedAudit)
}

func (f *Formatter) Dashboard(value any) string {
	return f.FormatWithRelative(value, LayoutDefault)
}

func (f *Formatter) TimeTracker(value any) string {
	return f.Format(value, LayoutTimeTracker)
}

func (f *Formatter) TimeTrackerEnd(value any) string {
	return f.Format(value, LayoutTimeTrackerEnd)
}

// FormatEntity resolves the entity's canonical timestamp and formats it.
func (f *Formatter) FormatEntity(entity Entity, entityType, layout string) string {
	return f.Format(Resolve(entity, entityType), layout)
}

// FormatEntityWithRelative resolves and formats with a relative phrase.
func (f *Formatter) FormatEntityWithRelative(entity Entity, entityType, layout string) string {
	return f.FormatWithRelative(Resolve(entity, entityType), layout)
}

func (f *Formatter) relativePhrase(local time.Time) string {
	return humanize.RelTime(local, f.clock().In(f.location), "ago", "from now")
}

func layoutOrDefault(layout string) string {
	if layout == "" {
		return LayoutDefault
	}
	return layout
}
