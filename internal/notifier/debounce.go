package notifier

import (
	"time"

	"github.com/MarcoPoloResearchLab/fieldops/internal/datasync"
)

// DefaultDebounce is the per-type acceptance window.
const DefaultDebounce = 400 * time.Millisecond

// debouncer remembers the last accepted instant per message type. Callers
// serialize access.
type debouncer struct {
	window time.Duration
	last   map[datasync.Topic]time.Time
}

func newDebouncer(window time.Duration) *debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &debouncer{window: window, last: make(map[datasync.Topic]time.Time)}
}

// allow records now as the last acceptance for topic unless a message of the
// same type was accepted less than the window ago.
func (d *debouncer) allow(topic datasync.Topic, now time.Time) bool {
	if last, ok := d.last[topic]; ok && now.Sub(last) < d.window {
		return false
	}
	d.last[topic] = now
	return true
}
