package notifier

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxEntries bounds the notification log.
	DefaultMaxEntries = 50
	// DefaultDuplicateWindow suppresses identical texts appended this close together.
	DefaultDuplicateWindow = 5 * time.Second
)

// Notification is one entry of the log, newest first.
type Notification struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Category  Category  `json:"category"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"timestamp"`
}

// LogConfig configures a notification Log.
type LogConfig struct {
	MaxEntries      int
	DuplicateWindow time.Duration
	Clock           func() time.Time
	NewID           func() string
}

// Log is the bounded, deduplicated notification history.
type Log struct {
	mu              sync.Mutex
	entries         []Notification
	maxEntries      int
	duplicateWindow time.Duration
	clock           func() time.Time
	newID           func() string
}

// NewLog constructs a Log, filling unset fields with defaults.
func NewLog(cfg LogConfig) *Log {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	duplicateWindow := cfg.DuplicateWindow
	if duplicateWindow <= 0 {
		duplicateWindow = DefaultDuplicateWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = newNotificationID
	}
	return &Log{
		maxEntries:      maxEntries,
		duplicateWindow: duplicateWindow,
		clock:           clock,
		newID:           newID,
	}
}

func newNotificationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Append prepends a notification unless an entry with the same text was
// appended within the duplicate window. It reports whether the entry was kept.
func (l *Log) Append(classification Classification) (Notification, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	for _, existing := range l.entries {
		if existing.Message == classification.Text && now.Sub(existing.Timestamp) < l.duplicateWindow {
			return Notification{}, false
		}
	}

	notification := Notification{
		ID:        l.newID(),
		Message:   classification.Text,
		Category:  classification.Category,
		Timestamp: now,
	}
	entries := make([]Notification, 0, min(len(l.entries)+1, l.maxEntries))
	entries = append(entries, notification)
	for _, existing := range l.entries {
		if len(entries) == l.maxEntries {
			break
		}
		entries = append(entries, existing)
	}
	l.entries = entries
	return notification, true
}

// List returns a copy of the log, newest first.
func (l *Log) List() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notification(nil), l.entries...)
}

// Len reports the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// MarkRead flags one entry as read. Unknown ids are ignored.
func (l *Log) MarkRead(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for index := range l.entries {
		if l.entries[index].ID == id {
			l.entries[index].Read = true
			return true
		}
	}
	return false
}

// MarkAllRead flags every entry as read.
func (l *Log) MarkAllRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for index := range l.entries {
		l.entries[index].Read = true
	}
}

// Remove drops one entry. Unknown ids are ignored.
func (l *Log) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for index := range l.entries {
		if l.entries[index].ID == id {
			l.entries = append(l.entries[:index:index], l.entries[index+1:]...)
			return true
		}
	}
	return false
}

// Clear empties the log.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// UnreadCount is derived from the entries on every call.
func (l *Log) UnreadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	unread := 0
	for _, entry := range l.entries {
		if !entry.Read {
			unread++
		}
	}
	return unread
}
