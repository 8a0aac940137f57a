package store

import (
	"strings"
	"sync"
	"time"
)

const (
	MaxLogEntries = 80
	LogRetention  = 10 * time.Second
)

// LogEntry is one line of the activity log.
type LogEntry struct {
	Time time.Time `json:"time"`
	Line string    `json:"line"`
}

// ActivityLog is a bounded in-memory log. Entries older than the retention
// window are dropped on every access.
type ActivityLog struct {
	mu        sync.Mutex
	entries   []LogEntry
	max       int
	retention time.Duration
	now       func() time.Time
}

func NewActivityLog() *ActivityLog {
	return &ActivityLog{
		max:       MaxLogEntries,
		retention: LogRetention,
		now:       time.Now,
	}
}

// Append records line and returns the stored entry.
func (l *ActivityLog) Append(line string) LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	entry := LogEntry{Time: now, Line: line}
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.max; over > 0 {
		l.entries = append([]LogEntry(nil), l.entries[over:]...)
	}
	return entry
}

// Entries returns the live entries, oldest first.
func (l *ActivityLog) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return append([]LogEntry(nil), l.entries...)
}

// Text joins the live entries with newlines.
func (l *ActivityLog) Text() string {
	entries := l.Entries()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Line
	}
	return strings.Join(lines, "\n")
}

func (l *ActivityLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

func (l *ActivityLog) pruneLocked(now time.Time) {
	keep := l.entries[:0]
	for _, e := range l.entries {
		if now.Sub(e.Time) <= l.retention {
			keep = append(keep, e)
		}
	}
	for i := len(keep); i < len(l.entries); i++ {
		l.entries[i] = LogEntry{}
	}
	l.entries = keep
}
