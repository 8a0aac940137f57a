package store

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func newTestLog() (*ActivityLog, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := NewActivityLog()
	l.now = clock.now
	return l, clock
}

func TestActivityLogBounded(t *testing.T) {
	l, _ := newTestLog()
	for i := 0; i < MaxLogEntries+15; i++ {
		l.Append(fmt.Sprintf("line %d", i))
	}
	entries := l.Entries()
	if len(entries) != MaxLogEntries {
		t.Fatalf("kept %d entries, want %d", len(entries), MaxLogEntries)
	}
	if entries[0].Line != "line 15" {
		t.Errorf("oldest kept entry = %q", entries[0].Line)
	}
}

func TestActivityLogRetention(t *testing.T) {
	l, clock := newTestLog()
	l.Append("old")
	clock.t = clock.t.Add(6 * time.Second)
	l.Append("newer")

	clock.t = clock.t.Add(4 * time.Second)
	if got := l.Text(); got != "old\nnewer" {
		t.Errorf("at exactly the retention window: %q", got)
	}

	clock.t = clock.t.Add(time.Millisecond)
	if got := l.Text(); got != "newer" {
		t.Errorf("after expiry: %q", got)
	}

	clock.t = clock.t.Add(LogRetention)
	if got := l.Text(); got != "" {
		t.Errorf("everything should have expired: %q", got)
	}
}

func TestActivityLogClear(t *testing.T) {
	l, _ := newTestLog()
	l.Append("a")
	l.Clear()
	if len(l.Entries()) != 0 {
		t.Error("Clear left entries")
	}
}
