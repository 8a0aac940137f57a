package bluetooth

import "time"

// Timer is a cancellable deferred call.
type Timer interface {
	Stop() bool
}

// Scheduler defers work without blocking the caller.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemScheduler runs deferred calls on the wall clock.
var SystemScheduler Scheduler = clockScheduler{}
