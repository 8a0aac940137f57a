package bluetooth

import (
	"sync"
	"sync/atomic"
)

// Looper runs posted functions one at a time, in order, on its own goroutine.
type Looper struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func NewLooper() *Looper {
	l := &Looper{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues fn. It returns false once the looper is stopped.
func (l *Looper) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop drains the queue and waits for the goroutine to exit. It must not be
// called from a posted function.
func (l *Looper) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Looper) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Dispatcher delivers outcomes on a single looper.
type Dispatcher struct {
	looper *Looper
}

func NewDispatcher(looper *Looper) *Dispatcher {
	return &Dispatcher{looper: looper}
}

// Deliver posts outcome to handler. A nil handler is a no-op.
func (d *Dispatcher) Deliver(handler ResultHandler, outcome Outcome) {
	if handler == nil {
		return
	}
	d.looper.Post(func() { handler(outcome) })
}

// NewCompletion returns the at-most-once delivery point of one transaction.
func (d *Dispatcher) NewCompletion(handler ResultHandler) *Completion {
	return &Completion{dispatcher: d, handler: handler}
}

// Completion guards the outcome of one transaction.
type Completion struct {
	done       atomic.Bool
	dispatcher *Dispatcher
	handler    ResultHandler
}

// Complete delivers outcome if nothing was completed before. It reports
// whether this call won.
func (c *Completion) Complete(outcome Outcome) bool {
	if !c.done.CompareAndSwap(false, true) {
		return false
	}
	c.dispatcher.Deliver(c.handler, outcome)
	return true
}

// Abandon finalises without delivering anything.
func (c *Completion) Abandon() bool {
	return c.done.CompareAndSwap(false, true)
}

func (c *Completion) Done() bool {
	return c.done.Load()
}
