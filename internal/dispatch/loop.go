// Package dispatch provides the single serialized execution context shared by
// the radio facade and the components built on it. Hardware callbacks, timer
// firings and the results of off-loop calls are all posted to one Loop, so
// component state is only ever touched from one goroutine.
package dispatch

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so tests can drive timers by hand.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Loop runs posted functions one at a time in posting order.
type Loop struct {
	clock Clock

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// New creates a Loop. A nil clock selects SystemClock.
func New(clock Clock) *Loop {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Loop{
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the loop's clock.
func (l *Loop) Clock() Clock { return l.clock }

// Now is shorthand for l.Clock().Now().
func (l *Loop) Now() time.Time { return l.clock.Now() }

// Post queues fn to run on the loop. Safe for concurrent use.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// After runs fn on the loop once d has elapsed, unless the returned timer is
// stopped first. A stopped timer whose firing was already queued is
// suppressed as well.
func (l *Loop) After(d time.Duration, fn func()) Timer {
	lt := &loopTimer{}
	lt.inner = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if lt.stopped {
				return
			}
			lt.fired = true
			fn()
		})
	})
	return lt
}

// Run executes posted functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// RunPending runs queued functions on the calling goroutine until the queue
// is empty, including functions posted while draining. It returns how many
// ran. Callers must not run it concurrently with Run.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
		n++
	}
}

// loopTimer is only read and written on the loop, apart from inner which is
// set once before it can fire.
type loopTimer struct {
	inner   Timer
	stopped bool
	fired   bool
}

// Stop must be called on the loop.
func (t *loopTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.inner.Stop()
	return true
}
