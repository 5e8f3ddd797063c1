// Package dispatch implements the single-threaded cooperative task
// loop described in spec §5: the entire core runs on one dispatcher,
// every callback/timer/channel-handler executes in that dispatcher's
// task context, and state is mutated only from there.
//
// Grounded on the teacher's own serialized-channel pattern
// (linux/internal/cmd/cmd.go's processCmdEvents goroutine, l2cap.go's
// single eventloop goroutine) and reinforced by the single-consumer
// event-channel-plus-reused-timer shape used elsewhere in the
// retrieval pack for device event loops.
package dispatch

import (
	"sync"
	"time"
)

// Loop is a single-goroutine FIFO task queue. Posting a task from any
// goroutine enqueues it; tasks run strictly in post order on the
// loop's own goroutine, preserving the ordering invariant in spec §5:
// "ordering of callbacks from the same source is FIFO, and a
// completion registered before a timer's fire cannot be reordered
// after it."
type Loop struct {
	tasks  chan func()
	once   sync.Once
	closed chan struct{}
}

// New starts a Loop with the given task queue depth. A depth of 0 is
// legal but makes Post block until the loop goroutine is free to
// receive; callers posting from within a running task should use a
// buffered loop to avoid deadlocking against themselves.
func New(depth int) *Loop {
	l := &Loop{
		tasks:  make(chan func(), depth),
		closed: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case t, ok := <-l.tasks:
			if !ok {
				return
			}
			t()
		case <-l.closed:
			// Drain remaining tasks so a Stop immediately
			// followed by Post doesn't wedge the caller, then exit.
			for {
				select {
				case t := <-l.tasks:
					t()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the loop goroutine. Post is safe to call
// from any goroutine, including from within a task already running on
// the loop (self-post), as long as the loop's queue has spare depth.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.closed:
	}
}

// PostAfter schedules fn to run on the loop goroutine after d elapses.
// The returned Timer can be stopped before it fires. Because the
// firing of the underlying time.Timer only enqueues fn (it does not
// call fn directly), the fire itself is subject to the same FIFO
// ordering as any other task relative to tasks already queued at fire
// time.
func (l *Loop) PostAfter(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(fn)
	})
	return t
}

// Timer wraps a scheduled PostAfter call.
type Timer struct {
	timer *time.Timer
}

// Stop prevents the timer's task from being posted, if it hasn't
// fired yet. It mirrors time.Timer.Stop's return semantics.
func (t *Timer) Stop() bool {
	if t == nil || t.timer == nil {
		return false
	}
	return t.timer.Stop()
}

// Reset reschedules the timer to fire after d, as time.Timer.Reset
// does; callers must not call Reset concurrently with the timer
// firing without first confirming Stop succeeded, per the stdlib's
// own caveat.
func (t *Timer) Reset(d time.Duration) bool {
	return t.timer.Reset(d)
}

// Stop shuts the loop down. Tasks already queued run to completion
// before the loop goroutine exits; tasks Posted after Stop is called
// are silently dropped. Stop is idempotent.
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.closed)
	})
}
