// Package autosave implements the debounced save trigger for an open notebook.
//
// Every dirtying edit re-arms a single timer; only the last edit of a burst
// results in a save. The timer never calls the save itself: it hands a token
// back to the owner's event loop, which checks it with Fire so a fire that
// raced a Cancel or re-Arm is dropped.
package autosave

import (
	"time"
)

// DefaultDelay is the debounce window.
const DefaultDelay = 2000 * time.Millisecond

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running and reports whether it was pending.
	Stop() bool
}

// Clock schedules callbacks.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock returns a Clock backed by time.AfterFunc.
func SystemClock() Clock {
	return realClock{}
}

// State of the scheduler.
type State int

const (
	Idle State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "idle"
}

// Scheduler is owned by a single goroutine; only the timer callback runs elsewhere.
type Scheduler struct {
	clock  Clock
	delay  time.Duration
	notify func(token uint64)

	timer Timer
	token uint64
	state State
}

// New creates a scheduler. notify is called from the timer goroutine with the
// token of the arm that expired and must not block.
func New(delay time.Duration, clock Clock, notify func(token uint64)) *Scheduler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Scheduler{clock: clock, delay: delay, notify: notify}
}

// Arm starts the debounce window, cancelling any pending one.
func (s *Scheduler) Arm() {
	s.stopTimer()
	s.token++
	token := s.token
	s.timer = s.clock.AfterFunc(s.delay, func() { s.notify(token) })
	s.state = Armed
}

// Cancel drops any pending fire.
func (s *Scheduler) Cancel() {
	s.stopTimer()
	s.token++
	s.state = Idle
}

// Fire consumes a notified token. It returns true when the token belongs to the
// current arm, in which case the caller should save now.
func (s *Scheduler) Fire(token uint64) bool {
	if s.state != Armed || token != s.token {
		return false
	}
	s.timer = nil
	s.state = Idle
	return true
}

func (s *Scheduler) State() State {
	return s.state
}

func (s *Scheduler) Delay() time.Duration {
	return s.delay
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
