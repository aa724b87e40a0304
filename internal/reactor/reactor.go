package reactor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Next is the directive a Task returns after each invocation.
type Next struct {
	stop  bool
	delay time.Duration
}

var (
	// Again reschedules the task at the current time.
	Again = Next{}

	// Stop deregisters the task.
	Stop = Next{stop: true}
)

// After reschedules the task once d has elapsed. Negative durations are
// treated as zero.
func After(d time.Duration) Next {
	if d < 0 {
		d = 0
	}
	return Next{delay: d}
}

// IsStop reports whether the directive deregisters the task.
func (n Next) IsStop() bool { return n.stop }

// Delay returns the requested delay before the next invocation.
func (n Next) Delay() time.Duration { return n.delay }

// Task is a timer callback. now is the reactor time at invocation.
type Task func(now time.Time) Next

// Clock supplies the reactor's notion of time.
// Implemented by SystemClock (production) and testutil.FakeClock (tests).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Timer is a registered task handle.
type Timer struct {
	task   Task
	when   time.Time
	active bool
}

// Reactor fires registered timers from a single goroutine.
//
// Thread-safety model:
//   - Register / Unregister / Now: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//   - RunDue: must not be mixed with a concurrent Run
type Reactor struct {
	mu     sync.Mutex
	clock  Clock
	timers []*Timer
	signal chan struct{} // Signals timer set changes (buffered, size 1)
	logger *slog.Logger
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithClock overrides the reactor clock.
func WithClock(c Clock) Option {
	return func(r *Reactor) {
		r.clock = c
	}
}

// WithLogger sets the reactor logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reactor) {
		r.logger = l
	}
}

// New creates an idle reactor.
func New(opts ...Option) *Reactor {
	r := &Reactor{
		clock:  SystemClock{},
		signal: make(chan struct{}, 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Now returns the reactor clock's current time.
func (r *Reactor) Now() time.Time {
	return r.clock.Now()
}

// Register schedules task to first run at at. A zero at means now.
func (r *Reactor) Register(task Task, at time.Time) *Timer {
	if at.IsZero() {
		at = r.clock.Now()
	}
	t := &Timer{task: task, when: at, active: true}

	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()

	r.wake()
	return t
}

// Unregister removes a timer. Unregistering an unknown or already removed
// timer is a no-op.
func (r *Reactor) Unregister(t *Timer) {
	if t == nil {
		return
	}
	r.mu.Lock()
	r.remove(t)
	r.mu.Unlock()

	r.wake()
}

// Len returns the number of registered timers.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Run fires timers until ctx is cancelled.
// CRITICAL: Must be called from exactly ONE goroutine.
func (r *Reactor) Run(ctx context.Context) error {
	r.logger.Debug("reactor starting")

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("reactor stopping", "reason", ctx.Err())
			return ctx.Err()
		default:
		}

		t, wait, ok := r.earliest()
		if ok && wait <= 0 {
			r.fire(t)
			continue
		}

		var timerC <-chan time.Time
		var tm *time.Timer
		if ok {
			tm = time.NewTimer(wait)
			timerC = tm.C
		}

		select {
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			r.logger.Debug("reactor stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-r.signal:
		case <-timerC:
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

// RunDue fires every timer due at the current clock time exactly once and
// returns how many fired. Timers rescheduled with Again during the pass wait
// for the next call.
func (r *Reactor) RunDue() int {
	now := r.clock.Now()

	r.mu.Lock()
	var due []*Timer
	for _, t := range r.timers {
		if !t.when.After(now) {
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	fired := 0
	for _, t := range due {
		if r.fire(t) {
			fired++
		}
	}
	return fired
}

// earliest returns the timer with the smallest wake time and how long until
// it is due.
func (r *Reactor) earliest() (*Timer, time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.timers) == 0 {
		return nil, 0, false
	}
	best := r.timers[0]
	for _, t := range r.timers[1:] {
		if t.when.Before(best.when) {
			best = t
		}
	}
	return best, best.when.Sub(r.clock.Now()), true
}

// fire invokes a timer callback without holding the reactor lock and applies
// the returned directive. Returns false if the timer was no longer active.
func (r *Reactor) fire(t *Timer) bool {
	r.mu.Lock()
	if !t.active {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	next := t.task(r.clock.Now())

	r.mu.Lock()
	defer r.mu.Unlock()

	// Unregistered while running: the directive is discarded.
	if !t.active {
		return true
	}
	if next.IsStop() {
		r.remove(t)
		return true
	}
	t.when = r.clock.Now().Add(next.Delay())

	// Move to the back so equal wake times run round-robin.
	r.remove(t)
	t.active = true
	r.timers = append(r.timers, t)
	return true
}

// remove drops t from the timer list. Must be called with mu held.
func (r *Reactor) remove(t *Timer) {
	t.active = false
	for i, cur := range r.timers {
		if cur == t {
			r.timers[i] = nil
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

// wake signals the Run loop that the timer set changed.
func (r *Reactor) wake() {
	// Non-blocking; buffer of 1 coalesces multiple signals.
	select {
	case r.signal <- struct{}{}:
	default:
	}
}
