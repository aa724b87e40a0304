// Package printstats records the lifecycle of the current print job and the
// time spent printing it.
package printstats

import (
	"log/slog"
	"sync"
	"time"
)

// State is the job lifecycle state as reported to operators.
type State string

const (
	Standby   State = "standby"
	Printing  State = "printing"
	Paused    State = "paused"
	Complete  State = "complete"
	Cancelled State = "cancelled"
	Error     State = "error"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	State         State         `json:"state"`
	Filename      string        `json:"filename"`
	TotalDuration time.Duration `json:"total_duration"`
	PrintDuration time.Duration `json:"print_duration"`
	Message       string        `json:"message"`
}

// Tracker accumulates job timing. Total duration runs from the first start to
// the finish; print duration excludes time spent paused. Safe for concurrent
// use.
type Tracker struct {
	mu     sync.Mutex
	clock  Clock
	logger *slog.Logger

	state    State
	filename string
	message  string

	started    bool
	startTime  time.Time
	pausedAt   time.Time // zero unless paused
	pauseTotal time.Duration
	carried    time.Duration // elapsed time restored from an interrupted job

	totalDuration time.Duration
	printDuration time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker clock.
func WithClock(c Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithLogger sets the tracker logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// New creates a tracker in the standby state.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		clock:  systemClock{},
		logger: slog.Default(),
		state:  Standby,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetCurrentFile resets the tracker and records the selected file.
func (t *Tracker) SetCurrentFile(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reset()
	t.filename = name
}

// NoteStart records the start of a job or its resumption after a pause.
func (t *Tracker) NoteStart() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	switch {
	case !t.started:
		t.started = true
		t.startTime = now
	case !t.pausedAt.IsZero():
		t.pauseTotal += now.Sub(t.pausedAt)
		t.pausedAt = time.Time{}
	}
	t.state = Printing
	t.message = ""
	t.logger.Debug("print started", "file", t.filename)
}

// NotePause records a pause. Repeated pauses keep the first pause time.
func (t *Tracker) NotePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if t.pausedAt.IsZero() {
		t.pausedAt = now
	}
	t.update(now)
	if t.state != Error {
		t.state = Paused
	}
}

// NoteComplete records a successful finish.
func (t *Tracker) NoteComplete() {
	t.finish(Complete, "")
}

// NoteCancel records a cancelled job.
func (t *Tracker) NoteCancel() {
	t.finish(Cancelled, "")
}

// NoteError records a failed job.
func (t *Tracker) NoteError(msg string) {
	t.finish(Error, msg)
}

// AdjustElapsed adds time already spent on a job before an interruption.
func (t *Tracker) AdjustElapsed(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.carried += d
}

// Reset returns the tracker to standby with no file.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// Snapshot returns the current values. Durations of a running job are
// computed against the clock.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		t.update(t.clock.Now())
	}
	return Snapshot{
		State:         t.state,
		Filename:      t.filename,
		TotalDuration: t.totalDuration,
		PrintDuration: t.printDuration,
		Message:       t.message,
	}
}

func (t *Tracker) finish(state State, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started {
		t.state = state
		t.message = msg
		return
	}
	now := t.clock.Now()
	if !t.pausedAt.IsZero() {
		t.pauseTotal += now.Sub(t.pausedAt)
		t.pausedAt = time.Time{}
	}
	t.update(now)
	t.started = false
	t.state = state
	t.message = msg
	t.logger.Debug("print finished", "file", t.filename, "state", state,
		"total", t.totalDuration, "print", t.printDuration)
}

// update recomputes durations at now. Must be called with mu held.
func (t *Tracker) update(now time.Time) {
	if !t.started {
		return
	}
	t.totalDuration = now.Sub(t.startTime) + t.carried

	paused := t.pauseTotal
	if !t.pausedAt.IsZero() {
		paused += now.Sub(t.pausedAt)
	}
	t.printDuration = t.totalDuration - paused
}

// reset clears all fields. Must be called with mu held.
func (t *Tracker) reset() {
	t.state = Standby
	t.filename = ""
	t.message = ""
	t.started = false
	t.startTime = time.Time{}
	t.pausedAt = time.Time{}
	t.pauseTotal = 0
	t.carried = 0
	t.totalDuration = 0
	t.printDuration = 0
}
