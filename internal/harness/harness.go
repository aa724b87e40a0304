package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roach88/spool/internal/catalog"
	"github.com/roach88/spool/internal/engine"
	"github.com/roach88/spool/internal/gcode"
	"github.com/roach88/spool/internal/printstats"
	"github.com/roach88/spool/internal/reactor"
	"github.com/roach88/spool/internal/recovery"
	"github.com/roach88/spool/internal/store"
	"github.com/roach88/spool/internal/testutil"
)

// maxTicks bounds a drive step.
const maxTicks = 1_000_000

// foregroundTimeout bounds a blocking control operation.
const foregroundTimeout = 5 * time.Second

// Harness runs one scenario against a real engine with a fake clock, an
// in-memory store and a recording device.
type Harness struct {
	eng     *engine.Engine
	disp    *gcode.Dispatcher
	sched   *reactor.Reactor
	clock   *testutil.FakeClock
	tracker *printstats.Tracker
	store   *store.Store
	rec     *recovery.Recorder
	recSub  *engine.Subscription
	events  *engine.Subscription
	backoff time.Duration
	dir     string

	failures map[string]Failure

	mu     sync.Mutex
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh temp directory and in-memory database.
// Job IDs are job-1, job-2, ... in load order and the clock only moves when
// the loop backs off, so traces are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "spool-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	for name, content := range scenario.Files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(scenario, dir, st)
	ctx := context.Background()

	if err := h.eng.RegisterCommands(); err != nil {
		return nil, fmt.Errorf("register commands: %w", err)
	}

	for i, step := range scenario.Flow {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Do, err)
		}
	}

	result := h.finish()
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{Store: st, Ctx: ctx}) {
		result.AddError(msg)
	}

	if err := h.foreground(func() error { return h.eng.Close(ctx) }); err != nil {
		return nil, fmt.Errorf("close engine: %w", err)
	}
	return result, nil
}

func newHarness(scenario *Scenario, dir string, st *store.Store) *Harness {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &Harness{
		clock:    testutil.NewFakeClock(time.Time{}),
		store:    st,
		dir:      dir,
		backoff:  engine.DefaultContentionBackoff,
		failures: make(map[string]Failure, len(scenario.Failures)),
		result:   NewResult(),
	}
	for _, f := range scenario.Failures {
		h.failures[f.Line] = f
	}

	h.sched = reactor.New(reactor.WithClock(h.clock))
	h.tracker = printstats.New(printstats.WithClock(h.clock), printstats.WithLogger(discard))
	h.disp = gcode.New(
		gcode.WithFallback(h.device),
		gcode.WithOutput(responseWriter{h}),
		gcode.WithLogger(discard),
	)
	h.rec = recovery.NewRecorder(st,
		recovery.WithClock(h.clock),
		recovery.WithElapsed(func() time.Duration { return h.tracker.Snapshot().PrintDuration }),
		recovery.WithLogger(discard),
	)

	ids := make([]string, 64)
	for i := range ids {
		ids[i] = fmt.Sprintf("job-%d", i+1)
	}

	opts := []engine.Option{
		engine.WithScripts(engine.Scripts{
			Start:   scenario.Scripts.Start,
			Resume:  scenario.Scripts.Resume,
			End:     scenario.Scripts.End,
			OnError: scenario.Scripts.OnError,
		}),
		engine.WithJobIDs(engine.NewFixedGenerator(ids...)),
		engine.WithPositionObserver(h.rec.Observe),
		engine.WithLogger(discard),
	}
	if scenario.ChunkSize > 0 {
		opts = append(opts, engine.WithChunkSize(scenario.ChunkSize))
	}
	h.eng = engine.New(h.disp, h.sched, h.tracker, catalog.New(dir), opts...)
	h.events = h.eng.Events().Subscribe()
	h.recSub = h.eng.Events().Subscribe()
	return h
}

// execute runs one flow step and checks its expectation. Only harness
// failures are returned; expectation mismatches are recorded in the result.
func (h *Harness) execute(ctx context.Context, index int, step Step) error {
	var err error
	switch step.Do {
	case OpLoad:
		err = h.eng.Load(ctx, step.File, step.Position, false)
	case OpPrint:
		err = h.eng.PrintFile(ctx, step.File)
	case OpResume:
		err = h.eng.Resume(ctx)
	case OpPause:
		err = h.foreground(func() error { return h.eng.Pause(ctx) })
	case OpCancel:
		err = h.foreground(func() error { return h.eng.Cancel(ctx) })
	case OpReset:
		err = h.foreground(func() error { return h.eng.Reset(ctx) })
	case OpSetPosition:
		err = h.eng.SetPosition(step.Position)
	case OpRestart:
		err = h.eng.ResumeAfterInterruption(ctx, step.File, step.Position, 0)
	case OpGCode:
		err = h.foreground(func() error { return h.disp.Run(ctx, step.GCode) })
	case OpStep:
		for i := 0; i < step.Steps; i++ {
			h.tick()
		}
	case OpDrive:
		if derr := h.drive(); derr != nil {
			return derr
		}
	}
	if errors.Is(err, errForegroundTimeout) {
		return err
	}

	h.sync(ctx)
	h.check(index, step, err)
	return nil
}

var errForegroundTimeout = errors.New("operation did not finish")

// foreground runs a control operation that may wait for the loop. The loop
// is only stepped once the operation has asked it to stop, so no extra line
// is dispatched while the operation is starting.
func (h *Harness) foreground(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	deadline := time.After(foregroundTimeout)
	for {
		select {
		case err := <-done:
			return err
		case <-deadline:
			return errForegroundTimeout
		default:
		}
		if h.eng.PauseRequested() {
			h.tick()
			continue
		}
		time.Sleep(50 * time.Microsecond)
	}
}

// tick runs one scheduler pass, advancing the clock when nothing was due.
func (h *Harness) tick() {
	if h.sched.RunDue() == 0 {
		h.clock.Advance(h.backoff)
	}
}

func (h *Harness) drive() error {
	for i := 0; i < maxTicks; i++ {
		if !h.eng.IsActive() {
			return nil
		}
		h.tick()
	}
	return fmt.Errorf("playback did not finish after %d ticks", maxTicks)
}

// sync moves queued events into the trace and the store.
func (h *Harness) sync(ctx context.Context) {
	h.mu.Lock()
	h.drainLocked()
	h.mu.Unlock()
	h.rec.Drain(ctx, h.recSub)
}

func (h *Harness) check(index int, step Step, err error) {
	exp := step.Expect
	if exp == nil || exp.Error == "" {
		if err != nil {
			h.addError("flow[%d] %s: unexpected error: %v", index, step.Do, err)
		}
	} else {
		switch {
		case err == nil:
			h.addError("flow[%d] %s: expected error %s, got success", index, step.Do, exp.Error)
		case errorKey(err) != exp.Error:
			h.addError("flow[%d] %s: expected error %s, got %s", index, step.Do, exp.Error, errorKey(err))
		}
	}
	if exp == nil {
		return
	}

	status := h.eng.Status()
	if exp.State != "" && string(status.State) != exp.State {
		h.addError("flow[%d] %s: expected state %s, got %s", index, step.Do, exp.State, status.State)
	}
	if exp.Position != nil && status.FilePosition != *exp.Position {
		h.addError("flow[%d] %s: expected position %d, got %d", index, step.Do, *exp.Position, status.FilePosition)
	}
}

// errorKey is the engine error code, or the command failure message.
func errorKey(err error) string {
	var ee *engine.Error
	if errors.As(err, &ee) {
		return string(ee.Code)
	}
	return gcode.Message(err)
}

func (h *Harness) addError(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.AddError(fmt.Sprintf(format, args...))
}

// device is the dispatcher fallback: every unregistered command reaches it.
func (h *Harness) device(ctx context.Context, cmd *gcode.Command) error {
	h.record(Entry{Type: TraceLine, Text: cmd.Line})

	f, ok := h.failures[cmd.Line]
	if !ok {
		return nil
	}
	if f.Fatal {
		return errors.New(f.Message)
	}
	return gcode.Errorf("%s", f.Message)
}

// record appends e after any events published before it.
func (h *Harness) record(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drainLocked()
	h.appendLocked(e)
}

func (h *Harness) drainLocked() {
	for {
		ev, ok := h.events.TryNext()
		if !ok {
			return
		}
		h.appendLocked(Entry{
			Type:     TraceEvent,
			Text:     string(ev.Kind),
			JobID:    ev.JobID,
			Position: ev.Position,
			Message:  ev.Message,
		})
	}
}

func (h *Harness) appendLocked(e Entry) {
	e.Seq = len(h.result.Trace) + 1
	h.result.Trace = append(h.result.Trace, e)
}

func (h *Harness) finish() *Result {
	h.sync(context.Background())

	status := h.eng.Status()
	file := status.FilePath
	if rel, err := filepath.Rel(h.dir, file); err == nil && file != "" {
		file = filepath.ToSlash(rel)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.Final = FinalState{
		State:    string(status.State),
		File:     file,
		Position: status.FilePosition,
		Size:     status.FileSize,
		Active:   status.IsActive,
		Tracker:  string(h.tracker.Snapshot().State),
	}
	return h.result
}

// responseWriter records dispatcher output as response entries.
type responseWriter struct {
	h *Harness
}

func (w responseWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.h.record(Entry{Type: TraceResponse, Text: line})
		}
	}
	return len(p), nil
}
