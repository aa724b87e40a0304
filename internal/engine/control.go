package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/spool/internal/catalog"
	"github.com/roach88/spool/internal/gcode"
)

// IsActive reports whether the playback loop is registered.
func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil
}

// State returns the playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns position/size in [0,1], or 0 when size is 0.
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return progress(e.position, e.size)
}

// FilePath returns the absolute path of the open file, or "" when no file is
// open.
func (e *Engine) FilePath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file == nil {
		return ""
	}
	return e.path
}

// Status returns a snapshot for status reporting.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Status{
		Progress:     progress(e.position, e.size),
		IsActive:     e.timer != nil,
		FilePosition: e.position,
		FileSize:     e.size,
		State:        e.state,
		JobID:        e.jobID,
	}
	if e.file != nil {
		s.FilePath = e.path
	}
	return s
}

// Stats reports whether a print is active and a short counter line.
func (e *Engine) Stats() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer == nil {
		return false, ""
	}
	return true, fmt.Sprintf("sd_pos=%d", e.position)
}

// IsDispatching reports whether a line from the playback loop is executing.
func (e *Engine) IsDispatching() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatching
}

// PauseRequested reports whether the loop is still registered but will stop
// at its next step.
func (e *Engine) PauseRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil && e.mustPause
}

// NextPosition returns the position that will be committed when the line
// being dispatched finishes.
func (e *Engine) NextPosition() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextPos
}

// SetNextPosition overrides the position committed after the line being
// dispatched. Reading resumes from pos. Only meaningful from a command
// executing inside a playback dispatch.
func (e *Engine) SetNextPosition(pos int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextPos = pos
}

// SetPosition sets the position the next run starts from.
func (e *Engine) SetPosition(pos int64) error {
	if pos < 0 {
		return NewCommandError(fmt.Sprintf("invalid file position %d", pos), nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil || e.starting {
		return NewBusyError("set position")
	}
	e.position = pos
	return nil
}

// Pause asks the loop to stop at the next line boundary and waits until it
// has deregistered or ctx is done. Called from a command dispatched by the
// loop itself, it only sets the request. Pausing an inactive engine is a
// no-op. A pause that arrives while the start script runs is kept and
// stops the loop before its first line.
//
// The wait is unbounded if the command in flight never returns.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	if e.timer == nil && !e.starting {
		e.mu.Unlock()
		return nil
	}
	e.mustPause = true
	done := e.done
	e.mu.Unlock()

	if FromPlayback(ctx) {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume starts or continues playback of the loaded file. The first run of a
// freshly loaded file executes the start script, or the resume script when
// the file continues an interrupted job.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if e.timer != nil || e.starting {
		e.mu.Unlock()
		return NewBusyError("resume")
	}
	if e.file == nil {
		e.mu.Unlock()
		return NewNoFileError("resume")
	}

	var script, label string
	if !e.begun {
		e.begun = true
		script, label = e.scripts.Start, "start"
		if e.restored {
			script, label = e.scripts.Resume, "resume"
		}
	}
	e.mustPause = false
	e.cancelRequested = false
	e.done = make(chan struct{})
	e.starting = true
	e.mu.Unlock()

	if err := e.runScript(ctx, script, label); err != nil {
		e.mu.Lock()
		e.starting = false
		done := e.done
		e.done = nil
		e.mu.Unlock()
		close(done)

		msg := gcode.Message(err)
		e.tracker.NoteError(msg)
		return NewCommandError(msg, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.starting = false
	if e.file == nil {
		close(e.done)
		e.done = nil
		return NewNoFileError("resume")
	}
	e.needSeek = true
	e.state = Running
	e.timer = e.sched.Register(e.step, time.Time{})
	e.publishLocked(EventStarted, "")
	return nil
}

// Cancel ends the current print and returns to Idle: a running loop is
// paused first, the file is closed and position and size are zeroed.
// Cancelling from Idle is a no-op. From inside a command dispatched by the
// loop the cancel takes effect at the next line boundary.
func (e *Engine) Cancel(ctx context.Context) error {
	return e.discard(ctx, true, false)
}

// Reset discards the loaded file and clears the tracker without recording a
// cancellation. It is refused from inside a playback dispatch.
func (e *Engine) Reset(ctx context.Context) error {
	if FromPlayback(ctx) {
		return NewBusyError("reset from a printing file")
	}
	return e.discard(ctx, false, false)
}

// discard tears down the session. With refuseActive set, a running loop is
// a Busy error instead of being paused.
func (e *Engine) discard(ctx context.Context, cancel, refuseActive bool) error {
	for {
		e.mu.Lock()
		if e.timer == nil {
			break
		}
		if refuseActive {
			e.mu.Unlock()
			return NewBusyError("reset")
		}
		if FromPlayback(ctx) {
			e.mustPause = true
			e.cancelRequested = true
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()

		if err := e.Pause(ctx); err != nil {
			return err
		}
	}

	if cancel && e.state == Idle {
		e.position, e.size = 0, 0
		e.mu.Unlock()
		return nil
	}

	hadFile := e.file != nil
	e.closeFileLocked()
	e.buf.reset()
	e.position, e.size = 0, 0
	e.state = Idle
	if cancel && hadFile {
		e.publishLocked(EventCancelled, "")
	}
	e.clearSessionLocked()
	e.publishLocked(EventReset, "")
	e.mu.Unlock()

	switch {
	case !cancel:
		e.tracker.Reset()
	case hadFile:
		e.logger.Info("print cancelled")
		e.tracker.NoteCancel()
	}
	return nil
}

// clearSessionLocked forgets the session identity. Must be called with mu
// held.
func (e *Engine) clearSessionLocked() {
	e.name = ""
	e.path = ""
	e.jobID = ""
	e.position, e.size = 0, 0
	e.begun = false
	e.restored = false
}

// Load resolves name against the catalog, opens it and positions the
// session at start. Any previously loaded file is closed. Fails with Busy
// while Running.
func (e *Engine) Load(ctx context.Context, name string, start int64, recursive bool) error {
	if start < 0 {
		start = 0
	}

	e.mu.Lock()
	if e.timer != nil || e.starting {
		e.mu.Unlock()
		return NewBusyError("load")
	}

	entry, err := e.catalog.Resolve(name, recursive)
	if err != nil {
		e.mu.Unlock()
		if errors.Is(err, catalog.ErrNotFound) {
			return NewNotFoundError(name, err)
		}
		return NewIOError("list", name, err)
	}

	path := e.catalog.Path(entry.Name)
	f, size, err := e.opener(path)
	if err != nil {
		e.mu.Unlock()
		return NewIOError("open", entry.Name, err)
	}

	e.closeFileLocked()
	e.buf.reset()
	e.file = f
	e.name = entry.Name
	e.path = path
	e.size = size
	e.position = start
	e.jobID = e.jobIDs.Generate()
	e.begun = false
	e.restored = false
	e.mustPause = false
	e.cancelRequested = false
	e.state = Loaded
	e.publishLocked(EventLoaded, "")
	info := LoadInfo{Name: entry.Name, Path: path, Size: size, JobID: e.jobID}
	e.mu.Unlock()

	e.logger.Info("file loaded", "file", entry.Name, "size", size, "position", start, "job", info.JobID)
	e.tracker.SetCurrentFile(entry.Name)
	e.dispatcher.RespondRaw(fmt.Sprintf("File opened:%s Size:%d", entry.Name, size))
	e.dispatcher.RespondRaw("File selected")

	if e.postLoad != nil {
		if err := e.postLoad(ctx, info); err != nil {
			e.logger.Warn("post-load hook failed", "file", entry.Name, "error", err)
		}
	}
	return nil
}

// PrintFile resets the engine, loads name (searching subdirectories,
// ignoring a leading '/') and starts it.
func (e *Engine) PrintFile(ctx context.Context, name string) error {
	if err := e.discard(ctx, false, true); err != nil {
		return err
	}
	if err := e.Load(ctx, strings.TrimPrefix(name, "/"), 0, true); err != nil {
		return err
	}
	return e.Resume(ctx)
}

// ResumeAfterInterruption continues a job that stopped at offset after
// elapsed print time. Playback starts at offset and runs the resume script
// instead of the start script.
func (e *Engine) ResumeAfterInterruption(ctx context.Context, name string, offset int64, elapsed time.Duration) error {
	if err := e.discard(ctx, false, true); err != nil {
		return err
	}
	if err := e.Load(ctx, strings.TrimPrefix(name, "/"), offset, true); err != nil {
		return err
	}

	e.mu.Lock()
	e.restored = true
	e.mu.Unlock()

	e.tracker.AdjustElapsed(elapsed)
	return e.Resume(ctx)
}
