package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/roach88/spool/internal/gcode"
	"github.com/roach88/spool/internal/reactor"
)

// step is the playback loop. Each invocation does one bounded unit of work
// and tells the scheduler when to run it again:
//
//  1. First step of a run: seek to position and note the start.
//  2. A pause request ends the run (or tears the session down when a cancel
//     was requested from inside a dispatched command).
//  3. With no buffered lines, read one chunk and yield.
//  4. While a foreground command is pending, back off.
//  5. Otherwise dispatch exactly one line and commit its position.
func (e *Engine) step(now time.Time) reactor.Next {
	e.mu.Lock()
	seek := e.needSeek
	e.needSeek = false
	pos := e.position
	e.mu.Unlock()

	if seek {
		e.buf.reset()
		if _, err := e.file.Seek(pos, io.SeekStart); err != nil {
			return e.fail(NewIOError("seek", e.name, err))
		}
		e.logger.Info("starting print", "file", e.name, "position", pos, "job", e.jobID)
		e.tracker.NoteStart()
	}

	e.mu.Lock()
	if e.mustPause {
		return e.exitPausedLocked()
	}
	e.mu.Unlock()

	if e.buf.empty() {
		return e.readChunk()
	}
	if e.dispatcher.Contended() {
		return reactor.After(e.backoff)
	}
	return e.dispatchNext()
}

func (e *Engine) readChunk() reactor.Next {
	chunk := make([]byte, e.chunkSize)
	n, err := e.file.Read(chunk)
	if n > 0 {
		e.buf.fill(chunk[:n])
		// Yield before dispatching so pause requests are seen between reads.
		return reactor.Again
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return e.fail(NewIOError("read", e.name, err))
	}
	if e.buf.flush() {
		return reactor.Again
	}
	return e.complete()
}

func (e *Engine) dispatchNext() reactor.Next {
	ln, _ := e.buf.peek()

	e.mu.Lock()
	expected := e.position + ln.size
	e.nextPos = expected
	e.dispatching = true
	e.mu.Unlock()

	err := e.dispatcher.Execute(withPlayback(context.Background()), ln.text)

	e.mu.Lock()
	e.dispatching = false
	next := e.nextPos
	e.mu.Unlock()

	if errors.Is(err, gcode.ErrContended) {
		return reactor.After(e.backoff)
	}
	e.buf.pop()

	if err != nil {
		if gcode.IsError(err) {
			return e.commandFailed(gcode.Message(err))
		}
		return e.fail(err)
	}

	if next != expected {
		e.buf.reset()
		if _, err := e.file.Seek(next, io.SeekStart); err != nil {
			return e.fail(NewIOError("seek", e.name, err))
		}
		e.logger.Debug("position override", "file", e.name, "from", expected, "to", next)
	}

	e.mu.Lock()
	e.position = next
	e.mu.Unlock()

	if e.observer != nil {
		e.observer(e.jobID, next)
	}
	return reactor.Again
}

// stopLocked deregisters the loop and moves to s. It returns the channel
// that must be closed once the exit has been recorded.
// Must be called with mu held.
func (e *Engine) stopLocked(s State) chan struct{} {
	e.timer = nil
	e.state = s
	done := e.done
	e.done = nil
	return done
}

// closeFileLocked closes the session file. Must be called with mu held.
func (e *Engine) closeFileLocked() {
	if e.file == nil {
		return
	}
	if err := e.file.Close(); err != nil {
		e.logger.Warn("close print file", "file", e.name, "error", err)
	}
	e.file = nil
}

// exitPausedLocked ends the run at a line boundary. Unlocks mu.
func (e *Engine) exitPausedLocked() reactor.Next {
	if e.cancelRequested {
		e.cancelRequested = false
		e.closeFileLocked()
		e.buf.reset()
		done := e.stopLocked(Idle)
		e.publishLocked(EventCancelled, "")
		e.clearSessionLocked()
		e.publishLocked(EventReset, "")
		e.mu.Unlock()

		e.logger.Info("print cancelled")
		e.tracker.NoteCancel()
		close(done)
		return reactor.Stop
	}

	done := e.stopLocked(Paused)
	e.publishLocked(EventPaused, "")
	name, pos := e.name, e.position
	e.mu.Unlock()

	e.logger.Info("print paused", "file", name, "position", pos)
	e.tracker.NotePause()
	close(done)
	return reactor.Stop
}

func (e *Engine) complete() reactor.Next {
	e.mu.Lock()
	e.closeFileLocked()
	done := e.stopLocked(Completed)
	e.publishLocked(EventCompleted, "")
	name := e.name
	e.mu.Unlock()

	e.logger.Info("finished print", "file", name)
	e.tracker.NoteComplete()
	close(done)

	e.dispatcher.RespondRaw("Done printing file")
	_ = e.runScript(context.Background(), e.scripts.End, "end")
	return reactor.Stop
}

// commandFailed ends the print after a dispatched line reported a command
// error, then runs the on-error script once.
func (e *Engine) commandFailed(msg string) reactor.Next {
	e.mu.Lock()
	e.closeFileLocked()
	e.buf.reset()
	done := e.stopLocked(Errored)
	e.publishLocked(EventErrored, msg)
	name, pos := e.name, e.position
	e.mu.Unlock()

	e.logger.Warn("command failed", "file", name, "position", pos, "error", msg)
	e.tracker.NoteError(msg)
	close(done)

	_ = e.runScript(context.Background(), e.scripts.OnError, "on_error")
	return reactor.Stop
}

// fail ends the print after an I/O or internal failure. The engine stays
// usable for a new load.
func (e *Engine) fail(err error) reactor.Next {
	e.mu.Lock()
	e.closeFileLocked()
	e.buf.reset()
	done := e.stopLocked(Errored)
	e.publishLocked(EventErrored, err.Error())
	name := e.name
	e.mu.Unlock()

	e.logger.Error("print failed", "file", name, "error", err)
	e.tracker.NoteError(err.Error())
	close(done)
	return reactor.Stop
}

// runScript runs a configured script as a foreground request. Failures are
// logged and returned.
func (e *Engine) runScript(ctx context.Context, script, label string) error {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	if err := e.dispatcher.Run(ctx, script); err != nil {
		e.logger.Warn("script failed", "script", label, "error", err)
		return err
	}
	return nil
}
