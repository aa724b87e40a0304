// Package engine implements print file playback.
//
// The engine owns the open print file and streams its lines, in order, into
// a command Dispatcher. It never interprets commands.
//
// ARCHITECTURE:
//
// Cooperative Playback Loop:
// The loop is a step function registered with a single-goroutine Scheduler.
// Every step does one bounded unit of work and returns a directive:
// - Again: run again immediately (after a chunk read, after each line)
// - After(d): back off while a foreground command is pending
// - Stop: the run ended (paused, completed, errored or cancelled)
//
// Step Processing Flow:
// 1. First step of a run seeks to the committed position
// 2. A pause request is honoured at the line boundary
// 3. An empty buffer triggers one chunk read, followed by a yield
// 4. One line is dispatched; its position commits only on success
//
// Control API:
// Load, Resume, Pause, Cancel, Reset, SetPosition, PrintFile and
// ResumeAfterInterruption may be called from any goroutine, including from
// command handlers executing inside a playback dispatch. Dispatch origin is
// carried in the context (FromPlayback), so a pause requested by a
// dispatched command never waits on the loop that is running it.
//
// CRITICAL PATTERNS:
//
// Commit After Dispatch:
// position advances only after the Dispatcher returns. A command may request
// a different next position (SetNextPosition); buffered lines are then
// discarded and reading resumes at the requested offset.
//
// Lock Discipline:
// The engine mutex is never held across Dispatcher.Execute or Dispatcher.Run.
//
// Lifecycle Events:
// Every transition is published on a Bus (Events) for the recorder and the
// status hub.
package engine
