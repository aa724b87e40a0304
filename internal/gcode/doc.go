// Package gcode parses command lines and dispatches them to registered
// handlers.
//
// A Dispatcher owns the single dispatch lock under which every command runs.
// Foreground callers (the HTTP endpoint, the CLI, scripts) use Run and wait
// for the lock. The playback engine uses Execute, which never waits: when a
// foreground request is pending it returns ErrContended and the engine backs
// off, which gives operator commands priority over file playback.
//
// Command failures meant for the operator are reported as *Error. Any other
// error from a handler is treated by callers as an internal fault.
package gcode
