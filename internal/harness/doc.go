// Package harness runs playback scenarios against the real engine.
//
// A scenario declares print files, lines that should fail when dispatched,
// a flow of control operations, and assertions over the resulting trace and
// final state. The harness wires the engine to a fake clock, an in-memory
// store (through the recovery recorder) and a recording device, so every run
// of a scenario produces the same trace.
//
// # Scenario Format
//
//	name: pause_resume
//	description: "Pausing from the file resumes at the next line"
//	chunk_size: 16
//	files:
//	  part.gcode: |
//	    G28
//	    M25
//	    G1 X10
//	scripts:
//	  end: "M84"
//	failures:
//	  - line: "G1 X99"
//	    message: "Move out of range"
//	flow:
//	  - do: print
//	    file: part.gcode
//	  - do: drive
//	    expect:
//	      state: paused
//	      position: 8
//	assertions:
//	  - type: trace_order
//	    entries: ["line:G28", "event:paused"]
//	  - type: engine_state
//	    expect: { state: paused, tracker: paused }
//	  - type: final_state
//	    table: jobs
//	    where: { id: job-1 }
//	    expect: { state: paused }
//
// # Operations
//
//   - load, print, restart: load a file (restart continues at position)
//   - resume, pause, cancel, reset, set_position: engine control calls
//   - gcode: run a foreground script through the dispatcher
//   - step: run N scheduler ticks
//   - drive: run ticks until the loop stops
//
// # Trace
//
// Entries are recorded in order: "line" for commands that reached the
// device, "response" for command output, "event" for lifecycle events.
// Assertions name entries as "<type>:<text>", e.g. "line:G28",
// "event:completed", "response:Done printing file".
//
// # Assertion Types
//
//   - trace_contains: an entry appears in the trace
//   - trace_order: entries appear in order
//   - trace_count: an entry appears exactly N times
//   - engine_state: final engine fields (state, file, position, size, active, tracker)
//   - final_state: a row of a store table (jobs, job_events, checkpoints)
package harness
