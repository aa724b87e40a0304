package testutil

import (
	"context"
	"sync"

	"github.com/roach88/spool/internal/gcode"
)

// LineRecorder is a dispatcher fallback that records every line it receives.
// Individual lines can be made to fail.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type LineRecorder struct {
	mu    sync.Mutex
	lines []string
	fail  map[string]error
}

// NewLineRecorder creates an empty recorder.
func NewLineRecorder() *LineRecorder {
	return &LineRecorder{fail: make(map[string]error)}
}

// FailOn makes the recorder return err when line is dispatched. The line is
// still recorded.
func (r *LineRecorder) FailOn(line string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[line] = err
}

// Handler returns the fallback handler to install on a dispatcher.
func (r *LineRecorder) Handler() gcode.Handler {
	return func(ctx context.Context, cmd *gcode.Command) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.lines = append(r.lines, cmd.Line)
		return r.fail[cmd.Line]
	}
}

// Lines returns a copy of the recorded lines.
func (r *LineRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// Count returns how many times line was recorded.
func (r *LineRecorder) Count(line string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, l := range r.lines {
		if l == line {
			n++
		}
	}
	return n
}

// Reset clears the recorded lines.
func (r *LineRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}
