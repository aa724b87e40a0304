package harness

import (
	"fmt"
	"strings"
)

// Trace entry types.
const (
	// TraceLine is a line that reached the device (an unregistered command).
	TraceLine = "line"
	// TraceEvent is an engine lifecycle event.
	TraceEvent = "event"
	// TraceResponse is a response written by a command.
	TraceResponse = "response"
)

// Entry is one observable effect of a scenario, in order.
type Entry struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"`

	// Text is the line, response or event kind.
	Text string `json:"text"`

	// Event fields.
	JobID    string `json:"job_id,omitempty"`
	Position int64  `json:"position,omitempty"`
	Message  string `json:"message,omitempty"`
}

// String renders the entry as one golden trace line.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s %s", e.Seq, e.Type, e.Text)
	if e.Type == TraceEvent {
		fmt.Fprintf(&b, " job=%s pos=%d", e.JobID, e.Position)
		if e.Message != "" {
			fmt.Fprintf(&b, " msg=%q", e.Message)
		}
	}
	return b.String()
}

// Key is how assertions name an entry: "<type>:<text>".
func (e Entry) Key() string {
	return e.Type + ":" + e.Text
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every line, response and event in order.
	Trace []Entry `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Final is the engine state after the flow.
	Final FinalState `json:"final"`
}

// FinalState is the engine and tracker state after the flow.
type FinalState struct {
	State    string `json:"state"`
	File     string `json:"file"`
	Position int64  `json:"position"`
	Size     int64  `json:"size"`
	Active   bool   `json:"active"`
	Tracker  string `json:"tracker"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []Entry{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// TraceText renders the trace, one entry per line.
func (r *Result) TraceText() string {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
