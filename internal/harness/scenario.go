package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a playback scenario: print files, injected command
// failures, a flow of control operations and assertions on the result.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden trace.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Files maps catalog names to file contents.
	Files map[string]string `yaml:"files"`

	// ChunkSize overrides the playback read size.
	ChunkSize int `yaml:"chunk_size,omitempty"`

	// Scripts are run around the print.
	Scripts Scripts `yaml:"scripts,omitempty"`

	// Failures make matching lines fail when dispatched.
	Failures []Failure `yaml:"failures,omitempty"`

	// Flow is the sequence of operations.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Scripts mirrors engine.Scripts in scenario files.
type Scripts struct {
	Start   string `yaml:"start,omitempty"`
	Resume  string `yaml:"resume,omitempty"`
	End     string `yaml:"end,omitempty"`
	OnError string `yaml:"on_error,omitempty"`
}

// Failure makes a line fail. A command failure is reported to the operator
// and runs the error script; a fatal failure is an internal error.
type Failure struct {
	Line    string `yaml:"line"`
	Message string `yaml:"message"`
	Fatal   bool   `yaml:"fatal,omitempty"`
}

// Step is one flow operation.
type Step struct {
	// Do names the operation; see the Op constants.
	Do string `yaml:"do"`

	// File is the catalog name for load, print and restart.
	File string `yaml:"file,omitempty"`

	// Position is the offset for load, set_position and restart.
	Position int64 `yaml:"position,omitempty"`

	// Steps is the number of scheduler ticks for step.
	Steps int `yaml:"steps,omitempty"`

	// GCode is the foreground script for gcode.
	GCode string `yaml:"gcode,omitempty"`

	// Expect validates the outcome of the operation.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect validates one step. Zero fields are not checked, except Error:
// without it the step must succeed.
type Expect struct {
	// Error is an engine error code (BUSY, NOT_FOUND, COMMAND, IO, NO_FILE)
	// or, for gcode steps, the command failure message.
	Error string `yaml:"error,omitempty"`

	State    string `yaml:"state,omitempty"`
	Position *int64 `yaml:"position,omitempty"`
}

// Operations.
const (
	OpLoad        = "load"
	OpPrint       = "print"
	OpResume      = "resume"
	OpPause       = "pause"
	OpCancel      = "cancel"
	OpReset       = "reset"
	OpSetPosition = "set_position"
	OpRestart     = "restart"
	OpGCode       = "gcode"
	OpStep        = "step"
	OpDrive       = "drive"
)

var validOps = map[string]bool{
	OpLoad: true, OpPrint: true, OpResume: true, OpPause: true, OpCancel: true,
	OpReset: true, OpSetPosition: true, OpRestart: true, OpGCode: true,
	OpStep: true, OpDrive: true,
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an entry appears in the trace
	// - "trace_order": entries appear in order
	// - "trace_count": an entry appears exactly Count times
	// - "engine_state": the final engine state matches Expect
	// - "final_state": a row of a store table matches Expect
	Type string `yaml:"type"`

	// Entry names a trace entry as "<type>:<text>", e.g. "line:G28" or
	// "event:paused" (trace_contains, trace_count).
	Entry string `yaml:"entry,omitempty"`

	// Entries is the expected order (trace_order).
	Entries []string `yaml:"entries,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Table is the store table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies row filters (final_state).
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected field values (engine_state, final_state).
	// Subset match.
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertEngineState   = "engine_state"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks required fields and operation arguments.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must contain at least one step")
	}
	if s.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must be non-negative")
	}
	for i, f := range s.Failures {
		if f.Line == "" {
			return fmt.Errorf("failures[%d]: line is required", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step) error {
	if !validOps[step.Do] {
		return fmt.Errorf("flow[%d]: unknown operation %q", index, step.Do)
	}
	switch step.Do {
	case OpLoad, OpPrint, OpRestart:
		if step.File == "" {
			return fmt.Errorf("flow[%d]: file is required for %s", index, step.Do)
		}
	case OpGCode:
		if step.GCode == "" {
			return fmt.Errorf("flow[%d]: gcode is required for gcode", index)
		}
	case OpStep:
		if step.Steps <= 0 {
			return fmt.Errorf("flow[%d]: steps must be positive for step", index)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Entry == "" {
			return fmt.Errorf("assertions[%d]: entry is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Entries) == 0 {
			return fmt.Errorf("assertions[%d]: entries list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Entry == "" {
			return fmt.Errorf("assertions[%d]: entry is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertEngineState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for engine_state", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
