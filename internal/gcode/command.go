package gcode

import (
	"strconv"
	"strings"
)

// Command is one parsed command line.
type Command struct {
	// Name is the upper-cased command word (e.g. "G1", "SDCARD_PRINT_FILE").
	Name string

	// Params holds parameters keyed by upper-cased name. Classic commands
	// ("G1 X10 Y5") are keyed by letter; extended commands
	// ("SET_X VALUE=1") by the text before '='.
	Params map[string]string

	// RawParams is the unparsed text after the command word, case preserved.
	RawParams string

	// Line is the original line with comments removed.
	Line string
}

// Parse parses a command line. It returns false for blank and comment-only
// lines.
func Parse(line string) (*Command, bool) {
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}

	name, rest, _ := strings.Cut(line, " ")
	cmd := &Command{
		Name:      strings.ToUpper(name),
		Params:    make(map[string]string),
		RawParams: strings.TrimSpace(rest),
		Line:      line,
	}

	classic := isClassic(cmd.Name)
	for _, field := range strings.Fields(rest) {
		if key, value, ok := strings.Cut(field, "="); ok && !classic {
			cmd.Params[strings.ToUpper(key)] = value
			continue
		}
		if classic && len(field) > 0 {
			cmd.Params[strings.ToUpper(field[:1])] = field[1:]
		}
	}
	return cmd, true
}

// isClassic reports whether name is a letter followed by a number, like
// G1 or M104.
func isClassic(name string) bool {
	if len(name) < 2 {
		return false
	}
	c := name[0]
	if c < 'A' || c > 'Z' {
		return false
	}
	for i := 1; i < len(name); i++ {
		if (name[i] < '0' || name[i] > '9') && name[i] != '.' {
			return false
		}
	}
	return true
}

// Get returns a parameter value.
func (c *Command) Get(key string) (string, bool) {
	v, ok := c.Params[strings.ToUpper(key)]
	return v, ok
}

// String returns a parameter value or def when absent.
func (c *Command) String(key, def string) string {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Require returns a parameter value or an *Error when absent.
func (c *Command) Require(key string) (string, error) {
	v, ok := c.Get(key)
	if !ok || v == "" {
		return "", Errorf("Error on '%s': missing %s", c.Line, strings.ToUpper(key))
	}
	return v, nil
}

// Int parses an integer parameter, returning def when absent and an *Error
// when malformed or below min.
func (c *Command) Int(key string, def, min int64) (int64, error) {
	v, ok := c.Get(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, Errorf("Error on '%s': unable to parse %s", c.Line, v)
	}
	if n < min {
		return 0, Errorf("Error on '%s': %s must have minimum of %d", c.Line, strings.ToUpper(key), min)
	}
	return n, nil
}

// Float parses a float parameter, returning def when absent.
func (c *Command) Float(key string, def float64) (float64, error) {
	v, ok := c.Get(key)
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, Errorf("Error on '%s': unable to parse %s", c.Line, v)
	}
	return f, nil
}
