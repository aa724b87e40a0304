package gcode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler executes one parsed command.
type Handler func(ctx context.Context, cmd *Command) error

type entry struct {
	fn   Handler
	help string
}

type inCommandKey struct{}

// InCommand reports whether ctx belongs to a command currently holding the
// dispatch lock. Scripts run with such a ctx execute inline.
func InCommand(ctx context.Context) bool {
	v, _ := ctx.Value(inCommandKey{}).(bool)
	return v
}

func withinCommand(ctx context.Context) context.Context {
	return context.WithValue(ctx, inCommandKey{}, true)
}

// Dispatcher executes command lines one at a time.
//
// All execution is serialized by a single dispatch lock. Two entry points
// acquire it differently:
//   - Run (foreground requests): marks itself pending, then blocks for the lock
//   - Execute (playback): never blocks; returns ErrContended when the lock is
//     taken or a foreground request is pending
//
// Handlers receive a ctx marked with InCommand, so scripts they start through
// Run execute inline instead of deadlocking on the lock they already hold.
type Dispatcher struct {
	mu       sync.RWMutex // guards handlers and fallback
	handlers map[string]entry
	fallback Handler

	lock    sync.Mutex   // dispatch lock
	pending atomic.Int32 // foreground requests waiting for or holding lock

	outMu  sync.Mutex
	out    io.Writer
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOutput sets the writer responses are written to.
func WithOutput(w io.Writer) Option {
	return func(d *Dispatcher) {
		d.out = w
	}
}

// WithFallback sets the handler invoked for unregistered commands.
// Without a fallback, unknown commands fail with an *Error.
func WithFallback(h Handler) Option {
	return func(d *Dispatcher) {
		d.fallback = h
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// New creates a Dispatcher with no registered commands.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]entry),
		out:      io.Discard,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a command handler. Names are case-insensitive.
func (d *Dispatcher) Register(name string, h Handler, help string) error {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("gcode: register: empty command name")
	}
	if h == nil {
		return fmt.Errorf("gcode: register %s: nil handler", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.handlers[name]; dup {
		return fmt.Errorf("gcode: command %s already registered", name)
	}
	d.handlers[name] = entry{fn: h, help: help}
	return nil
}

// Unregister removes a command handler. Unknown names are ignored.
func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, strings.ToUpper(name))
}

// Commands returns the registered command names in sorted order.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Help returns the help text registered for name.
func (d *Dispatcher) Help(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[strings.ToUpper(name)].help
}

// Contended reports, without blocking, whether a foreground request is
// waiting for or running under the dispatch lock.
func (d *Dispatcher) Contended() bool {
	return d.pending.Load() > 0
}

// Execute runs a single line on behalf of a background producer. It never
// waits for the dispatch lock: if the lock is taken it returns ErrContended
// and the line is not executed.
func (d *Dispatcher) Execute(ctx context.Context, line string) error {
	if InCommand(ctx) {
		return d.runLine(ctx, line)
	}
	if d.Contended() || !d.lock.TryLock() {
		return ErrContended
	}
	defer d.lock.Unlock()

	return d.runLine(withinCommand(ctx), line)
}

// Run executes a newline-separated script as a foreground request, stopping
// at the first failing line. Blocks until the dispatch lock is available
// unless ctx already belongs to a running command.
func (d *Dispatcher) Run(ctx context.Context, script string) error {
	if InCommand(ctx) {
		return d.runScript(ctx, script)
	}

	d.pending.Add(1)
	defer d.pending.Add(-1)

	d.lock.Lock()
	defer d.lock.Unlock()

	return d.runScript(withinCommand(ctx), script)
}

func (d *Dispatcher) runScript(ctx context.Context, script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := d.runLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) runLine(ctx context.Context, line string) error {
	cmd, ok := Parse(line)
	if !ok {
		return nil
	}

	d.mu.RLock()
	e, found := d.handlers[cmd.Name]
	fallback := d.fallback
	d.mu.RUnlock()

	if !found {
		if fallback == nil {
			return Errorf("Unknown command:%q", cmd.Name)
		}
		return fallback(ctx, cmd)
	}

	d.logger.Debug("dispatch", "command", cmd.Name, "line", cmd.Line)
	return e.fn(ctx, cmd)
}

// RespondRaw writes msg to the output verbatim.
func (d *Dispatcher) RespondRaw(msg string) {
	d.outMu.Lock()
	defer d.outMu.Unlock()

	if _, err := io.WriteString(d.out, msg+"\n"); err != nil {
		d.logger.Warn("write response", "error", err)
	}
}

// RespondInfo writes msg to the output as an informational comment.
func (d *Dispatcher) RespondInfo(msg string) {
	lines := strings.Split(strings.TrimSpace(msg), "\n")
	for i, l := range lines {
		lines[i] = "// " + l
	}
	d.RespondRaw(strings.Join(lines, "\n"))
}

// Forward returns a fallback handler that writes unknown commands to w, one
// per line. It is how commands the host does not implement reach the device.
func Forward(w io.Writer) Handler {
	var mu sync.Mutex
	return func(ctx context.Context, cmd *Command) error {
		mu.Lock()
		defer mu.Unlock()

		if _, err := io.WriteString(w, cmd.Line+"\n"); err != nil {
			return fmt.Errorf("gcode: forward %s: %w", cmd.Name, err)
		}
		return nil
	}
}
