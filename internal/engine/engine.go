package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/roach88/spool/internal/catalog"
	"github.com/roach88/spool/internal/gcode"
	"github.com/roach88/spool/internal/reactor"
)

// Dispatcher executes command lines. Implemented by *gcode.Dispatcher.
type Dispatcher interface {
	// Contended reports, without blocking, whether a foreground request is
	// pending.
	Contended() bool
	// Execute runs one line for playback, returning gcode.ErrContended
	// instead of waiting for the dispatch lock.
	Execute(ctx context.Context, line string) error
	// Run executes a script as a foreground request.
	Run(ctx context.Context, script string) error
	Register(name string, h gcode.Handler, help string) error
	Unregister(name string)
	RespondRaw(msg string)
}

// Tracker receives job lifecycle notes. Implemented by *printstats.Tracker.
type Tracker interface {
	NoteStart()
	NotePause()
	NoteCancel()
	NoteComplete()
	NoteError(msg string)
	SetCurrentFile(name string)
	Reset()
	AdjustElapsed(d time.Duration)
}

// Scheduler runs the playback loop. Implemented by *reactor.Reactor.
type Scheduler interface {
	Register(task reactor.Task, at time.Time) *reactor.Timer
	Unregister(t *reactor.Timer)
	Now() time.Time
}

// Catalog resolves file names. Implemented by *catalog.Catalog.
type Catalog interface {
	List(recursive bool) ([]catalog.Entry, error)
	Resolve(name string, recursive bool) (catalog.Entry, error)
	Path(name string) string
}

// File is an open print file.
type File interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
}

// Opener opens a print file and reports its size.
type Opener func(path string) (File, int64, error)

// OpenFile is the default Opener.
func OpenFile(path string) (File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Scripts are command scripts run around a print. Empty scripts are skipped.
type Scripts struct {
	// Start runs before the first line of a freshly loaded file.
	Start string
	// Resume runs instead of Start when continuing an interrupted job.
	Resume string
	// End runs once after the last line.
	End string
	// OnError runs once after a command failure.
	OnError string
}

// LoadInfo describes a freshly loaded file.
type LoadInfo struct {
	Name  string
	Path  string
	Size  int64
	JobID string
}

// PostLoadHook runs after a file is loaded, outside the playback loop.
// Errors are logged and do not affect the load.
type PostLoadHook func(ctx context.Context, info LoadInfo) error

// PositionObserver is called on the loop goroutine after every committed
// line. It must not block.
type PositionObserver func(jobID string, position int64)

const (
	// DefaultChunkSize is the read size of the playback loop.
	DefaultChunkSize = 8192

	// DefaultContentionBackoff is how long the loop yields while a foreground
	// command is pending.
	DefaultContentionBackoff = 100 * time.Millisecond
)

// Engine streams lines from a print file into a Dispatcher.
//
// The playback loop is a step function run by the Scheduler; each step does
// one bounded unit of work (read a chunk or dispatch a line) and yields.
// Control calls may come from any goroutine and are serialized by mu.
//
// Thread-safety model:
//   - Control API (Load, Resume, Pause, Cancel, ...): safe from any goroutine,
//     including command handlers running inside a playback dispatch
//   - step: runs only on the scheduler goroutine
//
// INVARIANTS:
//   - mu is never held across Dispatcher.Execute or Dispatcher.Run
//   - timer != nil exactly while the loop is registered (IsActive)
//   - position only advances after a line dispatch returns successfully
//   - while active, file and buf are touched only by step
type Engine struct {
	dispatcher Dispatcher
	sched      Scheduler
	tracker    Tracker
	catalog    Catalog

	opener    Opener
	chunkSize int
	backoff   time.Duration
	scripts   Scripts
	postLoad  PostLoadHook
	observer  PositionObserver
	jobIDs    JobIDGenerator
	bus       *Bus
	logger    *slog.Logger

	mu    sync.Mutex
	state State

	// Session.
	file     File
	name     string
	path     string
	jobID    string
	position int64
	size     int64
	begun    bool // start or resume script has run for this file
	restored bool // file was loaded to continue an interrupted job
	buf      lineBuffer
	needSeek bool // first step of a run seeks to position

	// Loop control.
	timer           *reactor.Timer
	done            chan struct{} // closed when the loop deregisters
	starting        bool          // Resume is running the start script
	mustPause       bool
	cancelRequested bool

	// Dispatch in progress.
	dispatching bool
	nextPos     int64

	registered []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithChunkSize sets the read size. Values below 1 are ignored.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithContentionBackoff sets the yield delay used while the dispatcher is
// contended.
func WithContentionBackoff(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.backoff = d
		}
	}
}

// WithScripts sets the scripts run around a print.
func WithScripts(s Scripts) Option {
	return func(e *Engine) {
		e.scripts = s
	}
}

// WithOpener overrides how files are opened.
func WithOpener(o Opener) Option {
	return func(e *Engine) {
		e.opener = o
	}
}

// WithPostLoadHook installs a hook run after each load.
func WithPostLoadHook(h PostLoadHook) Option {
	return func(e *Engine) {
		e.postLoad = h
	}
}

// WithPositionObserver installs an observer of committed positions.
func WithPositionObserver(o PositionObserver) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithJobIDs overrides the job ID generator.
func WithJobIDs(g JobIDGenerator) Option {
	return func(e *Engine) {
		e.jobIDs = g
	}
}

// WithBus publishes lifecycle events on b instead of a private bus.
func WithBus(b *Bus) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an idle Engine. Commands are not registered until
// RegisterCommands is called.
func New(d Dispatcher, s Scheduler, t Tracker, c Catalog, opts ...Option) *Engine {
	e := &Engine{
		dispatcher: d,
		sched:      s,
		tracker:    t,
		catalog:    c,
		opener:     OpenFile,
		chunkSize:  DefaultChunkSize,
		backoff:    DefaultContentionBackoff,
		jobIDs:     UUIDv7Generator{},
		logger:     slog.Default(),
		state:      Idle,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = NewBus()
	}
	return e
}

// Events returns the bus lifecycle events are published on.
func (e *Engine) Events() *Bus {
	return e.bus
}

// publishLocked publishes a lifecycle event for the current session.
// Must be called with mu held.
func (e *Engine) publishLocked(kind EventKind, msg string) {
	e.bus.Publish(Event{
		Kind:     kind,
		JobID:    e.jobID,
		File:     e.name,
		Position: e.position,
		Size:     e.size,
		Message:  msg,
		Time:     e.sched.Now(),
	})
}

type playbackKey struct{}

// FromPlayback reports whether ctx belongs to a line dispatched by the
// playback loop (directly or from a script a dispatched command started).
func FromPlayback(ctx context.Context) bool {
	v, _ := ctx.Value(playbackKey{}).(bool)
	return v
}

func withPlayback(ctx context.Context) context.Context {
	return context.WithValue(ctx, playbackKey{}, true)
}
