package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/roach88/spool/internal/catalog"
	"github.com/roach88/spool/internal/config"
	"github.com/roach88/spool/internal/engine"
	"github.com/roach88/spool/internal/gcode"
	"github.com/roach88/spool/internal/logging"
	"github.com/roach88/spool/internal/printstats"
	"github.com/roach88/spool/internal/reactor"
	"github.com/roach88/spool/internal/recovery"
	"github.com/roach88/spool/internal/store"
)

// shutdownTimeout bounds the pause issued when a host stops mid-print.
const shutdownTimeout = 10 * time.Second

// host is a fully wired playback stack: dispatcher, reactor, tracker,
// catalog, engine, recorder and store.
type host struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	disp    *gcode.Dispatcher
	sched   *reactor.Reactor
	tracker *printstats.Tracker
	catalog *catalog.Catalog
	eng     *engine.Engine
	rec     *recovery.Recorder
	recSub  *engine.Subscription

	closers []io.Closer

	stopReactor context.CancelFunc
	wg          sync.WaitGroup
}

// loadConfig loads the configuration named by the global flags.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the config and flags.
func newLogger(opts *RootOptions, cfg config.Config, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}

	w := stderr
	var closer io.Closer
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to open log file", err)
		}
		w, closer = f, f
	}

	logger, _, err := logging.New(logging.Options{Level: level, Journal: cfg.Log.Journal, Writer: w})
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, nil, WrapExitError(ExitCommandError, "invalid log configuration", err)
	}
	return logger, closer, nil
}

// openDevice opens the forward target for unhandled commands. Empty or "-"
// is stdout.
func openDevice(path string, stdout io.Writer) (io.Writer, io.Closer, error) {
	if path == "" || path == "-" {
		return stdout, nil, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open output device", err)
	}
	return f, f, nil
}

// newHost wires a playback stack. Responses are written to responses and
// forwarded commands to the configured device (stdout when unset).
func newHost(opts *RootOptions, stdout, responses, stderr io.Writer) (*host, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	h := &host{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			h.closeResources()
		}
	}()

	logger, logCloser, err := newLogger(opts, cfg, stderr)
	if err != nil {
		return nil, err
	}
	if logCloser != nil {
		h.closers = append(h.closers, logCloser)
	}
	h.logger = logger

	logger.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	h.store = st
	h.closers = append(h.closers, st)

	device, devCloser, err := openDevice(cfg.Output.Device, stdout)
	if err != nil {
		return nil, err
	}
	if devCloser != nil {
		h.closers = append(h.closers, devCloser)
	}

	h.disp = gcode.New(
		gcode.WithFallback(gcode.Forward(device)),
		gcode.WithOutput(responses),
		gcode.WithLogger(logger.With("component", "gcode")),
	)
	h.sched = reactor.New(reactor.WithLogger(logger.With("component", "reactor")))
	h.tracker = printstats.New(printstats.WithLogger(logger.With("component", "printstats")))
	h.catalog = catalog.New(cfg.SDCard.Path)
	h.rec = recovery.NewRecorder(st,
		recovery.WithInterval(cfg.Checkpoint.Interval),
		recovery.WithElapsed(func() time.Duration { return h.tracker.Snapshot().PrintDuration }),
		recovery.WithLogger(logger.With("component", "recovery")),
	)

	engOpts := []engine.Option{
		engine.WithChunkSize(cfg.SDCard.ChunkSize),
		engine.WithContentionBackoff(cfg.SDCard.ContentionBackoff),
		engine.WithScripts(engine.Scripts{
			Start:   cfg.Scripts.Start,
			Resume:  cfg.Scripts.Resume,
			End:     cfg.Scripts.End,
			OnError: cfg.Scripts.OnError,
		}),
		engine.WithLogger(logger.With("component", "engine")),
	}
	if cfg.Checkpoint.Enabled {
		engOpts = append(engOpts, engine.WithPositionObserver(h.rec.Observe))
	}
	h.eng = engine.New(h.disp, h.sched, h.tracker, h.catalog, engOpts...)
	if err := h.eng.RegisterCommands(); err != nil {
		return nil, fmt.Errorf("register commands: %w", err)
	}
	h.recSub = h.eng.Events().Subscribe()

	ok = true
	return h, nil
}

// start runs the reactor and the recorder in the background.
func (h *host) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.stopReactor = cancel

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		if err := h.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("reactor stopped", "error", err)
		}
	}()
	go func() {
		defer h.wg.Done()
		if err := h.rec.Run(context.Background(), h.recSub); err != nil {
			h.logger.Error("recorder stopped", "error", err)
		}
	}()
}

// shutdown logs the file window around the current position, pauses an
// active print so its checkpoint survives, stops the background goroutines
// once the recorder has caught up, and closes the store.
func (h *host) shutdown() {
	if h.eng.IsActive() {
		h.eng.HandleShutdown()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := h.eng.Pause(ctx); err != nil {
			h.logger.Warn("pause on shutdown", "error", err)
		}
		cancel()
	}

	if h.stopReactor != nil {
		h.stopReactor()
	}
	h.eng.Events().Close()
	h.wg.Wait()
	h.closeResources()
}

func (h *host) closeResources() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i].Close(); err != nil && h.logger != nil {
			h.logger.Warn("close", "error", err)
		}
	}
	h.closers = nil
}

// await blocks until the print the engine is running finishes or ctx is
// done. It returns the finishing event.
func await(ctx context.Context, sub *engine.Subscription) (engine.Event, error) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return engine.Event{}, err
		}
		switch ev.Kind {
		case engine.EventCompleted, engine.EventErrored, engine.EventCancelled:
			return ev, nil
		}
	}
}

// controlError maps an engine control error to an exit error.
func controlError(op string, err error) error {
	if engine.IsNotFound(err) || engine.IsNoFile(err) || engine.IsBusy(err) {
		return WrapExitError(ExitCommandError, op, err)
	}
	return WrapExitError(ExitFailure, op, err)
}
