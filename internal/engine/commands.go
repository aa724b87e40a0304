package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/spool/internal/gcode"
)

type command struct {
	name string
	fn   gcode.Handler
	help string
}

func (e *Engine) commands() []command {
	return []command{
		{"M20", e.cmdM20, "List print files"},
		{"M21", e.cmdM21, "Initialize storage"},
		{"M23", e.cmdM23, "Select a print file"},
		{"M24", e.cmdM24, "Start or resume the selected file"},
		{"M25", e.cmdM25, "Pause the print"},
		{"M26", e.cmdM26, "Set the file position"},
		{"M27", e.cmdM27, "Report print progress"},
		{"M28", e.cmdWrite, "Begin file write (unsupported)"},
		{"M29", e.cmdWrite, "End file write (unsupported)"},
		{"M30", e.cmdWrite, "Delete file (unsupported)"},
		{"SDCARD_RESET_FILE", e.cmdResetFile, "Clear a loaded print file and reset stats"},
		{"SDCARD_PRINT_FILE", e.cmdPrintFile, "Load and start a print file"},
		{"SDCARD_RESTART_FILE", e.cmdRestartFile, "Continue an interrupted print at a byte offset"},
		{"SDCARD_CANCEL_PRINT", e.cmdCancelPrint, "Cancel the current print and close the file"},
	}
}

// RegisterCommands registers the playback command set on the dispatcher.
// Commands already registered by another owner are reported and skipped.
func (e *Engine) RegisterCommands() error {
	var errs []error
	for _, c := range e.commands() {
		if err := e.dispatcher.Register(c.name, c.fn, c.help); err != nil {
			errs = append(errs, err)
			continue
		}
		e.mu.Lock()
		e.registered = append(e.registered, c.name)
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Close unregisters the command set and cancels any print.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	names := e.registered
	e.registered = nil
	e.mu.Unlock()

	for _, name := range names {
		e.dispatcher.Unregister(name)
	}
	return e.Cancel(ctx)
}

// commandError converts an engine error to the operator-facing form.
func commandError(err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if !errors.As(err, &pe) {
		return err
	}
	switch pe.Code {
	case ErrCodeBusy:
		return gcode.Errorf("SD busy")
	case ErrCodeNotFound, ErrCodeIO:
		return gcode.Errorf("Unable to open file")
	case ErrCodeNoFile:
		return gcode.Errorf("No file selected")
	default:
		return gcode.Errorf("%s", pe.Message)
	}
}

func (e *Engine) cmdM20(ctx context.Context, cmd *gcode.Command) error {
	entries, err := e.catalog.List(false)
	if err != nil {
		return gcode.Errorf("Unable to list files")
	}
	e.dispatcher.RespondRaw("Begin file list")
	for _, ent := range entries {
		e.dispatcher.RespondRaw(fmt.Sprintf("%s %d", ent.Name, ent.Size))
	}
	e.dispatcher.RespondRaw("End file list")
	return nil
}

func (e *Engine) cmdM21(ctx context.Context, cmd *gcode.Command) error {
	e.dispatcher.RespondRaw("SD card ok")
	return nil
}

func (e *Engine) cmdM23(ctx context.Context, cmd *gcode.Command) error {
	if err := e.discard(ctx, false, true); err != nil {
		return commandError(err)
	}
	name := strings.TrimPrefix(strings.TrimSpace(cmd.RawParams), "/")
	if name == "" {
		return gcode.Errorf("Error on '%s': missing file name", cmd.Line)
	}
	return commandError(e.Load(ctx, name, 0, false))
}

func (e *Engine) cmdM24(ctx context.Context, cmd *gcode.Command) error {
	return commandError(e.Resume(ctx))
}

func (e *Engine) cmdM25(ctx context.Context, cmd *gcode.Command) error {
	return commandError(e.Pause(ctx))
}

func (e *Engine) cmdM26(ctx context.Context, cmd *gcode.Command) error {
	pos, err := cmd.Int("S", 0, 0)
	if err != nil {
		return err
	}
	return commandError(e.SetPosition(pos))
}

func (e *Engine) cmdM27(ctx context.Context, cmd *gcode.Command) error {
	e.mu.Lock()
	open := e.file != nil
	pos, size := e.position, e.size
	e.mu.Unlock()

	if !open {
		e.dispatcher.RespondRaw("Not SD printing.")
		return nil
	}
	e.dispatcher.RespondRaw(fmt.Sprintf("SD printing byte %d/%d", pos, size))
	return nil
}

func (e *Engine) cmdWrite(ctx context.Context, cmd *gcode.Command) error {
	return gcode.Errorf("SD write not supported")
}

func (e *Engine) cmdResetFile(ctx context.Context, cmd *gcode.Command) error {
	if FromPlayback(ctx) {
		return gcode.Errorf("SDCARD_RESET_FILE cannot be run from the sdcard")
	}
	return commandError(e.Reset(ctx))
}

func (e *Engine) cmdCancelPrint(ctx context.Context, cmd *gcode.Command) error {
	return commandError(e.Cancel(ctx))
}

func (e *Engine) cmdPrintFile(ctx context.Context, cmd *gcode.Command) error {
	name, err := cmd.Require("FILENAME")
	if err != nil {
		return err
	}
	return commandError(e.PrintFile(ctx, name))
}

func (e *Engine) cmdRestartFile(ctx context.Context, cmd *gcode.Command) error {
	name, err := cmd.Require("FILENAME")
	if err != nil {
		return err
	}
	pos, err := cmd.Int("POSITION", 0, 0)
	if err != nil {
		return err
	}
	elapsed, err := cmd.Float("ELAPSED", 0)
	if err != nil {
		return err
	}
	return commandError(e.ResumeAfterInterruption(ctx, name, pos,
		time.Duration(elapsed*float64(time.Second))))
}
