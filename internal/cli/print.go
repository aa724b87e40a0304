package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/spool/internal/engine"
	"github.com/roach88/spool/internal/recovery"
)

// PrintSummary is the result of a finished print.
type PrintSummary struct {
	JobID    string        `json:"job_id"`
	File     string        `json:"file"`
	State    string        `json:"state"`
	Position int64         `json:"position"`
	Size     int64         `json:"size"`
	Elapsed  time.Duration `json:"elapsed"`
}

func (s PrintSummary) String() string {
	return fmt.Sprintf("%s %s: %d/%d bytes in %s (job %s)",
		s.State, s.File, s.Position, s.Size, s.Elapsed.Round(time.Millisecond), s.JobID)
}

// NewPrintCommand creates the print command.
func NewPrintCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "print <file>",
		Short: "Print a file and wait for it to finish",
		Long: `Print a file from the print directory and wait until it completes.

Lines the host does not handle are written to the output device. Press
Ctrl-C to pause the print; its position is checkpointed and it can be
continued later with 'spool restart'.

Exit codes:
  0 - Print completed
  1 - Print failed or was interrupted
  2 - Command error (bad config, file not found)

Examples:
  spool print benchy.gcode
  spool print parts/bracket.gcode --config /etc/spool/spool.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrint(rootOpts, cmd, func(ctx context.Context, h *host) error {
				return h.eng.PrintFile(ctx, args[0])
			})
		},
	}
	return cmd
}

// RestartOptions holds flags for the restart command.
type RestartOptions struct {
	*RootOptions
	File     string
	Position int64
	Elapsed  time.Duration
}

// NewRestartCommand creates the restart command.
func NewRestartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Continue an interrupted print",
		Long: `Continue the most recently interrupted print from its last checkpoint.

With --file the print is continued from --position instead of a checkpoint.
The resume script runs instead of the start script.

Examples:
  spool restart
  spool restart --file benchy.gcode --position 120345`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrint(rootOpts, cmd, func(ctx context.Context, h *host) error {
				return restart(ctx, opts, h)
			})
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "file to continue instead of the last checkpoint")
	cmd.Flags().Int64Var(&opts.Position, "position", 0, "byte offset to continue from (with --file)")
	cmd.Flags().DurationVar(&opts.Elapsed, "elapsed", 0, "print time already spent (with --file)")

	return cmd
}

func restart(ctx context.Context, opts *RestartOptions, h *host) error {
	if opts.File != "" {
		return h.eng.ResumeAfterInterruption(ctx, opts.File, opts.Position, opts.Elapsed)
	}

	job, cp, err := recovery.Restore(ctx, h.store, h.eng)
	if errors.Is(err, recovery.ErrNothingToRestore) {
		return NewExitError(ExitCommandError, "no interrupted print to restart")
	}
	if err != nil {
		return err
	}
	h.logger.Info("restarting print", "file", job.File, "position", cp.Position, "previous_job", job.ID)
	return nil
}

// runPrint wires a host, starts a print with begin and waits for it to
// finish. A signal pauses the print and leaves its checkpoint in place.
func runPrint(opts *RootOptions, cmd *cobra.Command, begin func(context.Context, *host) error) error {
	f := opts.formatter(cmd)

	h, err := newHost(opts, cmd.OutOrStdout(), f.ResponseWriter(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	sub := h.eng.Events().Subscribe()
	h.start()
	defer h.shutdown()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := begin(ctx, h); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr
		}
		return controlError("failed to start print", err)
	}

	ev, err := await(ctx, sub)
	if err != nil {
		h.logger.Info("interrupted, pausing print")
		_ = f.Error(CodeInterrupted, "print interrupted; continue with 'spool restart'", nil)
		return NewExitError(ExitFailure, "print interrupted")
	}

	summary := PrintSummary{
		JobID:    ev.JobID,
		File:     ev.File,
		State:    string(ev.Kind),
		Position: ev.Position,
		Size:     ev.Size,
		Elapsed:  h.tracker.Snapshot().PrintDuration,
	}
	if ev.Kind != engine.EventCompleted {
		_ = f.Error(CodePrintFailed, fmt.Sprintf("print %s: %s", ev.Kind, ev.Message), summary)
		return NewExitError(ExitFailure, fmt.Sprintf("print %s", ev.Kind))
	}
	return f.Success(summary)
}
