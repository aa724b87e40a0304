package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/spool/internal/gcode"
	"github.com/roach88/spool/internal/recovery"
	"github.com/roach88/spool/internal/status"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen  string
	Restore bool
	NoInput bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the playback host",
		Long: `Run the playback host until interrupted.

Commands typed on stdin are executed as foreground requests; M23/M24/M25,
SDCARD_PRINT_FILE and the rest of the playback command set control prints.
The status server exposes GET /status, a websocket event stream at GET /ws,
a console at POST /gcode and POST /cancel to abandon the current print.

On shutdown the file around an active print's position is logged, then the
print is paused and checkpointed.

Examples:
  spool serve
  spool serve --listen :7125 --restore
  spool serve --no-input --config /etc/spool/spool.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "status server address (overrides config; \"off\" disables)")
	cmd.Flags().BoolVar(&opts.Restore, "restore", false, "continue the last interrupted print on startup")
	cmd.Flags().BoolVar(&opts.NoInput, "no-input", false, "do not read commands from stdin")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	h, err := newHost(opts.RootOptions, cmd.OutOrStdout(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	h.start()
	defer h.shutdown()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Restore {
		job, cp, err := recovery.Restore(ctx, h.store, h.eng)
		switch {
		case errors.Is(err, recovery.ErrNothingToRestore):
			h.logger.Info("no interrupted print to restore")
		case err != nil:
			h.logger.Error("restore failed", "error", err)
		default:
			h.logger.Info("restored print", "file", job.File, "position", cp.Position, "previous_job", job.ID)
		}
	}

	listen := h.cfg.Server.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	serverErr := make(chan error, 1)
	if listen != "" && listen != "off" {
		srv := status.NewServer(h.eng, h.disp, h.tracker, status.DefaultConfig(), h.logger.With("component", "status"))
		go func() {
			serverErr <- srv.ListenAndServe(ctx, listen)
		}()
	}

	if !opts.NoInput {
		go console(ctx, cmd.InOrStdin(), h.disp)
	}

	h.logger.Info("spool ready", "sdcard", h.cfg.SDCard.Path, "db", h.cfg.Database.Path, "listen", listen)

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down")
		return nil
	case err := <-serverErr:
		if err != nil {
			return WrapExitError(ExitFailure, "status server failed", err)
		}
		return nil
	}
}

// Runner executes a foreground script. Implemented by *gcode.Dispatcher.
type Runner interface {
	Run(ctx context.Context, script string) error
	RespondRaw(msg string)
}

// console executes each line read from r as a foreground request until r
// is exhausted or ctx is done. Failures are reported as "!! <message>".
func console(ctx context.Context, r io.Reader, d Runner) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := d.Run(ctx, scanner.Text()); err != nil {
			d.RespondRaw(fmt.Sprintf("!! %s", gcode.Message(err)))
		}
	}
}
