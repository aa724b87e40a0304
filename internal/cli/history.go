package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/spool/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
}

// JobList is the result of the history command without arguments.
type JobList struct {
	Jobs []store.Job `json:"jobs"`
}

func (l JobList) String() string {
	if len(l.Jobs) == 0 {
		return "No jobs recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-9s  %-20s  %s", "JOB", "STATE", "LOADED", "FILE")
	for _, j := range l.Jobs {
		fmt.Fprintf(&b, "\n%-36s  %-9s  %-20s  %s %s",
			j.ID, j.State, j.LoadedAt.Format(time.DateTime), j.File, progressText(j.Position, j.Size))
	}
	return b.String()
}

// JobDetail is the result of the history command for one job.
type JobDetail struct {
	Job    store.Job        `json:"job"`
	Events []store.JobEvent `json:"events"`
}

func (d JobDetail) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s\n", d.Job.ID)
	fmt.Fprintf(&b, "  File:  %s\n", d.Job.File)
	fmt.Fprintf(&b, "  State: %s %s\n", d.Job.State, progressText(d.Job.Position, d.Job.Size))
	if d.Job.Message != "" {
		fmt.Fprintf(&b, "  Error: %s\n", d.Job.Message)
	}
	b.WriteString("Events:")
	for _, e := range d.Events {
		fmt.Fprintf(&b, "\n  %s  %-9s  %d", e.At.Format(time.DateTime), e.Kind, e.Position)
		if e.Message != "" {
			fmt.Fprintf(&b, "  %s", e.Message)
		}
	}
	return b.String()
}

func progressText(position, size int64) string {
	return fmt.Sprintf("(%d/%d bytes)", position, size)
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [job-id]",
		Short: "Show recorded print jobs",
		Long: `Show the print jobs recorded in the database, newest first.

With a job ID, show that job and every lifecycle event recorded for it.

Examples:
  spool history
  spool history --limit 5 --format json
  spool history 0192f1d4-8c2b-7a41-9e0c-2f7d7c1e5a10`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of jobs to show (0 for all)")

	return cmd
}

func runHistory(opts *HistoryOptions, args []string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	f := opts.formatter(cmd)

	if len(args) == 0 {
		jobs, err := st.ListJobs(ctx, opts.Limit)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list jobs", err)
		}
		return f.Success(JobList{Jobs: jobs})
	}

	job, err := st.GetJob(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		_ = f.Error(CodeNotFound, fmt.Sprintf("job %s not found", args[0]), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("job %s not found", args[0]))
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read job", err)
	}
	events, err := st.JobEvents(ctx, job.ID)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read job events", err)
	}
	return f.Success(JobDetail{Job: job, Events: events})
}
