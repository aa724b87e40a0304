package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/spool/internal/catalog"
)

// ListOptions holds flags for the ls command.
type ListOptions struct {
	*RootOptions
	Recursive bool
}

// FileList is the result of the ls command.
type FileList struct {
	Root  string          `json:"root"`
	Files []catalog.Entry `json:"files"`
}

func (l FileList) String() string {
	if len(l.Files) == 0 {
		return fmt.Sprintf("No print files in %s.", l.Root)
	}
	var b strings.Builder
	for i, e := range l.Files {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%10d  %s", e.Size, e.Name)
	}
	return b.String()
}

// NewListCommand creates the ls command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List print files",
		Long: `List the files in the print directory.

Without --recursive only the top level is listed, including files of any
extension. With --recursive subdirectories are searched and only files with a
print extension (.gcode, .g, .gco) are listed.

Examples:
  spool ls
  spool ls -r --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().BoolVarP(&opts.Recursive, "recursive", "r", false, "search subdirectories")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	cat := catalog.New(cfg.SDCard.Path)
	entries, err := cat.List(opts.Recursive)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list print files", err)
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	return opts.formatter(cmd).Success(FileList{Root: cat.Root(), Files: entries})
}
