package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dsdb-io/dsdb/internal/export"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	DBOptions
	Output string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{DBOptions: DBOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "export <name>",
		Short: "Write a portable dataset bundle",
		Long: `Export a dataset as a portable bundle: a gzipped tar holding the
verification manifest and the canonical value bytes. The dataset is
digest-verified before export.

Example:
  dsdb export --db ./dsdb.db cells
  dsdb export --db ./dsdb.db cells -o /tmp/cells` + export.Extension,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args[0], cmd)
		},
	}

	opts.registerFlags(cmd)
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "bundle path (defaults to <name>"+export.Extension+")")

	return cmd
}

func runExport(opts *ExportOptions, name string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)

	db, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	outPath := opts.Output
	if outPath == "" {
		outPath = name + export.Extension
	}

	f, err := os.Create(outPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create bundle file", err)
	}

	if err := export.Write(ctx, db, name, f); err != nil {
		f.Close()
		os.Remove(outPath)
		_ = formatter.Fault(err)
		return WrapExitError(ExitFailure, "export failed", err)
	}
	if err := f.Close(); err != nil {
		return WrapExitError(ExitFailure, "failed to finish bundle file", err)
	}

	return formatter.Success(fmt.Sprintf("exported %q to %s", name, outPath))
}
