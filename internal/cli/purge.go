package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dsdb-io/dsdb/internal/atomstore"
	"github.com/dsdb-io/dsdb/internal/fault"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	DBOptions
	Deep    bool
	Cascade bool
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{DBOptions: DBOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "purge <name>",
		Short: "Remove a dataset and its exclusively owned records",
		Long: `Purge a dataset. Records shared with other datasets survive.

A dataset referenced by provenance runs is refused unless --cascade is
passed. --deep also purges datasets derived from this one.

Example:
  dsdb purge --db ./dsdb.db old-cells
  dsdb purge --db ./dsdb.db old-cells --deep --cascade`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, args[0], cmd)
		},
	}

	opts.registerFlags(cmd)
	cmd.Flags().BoolVar(&opts.Deep, "deep", false, "also purge derived datasets")
	cmd.Flags().BoolVar(&opts.Cascade, "cascade", false, "delete dependent run records instead of refusing")

	return cmd
}

func runPurge(opts *PurgeOptions, name string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)

	db, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	row, err := db.Store().DatasetByName(ctx, name)
	if err != nil {
		_ = formatter.Fault(err)
		return WrapExitError(ExitCommandError, "purge failed", err)
	}

	res, err := db.Purge(ctx, row.ID, atomstore.PurgeOptions{
		Deep:    opts.Deep,
		Cascade: opts.Cascade,
	})
	if err != nil {
		_ = formatter.Fault(err)
		if fault.IsDependentsExist(err) {
			return WrapExitError(ExitFailure, "purge refused", err)
		}
		return WrapExitError(ExitFailure, "purge failed", err)
	}

	if opts.Format == "json" {
		return formatter.Success(res)
	}
	return formatter.Success(fmt.Sprintf("purged %d dataset(s), %d group(s), %d atom(s)",
		res.Datasets, res.Groups, res.Atoms))
}
