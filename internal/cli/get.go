package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dsdb-io/dsdb/internal/canon"
	"github.com/dsdb-io/dsdb/internal/fault"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	DBOptions
	InfoOnly bool
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{DBOptions: DBOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Retrieve a dataset with digest verification",
		Long: `Retrieve a dataset by name.

The stored records are reassembled and both digests are recomputed and
checked before anything is printed; a mismatch is an integrity fault,
never silently returned data.

Example:
  dsdb get --db ./dsdb.db cells
  dsdb get --db ./dsdb.db cells --info`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], cmd)
		},
	}

	opts.registerFlags(cmd)
	cmd.Flags().BoolVar(&opts.InfoOnly, "info", false, "print only the verification envelope")

	return cmd
}

func runGet(opts *GetOptions, name string, cmd *cobra.Command) error {
	ctx := cmdContext(cmd)

	db, err := opts.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	d, err := db.Get(ctx, name)
	if err != nil {
		_ = formatter.Fault(err)
		if fault.IsNotFound(err) {
			return WrapExitError(ExitCommandError, "get failed", err)
		}
		return WrapExitError(ExitFailure, "get failed", err)
	}

	if opts.InfoOnly {
		return formatter.Success(infoSummary(d.Info()))
	}

	data, err := canon.Marshal(d.Value())
	if err != nil {
		return WrapExitError(ExitFailure, "serialize value", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
